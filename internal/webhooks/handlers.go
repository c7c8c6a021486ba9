package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/invigil/invigil/internal/auth"
	"github.com/invigil/invigil/internal/exam"
	"github.com/invigil/invigil/internal/idgen"
	"github.com/invigil/invigil/internal/security"
)

// Handler provides HTTP endpoints for managing an exam's webhook
// subscriptions. All routes require the exam's owning admin.
type Handler struct {
	store Store
	exams exam.Store
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store, exams exam.Store) *Handler {
	return &Handler{store: store, exams: exams}
}

// RegisterRoutes sets up webhook management routes. The server mounts these
// behind admin-role auth; per-exam ownership is checked here.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/exams/:examId/webhooks", h.CreateWebhook)
	r.GET("/exams/:examId/webhooks", h.ListWebhooks)
	r.DELETE("/exams/:examId/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest is the body for registering a subscription.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /v1/exams/:examId/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	e := h.requireExamOwnership(c)
	if e == nil {
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and events are required",
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, raw := range req.Events {
		et := EventType(raw)
		if !ValidEventType(et) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event_type",
				"message": "unknown event type: " + raw,
			})
			return
		}
		events = append(events, et)
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("whk_"),
		ExamID:    e.ID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Invigil-Signature",
		},
	})
}

// ListWebhooks handles GET /v1/exams/:examId/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	e := h.requireExamOwnership(c)
	if e == nil {
		return
	}

	subs, err := h.store.GetByExam(c.Request.Context(), e.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// DeleteWebhook handles DELETE /v1/exams/:examId/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	e := h.requireExamOwnership(c)
	if e == nil {
		return
	}

	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookId"))
	if err != nil || sub.ExamID != e.ID {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "webhook not found",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// requireExamOwnership loads the exam from the URL param and checks that the
// caller administers it. Returns nil (and sends the error response) if not.
func (h *Handler) requireExamOwnership(c *gin.Context) *exam.Exam {
	e, err := h.exams.Get(c.Request.Context(), c.Param("examId"))
	if err != nil {
		if errors.Is(err, exam.ErrExamNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "exam not found"})
			return nil
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return nil
	}

	cred, ok := auth.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "credential required"})
		return nil
	}
	if cred.UserID != e.AdminID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your exam"})
		return nil
	}
	return e
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
