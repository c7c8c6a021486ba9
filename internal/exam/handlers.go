package exam

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/invigil/invigil/internal/auth"
	"github.com/invigil/invigil/internal/idgen"
	"github.com/invigil/invigil/internal/risk"
	"github.com/invigil/invigil/internal/validation"
)

// Handler provides HTTP endpoints for exam management.
type Handler struct {
	store Store
}

// NewHandler creates a new exam handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up exam management routes. The server mounts these
// behind admin-role auth; per-exam ownership is checked here.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/exams", h.CreateExam)
	r.GET("/exams", h.ListExams)
	r.GET("/exams/:examId", h.GetExam)
	r.PATCH("/exams/:examId", h.UpdateExam)
}

// CreateExam handles POST /v1/exams
func (h *Handler) CreateExam(c *gin.Context) {
	cred, ok := auth.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req struct {
		Title           string           `json:"title" binding:"required"`
		DurationMinutes int              `json:"durationMinutes"`
		Mode            Mode             `json:"mode"`
		Thresholds      *risk.Thresholds `json:"thresholds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "title required"})
		return
	}

	if req.DurationMinutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_duration", "message": "durationMinutes must be >= 0"})
		return
	}

	if req.Mode == "" {
		req.Mode = ModeStandard
	}
	if !ValidMode(req.Mode) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode", "message": "mode must be standard or practice"})
		return
	}

	if req.Thresholds != nil {
		if err := req.Thresholds.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_thresholds", "message": err.Error()})
			return
		}
	}

	now := time.Now()
	e := &Exam{
		ID:              idgen.WithPrefix("exam_"),
		AdminID:         cred.UserID,
		Title:           validation.SanitizeString(req.Title, 200),
		DurationMinutes: req.DurationMinutes,
		Mode:            req.Mode,
		Thresholds:      req.Thresholds,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.store.Create(c.Request.Context(), e); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create exam"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"exam": e})
}

// GetExam handles GET /v1/exams/:examId
func (h *Handler) GetExam(c *gin.Context) {
	e := h.requireExamOwnership(c)
	if e == nil {
		return
	}

	c.JSON(http.StatusOK, gin.H{"exam": e})
}

// ListExams handles GET /v1/exams — lists the caller's exams.
func (h *Handler) ListExams(c *gin.Context) {
	cred, ok := auth.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	exams, err := h.store.ListByAdmin(c.Request.Context(), cred.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"exams": exams, "count": len(exams)})
}

// UpdateExam handles PATCH /v1/exams/:examId
func (h *Handler) UpdateExam(c *gin.Context) {
	e := h.requireExamOwnership(c)
	if e == nil {
		return
	}

	var req struct {
		Title           *string          `json:"title"`
		DurationMinutes *int             `json:"durationMinutes"`
		Mode            *Mode            `json:"mode"`
		Thresholds      *risk.Thresholds `json:"thresholds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Title != nil {
		e.Title = validation.SanitizeString(*req.Title, 200)
	}
	if req.DurationMinutes != nil {
		if *req.DurationMinutes < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_duration", "message": "durationMinutes must be >= 0"})
			return
		}
		e.DurationMinutes = *req.DurationMinutes
	}
	if req.Mode != nil {
		if !ValidMode(*req.Mode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode", "message": "mode must be standard or practice"})
			return
		}
		e.Mode = *req.Mode
	}
	if req.Thresholds != nil {
		if err := req.Thresholds.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_thresholds", "message": err.Error()})
			return
		}
		// Applies to future accumulations only; recorded scores never move.
		e.Thresholds = req.Thresholds
	}
	e.UpdatedAt = time.Now()

	if err := h.store.Update(c.Request.Context(), e); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update exam"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"exam": e})
}

// ---------- helpers ----------

// requireExamOwnership loads the exam from the URL param and checks that the
// caller administers it. Returns nil (and sends the error response) if not.
func (h *Handler) requireExamOwnership(c *gin.Context) *Exam {
	e, err := h.store.Get(c.Request.Context(), c.Param("examId"))
	if err != nil {
		if err == ErrExamNotFound {
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
