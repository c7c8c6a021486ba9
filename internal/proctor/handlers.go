package proctor

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/invigil/invigil/internal/auth"
	"github.com/invigil/invigil/internal/exam"
	"github.com/invigil/invigil/internal/session"
	"github.com/invigil/invigil/internal/validation"
)

const defaultListLimit = 50

// Handler provides HTTP endpoints for the proctoring gateway.
type Handler struct {
	service *Service
}

// NewHandler creates a new proctoring handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterStudentRoutes mounts the routes a student's exam client calls.
// The server wraps them in RequireSession, so the bearer token is already
// bound to the session in the path.
func (h *Handler) RegisterStudentRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/:sessionId/events", h.ReportEvent)
	r.POST("/sessions/:sessionId/heartbeat", h.Heartbeat)
	r.POST("/sessions/:sessionId/submit", h.Submit)
}

// RegisterAdminRoutes mounts the routes for exam administrators. The server
// wraps them in RequireRole(admin); exam ownership is checked per request.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/exams/:examId/sessions", h.CreateSession)
	r.GET("/exams/:examId/sessions", h.ListSessions)
	r.GET("/sessions/:sessionId", h.GetSession)
	r.GET("/sessions/:sessionId/events", h.ListEvents)
	r.POST("/sessions/:sessionId/terminate", h.Terminate)
}

// ReportEvent handles POST /v1/sessions/:sessionId/events
func (h *Handler) ReportEvent(c *gin.Context) {
	cred, ok := auth.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req struct {
		Kind        string `json:"kind" binding:"required"`
		Detail      string `json:"detail"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "kind required"})
		return
	}

	result, err := h.service.ReportEvent(c.Request.Context(), cred.UserID, c.Param("sessionId"), ReportRequest{
		Kind:        req.Kind,
		Detail:      validation.SanitizeString(req.Detail, 500),
		Fingerprint: req.Fingerprint,
		IP:          c.ClientIP(),
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Heartbeat handles POST /v1/sessions/:sessionId/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	cred, ok := auth.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// Body is optional: a bare heartbeat still proves liveness.
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	_ = c.ShouldBindJSON(&req)

	result, err := h.service.Heartbeat(c.Request.Context(), cred.UserID, c.Param("sessionId"), req.Fingerprint, c.ClientIP())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Submit handles POST /v1/sessions/:sessionId/submit
func (h *Handler) Submit(c *gin.Context) {
	cred, ok := auth.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sess, err := h.service.Submit(c.Request.Context(), cred.UserID, c.Param("sessionId"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// CreateSession handles POST /v1/exams/:examId/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	cred, ok := auth.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req struct {
		UserID      string `json:"userId" binding:"required"`
		UserName    string `json:"userName"`
		Fingerprint string `json:"fingerprint"`
		IP          string `json:"ip"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId required"})
		return
	}

	sess, token, err := h.service.CreateSession(c.Request.Context(), cred.UserID, c.Param("examId"), CreateSessionRequest{
		UserID:      req.UserID,
		UserName:    validation.SanitizeString(req.UserName, 200),
		Fingerprint: req.Fingerprint,
		IP:          req.IP,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	// The raw token is shown once; only its hash is stored.
	c.JSON(http.StatusCreated, gin.H{"session": sess, "token": token})
}

// ListSessions handles GET /v1/exams/:examId/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	cred, ok := auth.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := queryLimit(c)
	opts := cursorOpts(c)

	sessions, err := h.service.ListSessions(c.Request.Context(), cred.UserID, c.Param("examId"), limit, opts...)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// GetSession handles GET /v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	cred, ok := auth.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sess, err := h.service.GetSession(c.Request.Context(), cred.UserID, c.Param("sessionId"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// ListEvents handles GET /v1/sessions/:sessionId/events
func (h *Handler) ListEvents(c *gin.Context) {
	cred, ok := auth.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := queryLimit(c)
	opts := cursorOpts(c)

	events, err := h.service.ListEvents(c.Request.Context(), cred.UserID, c.Param("sessionId"), limit, opts...)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Terminate handles POST /v1/sessions/:sessionId/terminate
func (h *Handler) Terminate(c *gin.Context) {
	cred, ok := auth.GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&req)

	sess, err := h.service.Terminate(c.Request.Context(), cred.UserID, c.Param("sessionId"),
		validation.SanitizeString(req.Note, 500))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// ---------- helpers ----------

// respondServiceError maps gateway errors to HTTP statuses.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, exam.ErrExamNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, session.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrUnknownEventKind), errors.Is(err, ErrReservedEventKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind", "message": err.Error()})
	case errors.Is(err, session.ErrAlreadySubmitted), errors.Is(err, session.ErrSessionEnded):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "operation failed"})
	}
}

func queryLimit(c *gin.Context) int {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	return limit
}

func cursorOpts(c *gin.Context) []session.ListOption {
	var opts []session.ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		opts = append(opts, session.WithCursor(cursor))
	}
	return opts
}
