package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/invigil/invigil/internal/idgen"
)

// Handler provides HTTP endpoints for credential management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "bearer_token",
		"header":    "Authorization: Bearer ak_... (admin) or st_... (student)",
		"altHeader": "X-API-Key: ak_...",
		"note":      "Admin keys are returned on registration. Session tokens are returned when a session is created.",
		"publicEndpoints": []string{
			"POST /v1/admins",
			"GET /health",
			"GET /metrics",
		},
		"protectedEndpoints": []string{
			"POST /v1/exams",
			"GET /v1/exams/:examId/sessions",
			"POST /v1/exams/:examId/sessions",
			"POST /v1/sessions/:sessionId/events",
			"POST /v1/sessions/:sessionId/heartbeat",
			"POST /v1/sessions/:sessionId/submit",
			"POST /v1/sessions/:sessionId/terminate",
		},
	})
}

// RegisterRequest is the request body for registering an administrator
type RegisterRequest struct {
	Name string `json:"name"`
}

// Register creates an administrator identity and issues its first API key
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Exam administrator"
	}

	adminID := idgen.WithPrefix("adm_")

	rawKey, cred, err := h.manager.IssueAdminKey(c.Request.Context(), adminID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "registration_failed",
			"message": "Failed to register administrator",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"adminId": adminID,
		"apiKey":  rawKey,
		"keyId":   cred.ID,
		"name":    cred.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns credentials for the authenticated user
func (h *Handler) ListKeys(c *gin.Context) {
	cred, ok := GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	creds, err := h.manager.ListKeys(c.Request.Context(), cred.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(creds))
	for i, cr := range creds {
		safeKeys[i] = gin.H{
			"id":        cr.ID,
			"role":      cr.Role,
			"name":      cr.Name,
			"createdAt": cr.CreatedAt,
			"lastUsed":  cr.LastUsed,
			"revoked":   cr.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional API key for the authenticated admin
func (h *Handler) CreateKey(c *gin.Context) {
	cred, ok := GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newCred, err := h.manager.IssueAdminKey(c.Request.Context(), cred.UserID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to create key",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newCred.ID,
		"name":    newCred.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	cred, ok := GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")

	// Prevent revoking current key
	if keyID == cred.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.Revoke(c.Request.Context(), keyID, cred.UserID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// Whoami returns info about the authenticated caller
func (h *Handler) Whoami(c *gin.Context) {
	cred, ok := GetCredential(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	resp := gin.H{
		"userId":    cred.UserID,
		"role":      cred.Role,
		"keyId":     cred.ID,
		"keyName":   cred.Name,
		"createdAt": cred.CreatedAt,
		"lastUsed":  cred.LastUsed,
	}
	if cred.SessionID != "" {
		resp["sessionId"] = cred.SessionID
	}

	c.JSON(http.StatusOK, resp)
}
