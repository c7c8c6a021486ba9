package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyCredential is the key for storing the credential in gin context
	ContextKeyCredential = "credential"
	// ContextKeyUserID is the key for storing the authenticated user id
	ContextKeyUserID = "authUserID"
)

// Middleware extracts and validates the bearer token from the request.
// Sets credential and authUserID in context if valid. Never aborts; route
// guards decide what is required.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get token from header
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.GetHeader("X-API-Key")
		}

		if token != "" {
			cred, err := m.Validate(c.Request.Context(), token)
			if err == nil {
				c.Set(ContextKeyCredential, cred)
				c.Set(ContextKeyUserID, cred.UserID)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid credential
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyCredential); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Credential required. Include 'Authorization: Bearer ak_...' or 'Bearer st_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole middleware requires auth AND the given role
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := GetCredential(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Credential required.",
			})
			return
		}

		if cred.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This endpoint requires the " + role + " role.",
			})
			return
		}

		c.Next()
	}
}

// RequireSession middleware requires a student session token bound to the
// session named by the URL param. Admin keys do not pass; admins act on
// sessions through their own routes.
func RequireSession(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := GetCredential(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session token required.",
			})
			return
		}

		if cred.Role != RoleStudent || cred.SessionID != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Token is not valid for this session.",
			})
			return
		}

		c.Next()
	}
}

// GetCredential returns the credential from context (if authenticated)
func GetCredential(c *gin.Context) (*Credential, bool) {
	cred, exists := c.Get(ContextKeyCredential)
	if !exists {
		return nil, false
	}
	return cred.(*Credential), true
}

// GetAuthenticatedUser returns the authenticated user's id
func GetAuthenticatedUser(c *gin.Context) string {
	userID, exists := c.Get(ContextKeyUserID)
	if !exists {
		return ""
	}
	return userID.(string)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyCredential)
	return exists
}
