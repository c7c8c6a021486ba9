// Package validation provides input validation middleware for the proctoring API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (256KB). Event reports and
// heartbeats are small; anything near this limit is abuse.
const MaxRequestSize = 256 << 10

// MaxDetailLength caps the free-form detail payload on a suspicious event.
const MaxDetailLength = 2000

// MaxFingerprintLength caps the opaque device fingerprint string.
const MaxFingerprintLength = 512

var (
	// idRegex validates generated resource IDs (prefix + 24 hex chars).
	idRegex = regexp.MustCompile(`^[a-z]{2,8}_[a-f0-9]{24}$`)
	// eventKindRegex validates event kind identifiers (lower snake case).
	eventKindRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{1,63}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string looks like a generated resource ID
// (e.g. sess_a1b2..., exam_f00d...).
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IsValidEventKind checks if a string is a well-formed event kind identifier.
// Whether the kind is known is the catalog's decision, not a syntax question.
func IsValidEventKind(kind string) bool {
	return eventKindRegex.MatchString(kind)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidEventKind checks if a field is a well-formed event kind.
func ValidEventKind(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEventKind(value) {
			return &ValidationError{Field: field, Message: "must be a lower_snake_case event kind"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IDParamMiddleware validates a resource-ID URL parameter on routes that use
// it, rejecting malformed IDs before any handler or store work happens.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must be a well-formed resource ID",
			})
			return
		}
		c.Next()
	}
}
