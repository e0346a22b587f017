// Package validation provides input validation for the consignguard API.
package validation

import (
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 1000

// MaxSubjectLength bounds user IDs and origins.
const MaxSubjectLength = 256

var actionRegex = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAction checks an action name: lowercase, starting with a letter,
// at most 64 characters of [a-z0-9_.-].
func IsValidAction(action string) bool {
	return actionRegex.MatchString(action)
}

// IsValidOrigin accepts "unknown" or a literal IPv4/IPv6 address.
func IsValidOrigin(origin string) bool {
	if origin == "unknown" {
		return true
	}
	_, err := netip.ParseAddr(origin)
	return err == nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
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

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// ValidAction checks an action name field.
func ValidAction(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidAction(value) {
			return &ValidationError{Field: field, Message: "must be a lowercase action name (a-z, 0-9, _ . -)"}
		}
		return nil
	}
}

// ValidOrigin checks an origin field. Empty values pass; the identity layer
// maps them to "unknown".
func ValidOrigin(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidOrigin(strings.ToLower(strings.TrimSpace(value))) {
			return &ValidationError{Field: field, Message: "must be an IP address or \"unknown\""}
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

// ActionParamMiddleware rejects malformed :action URL parameters early.
func ActionParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if action := c.Param("action"); action != "" && !IsValidAction(action) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_action",
				"message": "action must be a lowercase name (a-z, 0-9, _ . -)",
			})
			return
		}
		c.Next()
	}
}
