// Package validation provides input validation middleware for the dropmint API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields.
const MaxStringLength = 10000

// MinQuantity and MaxQuantity bound a create-payment-intent request.
const (
	MinQuantity = 1
	MaxQuantity = 20
)

var (
	// sessionIDRegex validates the 128-bit hex session identifier format
	// produced by idgen.Hex(16).
	sessionIDRegex = regexp.MustCompile(`^[a-f0-9]{32}$`)
	// hexRegex validates generic hex strings (txids, etc).
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSessionID checks if a string is a well-formed session identifier.
func IsValidSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

// IsValidHex checks if a string is valid hex.
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidSessionID checks if a field is a well-formed session identifier.
func ValidSessionID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields.
		}
		if !IsValidSessionID(value) {
			return &ValidationError{Field: field, Message: "must be a 32-character hex session id"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidQuantity checks if a value is within [MinQuantity, MaxQuantity].
func ValidQuantity(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < MinQuantity || value > MaxQuantity {
			return &ValidationError{Field: field, Message: "quantity must be between 1 and 20"}
		}
		return nil
	}
}
