// Package validation provides input validation helpers for the settlement API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxPurposeLength is the longest purpose/remark the gateway accepts.
const MaxPurposeLength = 50

// MaxAmountScale is the number of decimal places allowed in an amount (paise).
const MaxAmountScale = 2

var (
	// vpaRegex validates UPI virtual payment addresses (handle@psp)
	vpaRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.\-_]{1,255}@[a-zA-Z][a-zA-Z0-9]{1,63}$`)
	// referenceRegex validates externally visible settlement references
	referenceRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{6,64}$`)
	// purposeDisallowed strips everything the gateway refuses in remarks
	purposeDisallowed = regexp.MustCompile(`[^A-Za-z0-9 ]+`)
	multiSpace        = regexp.MustCompile(` {2,}`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidVPA checks if a string is a well-formed UPI address
func IsValidVPA(addr string) bool {
	return vpaRegex.MatchString(addr)
}

// IsValidReference checks if a string looks like a settlement reference
func IsValidReference(ref string) bool {
	return referenceRegex.MatchString(ref)
}

// SanitizeVPA normalizes a UPI address. Handles are case-insensitive.
func SanitizeVPA(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// SanitizeString removes null bytes, trims whitespace and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// SanitizePurpose reduces free text to the gateway's remark alphabet:
// ASCII letters, digits and single spaces, at most MaxPurposeLength bytes.
// An empty result falls back to fallback.
func SanitizePurpose(s, fallback string) string {
	s = purposeDisallowed.ReplaceAllString(s, " ")
	s = multiSpace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > MaxPurposeLength {
		s = strings.TrimSpace(s[:MaxPurposeLength])
	}
	if s == "" {
		return fallback
	}
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

// ValidVPA checks if a field is a valid UPI address
func ValidVPA(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidVPA(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be a valid UPI address (name@handle)"}
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

// ValidAmount checks that d is a positive amount with at most two places.
func ValidAmount(field string, d decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if err := CheckAmount(d); err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

// ParseAmount parses a positive money amount with at most two decimal places.
func ParseAmount(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, errInvalidAmountFormat
	}
	if err := CheckAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// CheckAmount reports whether d is usable as a settlement amount.
func CheckAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return errAmountNotPositive
	}
	if !d.Equal(d.Round(MaxAmountScale)) {
		return errAmountScale
	}
	return nil
}

type amountError string

func (e amountError) Error() string { return string(e) }

const (
	errInvalidAmountFormat = amountError("invalid amount format")
	errAmountNotPositive   = amountError("amount must be greater than zero")
	errAmountScale         = amountError("amount supports at most two decimal places")
)

// ReferenceParamMiddleware rejects malformed :reference URL parameters early.
func ReferenceParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := c.Param("reference")
		if ref != "" && !IsValidReference(ref) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_reference",
				"message": "reference must be 6-64 characters of letters, digits, '-' or '_'",
			})
			return
		}
		c.Next()
	}
}
