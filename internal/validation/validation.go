// Package validation checks and normalizes caller input for invoices,
// disputes and arbitration cases. Rules collect into ValidationErrors, which
// match ErrInvalid so the HTTP layer can map them to 400.
package validation

import (
	"errors"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1 MiB.
const MaxRequestSize = 1 << 20

// ErrInvalid is matched by every ValidationErrors value via errors.Is.
var ErrInvalid = errors.New("validation failed")

// on-chain tx hash, or a Transak order reference for card-funded invoices
var txRefPattern = regexp.MustCompile(`^(0x[a-fA-F0-9]{64}|transak:[a-zA-Z0-9-]+)$`)

// RequestSizeMiddleware wraps request bodies in http.MaxBytesReader.
func RequestSizeMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// IsValidEthAddress requires the 0x prefix followed by 40 hex digits.
func IsValidEthAddress(addr string) bool {
	return len(addr) == 42 && strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidTxRef accepts a settlement reference: a 32-byte tx hash or
// "transak:<order id>".
func IsValidTxRef(ref string) bool {
	return txRefPattern.MatchString(ref)
}

// IsOnChainTxRef reports whether ref is a tx hash rather than a provider
// reference.
func IsOnChainTxRef(ref string) bool {
	return strings.HasPrefix(ref, "0x") && IsValidTxRef(ref)
}

// SanitizeString trims, strips NUL bytes and truncates to maxLen runes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}

// SanitizeAddress lower-cases an address and adds a missing 0x prefix.
// Invalid input is returned normalized but not rejected.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) == 40 && !strings.HasPrefix(addr, "0x") {
		return "0x" + addr
	}
	return addr
}

// ValidationError is one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is returned to clients as the "details" array.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ErrInvalid.Error()
	}
	return e[0].Field + ": " + e[0].Message
}

func (e ValidationErrors) Unwrap() error { return ErrInvalid }

// Err returns nil when nothing failed.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Fail builds a single-field error.
func Fail(field, message string) error {
	return ValidationErrors{{Field: field, Message: message}}
}

// Rule checks one field and returns nil when it passes.
type Rule func() *ValidationError

func check(field string, ok bool, message string) *ValidationError {
	if ok {
		return nil
	}
	return &ValidationError{Field: field, Message: message}
}

// Validate runs every rule and collects the failures in order.
func Validate(rules ...Rule) ValidationErrors {
	var errs ValidationErrors
	for _, rule := range rules {
		if err := rule(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func Required(field, value string) Rule {
	return func() *ValidationError {
		return check(field, strings.TrimSpace(value) != "", "is required")
	}
}

// ValidAddress passes an empty value; pair it with Required.
func ValidAddress(field, value string) Rule {
	return func() *ValidationError {
		return check(field, value == "" || IsValidEthAddress(value), "must be a valid Ethereum address (0x...)")
	}
}

func ValidTxRef(field, value string) Rule {
	return func() *ValidationError {
		return check(field, IsValidTxRef(value), "must be a 0x-prefixed 64-hex tx hash or transak:<id> reference")
	}
}

// ValidEmail passes an empty value. Display names ("Ann <a@b.c>") are
// rejected.
func ValidEmail(field, value string) Rule {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		a, err := mail.ParseAddress(value)
		return check(field, err == nil && a.Address == value, "must be a valid email address")
	}
}

// MinLength counts runes after trimming.
func MinLength(field, value string, min int) Rule {
	return func() *ValidationError {
		return check(field, utf8.RuneCountInString(strings.TrimSpace(value)) >= min, "is too short")
	}
}

func MaxLength(field, value string, max int) Rule {
	return func() *ValidationError {
		return check(field, utf8.RuneCountInString(value) <= max, "exceeds maximum length")
	}
}

// IntBetween is inclusive at both ends.
func IntBetween(field string, value, min, max int64) Rule {
	return func() *ValidationError {
		return check(field, value >= min && value <= max, "is out of range")
	}
}
