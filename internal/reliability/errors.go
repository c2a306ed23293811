package reliability

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ValidationError reports malformed input. It is surfaced synchronously and
// never retried.
type ValidationError struct {
	Op     string
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError for field in op.
func NewValidationError(op, field, reason string) *ValidationError {
	return &ValidationError{Op: op, Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString("invalid ")
	if e.Field != "" {
		b.WriteString(e.Field)
	} else {
		b.WriteString("input")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// StatusError is an HTTP-style failure returned by a remote collaborator.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	text := http.StatusText(e.Code)
	if text == "" {
		text = "status"
	}
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Code, text)
	}
	return fmt.Sprintf("%d %s: %s", e.Code, text, e.Message)
}

// RateLimitError reports an explicit rate limit with a mandated wait.
type RateLimitError struct {
	Wait    time.Duration
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rate limited: retry after %s", e.Wait)
	}
	return fmt.Sprintf("rate limited: %s (retry after %s)", e.Message, e.Wait)
}

// OpenError is returned by a circuit breaker that short-circuits a call.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	name := e.Name
	if name == "" {
		name = "breaker"
	}
	if e.RetryAfter <= 0 {
		return fmt.Sprintf("%s: circuit open (trial in flight)", name)
	}
	return fmt.Sprintf("%s: circuit open, retry after %s", name, e.RetryAfter.Round(time.Millisecond))
}

// ExhaustedError wraps the last error of a retry loop that ran out of
// attempts.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
