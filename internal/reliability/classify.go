package reliability

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Kind is the closed set of failure categories.
type Kind int

const (
	// KindNone means the operation succeeded.
	KindNone Kind = iota
	// KindValidation is malformed input.
	KindValidation
	// KindTransient is worth retrying after a backoff.
	KindTransient
	// KindTerminal must not be retried.
	KindTerminal
	// KindRateLimited must wait at least Classification.Wait.
	KindRateLimited
)

// String renders k for logs and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Classification is the outcome of Classify.
type Classification struct {
	Kind Kind
	Wait time.Duration
}

// Retryable reports whether another attempt may succeed.
func (c Classification) Retryable() bool {
	return c.Kind == KindTransient || c.Kind == KindRateLimited
}

// Classify maps err onto a Kind.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindNone}
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Classification{Kind: KindValidation}
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return Classification{Kind: KindRateLimited, Wait: rl.Wait}
	}
	var oe *OpenError
	if errors.As(err, &oe) {
		return Classification{Kind: KindRateLimited, Wait: oe.RetryAfter}
	}
	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se)
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Kind: KindTerminal}
	}
	return Classification{Kind: KindTransient}
}

func classifyStatus(se *StatusError) Classification {
	switch {
	case se.Code == http.StatusTooManyRequests:
		return Classification{Kind: KindRateLimited, Wait: se.RetryAfter}
	case se.Code == http.StatusRequestTimeout:
		return Classification{Kind: KindTransient}
	case se.Code >= 400 && se.Code < 500:
		return Classification{Kind: KindTerminal}
	default:
		return Classification{Kind: KindTransient}
	}
}
