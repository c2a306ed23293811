package publisher

import (
	"context"
	"net/http"
	"time"
)

// Request is one delivery handed to the queue service.
type Request struct {
	URL             string            `json:"url"`
	Body            []byte            `json:"body"`
	Headers         map[string]string `json:"headers,omitempty"`
	Delay           time.Duration     `json:"-"`
	DeduplicationID string            `json:"-"`
	Retries         int               `json:"-"`
}

// Response identifies an accepted delivery.
type Response struct {
	MessageID string
}

// Queue is the external message queue.
type Queue interface {
	PublishJSON(ctx context.Context, req Request) (Response, error)
}

// Verifier checks signatures on incoming webhook deliveries.
type Verifier interface {
	Verify(ctx context.Context, signature string, body []byte) (bool, error)
}

// SignatureHeader carries the HMAC of a delivered body.
const SignatureHeader = "Relay-Signature"

func headerMap(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
