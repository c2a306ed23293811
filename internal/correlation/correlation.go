// Package correlation carries a request-scoped identifier through contexts so
// log lines and spans emitted for one publish, claim or forward can be joined.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/relayd/internal/ids"
)

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 128

// HeaderName carries the identifier across instance hops.
const HeaderName = "X-Correlation-Id"

type contextKey struct{}

// Set returns a child of ctx carrying id. Invalid ids leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// Ensure returns ctx with a correlation id, generating one when absent.
func Ensure(ctx context.Context) context.Context {
	if ID(ctx) != "" {
		return ctx
	}
	return Set(ctx, Generate())
}

// ID returns the identifier stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and rejects empty, oversized or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a fresh identifier.
func Generate() string {
	return ids.NewUUID()
}
