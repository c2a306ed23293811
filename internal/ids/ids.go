// Package ids generates the identifiers relayd hands out: compact sortable
// instance ids and time-ordered UUIDs for messages and correlation.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// LocalMessagePrefix marks message ids synthesized while the queue service
// is not configured.
const LocalMessagePrefix = "local-"

// NewInstanceID returns a new process instance identifier.
func NewInstanceID() string {
	return xid.New().String()
}

// NewUUID returns a UUIDv7 string, falling back to a random UUID if the
// time-ordered generator fails.
func NewUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewLocalMessageID returns a degraded-mode message id.
func NewLocalMessageID() string {
	return LocalMessagePrefix + NewUUID()
}
