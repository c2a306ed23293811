package ids

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

func TestNewInstanceIDIsXID(t *testing.T) {
	id := NewInstanceID()
	if _, err := xid.FromString(id); err != nil {
		t.Fatalf("expected xid, got %q: %v", id, err)
	}
	if id == NewInstanceID() {
		t.Fatal("expected distinct instance ids")
	}
}

func TestNewLocalMessageID(t *testing.T) {
	id := NewLocalMessageID()
	if !strings.HasPrefix(id, LocalMessagePrefix) {
		t.Fatalf("missing prefix: %q", id)
	}
	parsed, err := uuid.Parse(strings.TrimPrefix(id, LocalMessagePrefix))
	if err != nil {
		t.Fatalf("parse uuid: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected v7 uuid, got v%d", parsed.Version())
	}
}
