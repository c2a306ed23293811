package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/kv"
)

func TestCompareAndSwap(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.CompareAndSwap(ctx, "lock:upstream", nil, []byte("a"), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CompareAndSwap(ctx, "lock:upstream", nil, []byte("b"), 0); !errors.Is(err, kv.ErrCASMismatch) {
		t.Fatalf("expected mismatch on duplicate create, got %v", err)
	}
	if err := store.CompareAndSwap(ctx, "lock:upstream", []byte("wrong"), []byte("b"), 0); !errors.Is(err, kv.ErrCASMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := store.CompareAndSwap(ctx, "lock:upstream", []byte("a"), []byte("b"), 0); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if err := store.CompareAndSwap(ctx, "lock:missing", []byte("a"), []byte("b"), 0); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	got, err := store.Get(ctx, "lock:upstream")
	if err != nil || string(got) != "b" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := store.CompareAndDelete(ctx, "lock:upstream", []byte("a")); !errors.Is(err, kv.ErrCASMismatch) {
		t.Fatalf("expected delete mismatch, got %v", err)
	}
	if err := store.CompareAndDelete(ctx, "lock:upstream", []byte("b")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "lock:upstream"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestTTLFollowsClock(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewWithClock(clk)
	ctx := context.Background()

	if err := store.Set(ctx, "instance:a", []byte("x"), 10*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	clk.Advance(9 * time.Second)
	if _, err := store.Get(ctx, "instance:a"); err != nil {
		t.Fatalf("expected key alive, got %v", err)
	}
	clk.Advance(time.Second)
	if _, err := store.Get(ctx, "instance:a"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if err := store.CompareAndSwap(ctx, "instance:a", nil, []byte("y"), 0); err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
}

func TestListKeysPrefixSorted(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, key := range []string{"task_status:b", "processing:a", "task_status:a", "task_status"} {
		if err := store.Set(ctx, key, []byte("1"), 0); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	keys, err := store.ListKeys(ctx, kv.TaskStatusPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "task_status:a" || keys[1] != "task_status:b" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestClosedStore(t *testing.T) {
	store := New()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.Get(context.Background(), "x"); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
