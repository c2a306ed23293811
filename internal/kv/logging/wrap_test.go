package logging

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/kv"
	"pkt.systems/relayd/internal/kv/memory"
)

func TestWrapPassesThrough(t *testing.T) {
	store := Wrap(memory.New(), nil, "memory")
	ctx := correlation.Set(context.Background(), "sweep-1")

	if err := store.CompareAndSwap(ctx, "lock:a", nil, []byte("x"), 0); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if err := store.CompareAndSwap(ctx, "lock:a", nil, []byte("y"), 0); !errors.Is(err, kv.ErrCASMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	keys, err := store.ListKeys(ctx, kv.LockPrefix)
	if err != nil || len(keys) != 1 {
		t.Fatalf("list: %v %v", keys, err)
	}
	if err := store.Delete(ctx, "lock:a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "lock:a"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResultLabel(t *testing.T) {
	cases := map[string]error{
		"ok":           nil,
		"not_found":    kv.ErrNotFound,
		"cas_mismatch": kv.ErrCASMismatch,
		"error":        errors.New("boom"),
	}
	for want, err := range cases {
		if got := resultLabel(err); got != want {
			t.Fatalf("resultLabel(%v) = %q, want %q", err, got, want)
		}
	}
}
