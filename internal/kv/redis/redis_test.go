package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/relayd/internal/kv"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := Open("redis://" + srv.Addr() + "/0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, srv
}

func TestCompareAndSwap(t *testing.T) {
	store, srv := newTestStore(t)
	ctx := context.Background()

	if err := store.CompareAndSwap(ctx, "lock:upstream", nil, []byte(`{"owner":"a"}`), 30*time.Second); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ttl := srv.TTL("lock:upstream"); ttl != 30*time.Second {
		t.Fatalf("expected 30s ttl, got %v", ttl)
	}
	if err := store.CompareAndSwap(ctx, "lock:upstream", nil, []byte("x"), 0); !errors.Is(err, kv.ErrCASMismatch) {
		t.Fatalf("expected mismatch on create, got %v", err)
	}
	if err := store.CompareAndSwap(ctx, "lock:upstream", []byte("stale"), []byte("x"), 0); !errors.Is(err, kv.ErrCASMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := store.CompareAndSwap(ctx, "lock:other", []byte("stale"), []byte("x"), 0); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.CompareAndSwap(ctx, "lock:upstream", []byte(`{"owner":"a"}`), []byte(`{"owner":"b"}`), time.Minute); err != nil {
		t.Fatalf("swap: %v", err)
	}
	got, err := store.Get(ctx, "lock:upstream")
	if err != nil || string(got) != `{"owner":"b"}` {
		t.Fatalf("get: %q %v", got, err)
	}

	srv.FastForward(2 * time.Minute)
	if _, err := store.Get(ctx, "lock:upstream"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestCompareAndDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Set(ctx, "msg_lock:1", []byte("a"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.CompareAndDelete(ctx, "msg_lock:1", []byte("b")); !errors.Is(err, kv.ErrCASMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := store.CompareAndDelete(ctx, "msg_lock:1", []byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.CompareAndDelete(ctx, "msg_lock:1", []byte("a")); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListKeysEscapesPattern(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"task_status:2", "task_status:1", "processing:1", "task*status:x"} {
		if err := store.Set(ctx, key, []byte("1"), 0); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	keys, err := store.ListKeys(ctx, kv.TaskStatusPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "task_status:1" || keys[1] != "task_status:2" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestUnavailableIsTransient(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr(), MaxRetries: -1})
	store := New(client)
	t.Cleanup(func() { _ = client.Close() })
	srv.Close()

	_, err = store.Get(context.Background(), "instance:a")
	if !kv.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
