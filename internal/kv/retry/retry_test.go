package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/relayd/internal/kv"
	"pkt.systems/relayd/internal/kv/memory"
)

type instantClock struct {
	sleeps []time.Duration
}

func (c *instantClock) Now() time.Time { return time.Unix(0, 0) }

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.sleeps = append(c.sleeps, d)
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

func (c *instantClock) Sleep(d time.Duration) { <-c.After(d) }

type flakyStore struct {
	kv.Store
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.Store.Get(ctx, key)
}

func TestRetriesTransientErrors(t *testing.T) {
	inner := memory.New()
	if err := inner.Set(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	flaky := &flakyStore{Store: inner, failures: 2, err: kv.NewTransientError(errors.New("conn reset"))}
	clk := &instantClock{}
	store := Wrap(flaky, nil, clk, Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond})

	value, err := store.Get(context.Background(), "k")
	if err != nil || string(value) != "v" {
		t.Fatalf("get: %q %v", value, err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", flaky.calls)
	}
	if len(clk.sleeps) != 2 || clk.sleeps[0] != 10*time.Millisecond || clk.sleeps[1] != 15*time.Millisecond {
		t.Fatalf("unexpected sleeps %v", clk.sleeps)
	}
}

func TestDoesNotRetryPermanentErrors(t *testing.T) {
	flaky := &flakyStore{Store: memory.New(), failures: 5, err: kv.ErrNotFound}
	store := Wrap(flaky, nil, &instantClock{}, Config{MaxAttempts: 3})
	if _, err := store.Get(context.Background(), "k"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if flaky.calls != 1 {
		t.Fatalf("expected 1 call, got %d", flaky.calls)
	}
}
