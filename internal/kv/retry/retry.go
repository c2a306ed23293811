// Package retry decorates a kv.Store so transient backend failures are
// retried with capped exponential backoff.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/kv"
	"pkt.systems/relayd/internal/loggingutil"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries errors marked with kv.NewTransientError.
func Wrap(inner kv.Store, logger pslog.Logger, clk clock.Clock, cfg Config) kv.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &store{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, "kv.retry"),
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

type store struct {
	inner  kv.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.withRetry(ctx, "get", key, func(ctx context.Context) error {
		var err error
		value, err = s.inner.Get(ctx, key)
		return err
	})
	return value, err
}

func (s *store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.withRetry(ctx, "set", key, func(ctx context.Context) error {
		return s.inner.Set(ctx, key, value, ttl)
	})
}

func (s *store) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete", key, func(ctx context.Context) error {
		return s.inner.Delete(ctx, key)
	})
}

func (s *store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.withRetry(ctx, "list_keys", prefix, func(ctx context.Context) error {
		var err error
		keys, err = s.inner.ListKeys(ctx, prefix)
		return err
	})
	return keys, err
}

func (s *store) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error {
	return s.withRetry(ctx, "compare_and_swap", key, func(ctx context.Context) error {
		return s.inner.CompareAndSwap(ctx, key, expected, value, ttl)
	})
}

func (s *store) CompareAndDelete(ctx context.Context, key string, expected []byte) error {
	return s.withRetry(ctx, "compare_and_delete", key, func(ctx context.Context) error {
		return s.inner.CompareAndDelete(ctx, key, expected)
	})
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	if attempts <= 1 {
		return fn(ctx)
	}
	delay := s.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !kv.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("kv.transient_error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if werr := clock.Wait(ctx, s.clock, delay); werr != nil {
			return werr
		}
		delay = time.Duration(float64(delay) * s.cfg.Multiplier)
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
	}
	return lastErr
}
