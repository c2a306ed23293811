package reliability

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/loggingutil"
)

// Retry defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 200 * time.Millisecond
	DefaultMaxDelay       = 10 * time.Second
	DefaultJitterFraction = 0.1
)

// RetryConfig tunes a RetryPolicy. Zero values fall back to the defaults.
type RetryConfig struct {
	Name           string
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	Clock          clock.Clock
	Logger         pslog.Logger
	// Rand returns a value in [0,1). Tests pin it to remove jitter.
	Rand func() float64
}

// RetryPolicy runs an operation with classified, exponentially backed off
// retries.
type RetryPolicy struct {
	cfg    RetryConfig
	clock  clock.Clock
	logger pslog.Logger
}

// NewRetryPolicy builds a policy from cfg.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.JitterFraction > 1 {
		cfg.JitterFraction = 1
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Name == "" {
		cfg.Name = "retry"
	}
	return &RetryPolicy{
		cfg:    cfg,
		clock:  clock.Or(cfg.Clock),
		logger: loggingutil.WithSubsystem(cfg.Logger, loggingutil.Subsystem("reliability", cfg.Name)),
	}
}

// MaxAttempts reports the configured attempt budget.
func (p *RetryPolicy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.cfg.BaseDelay
	for i := 1; i < attempt && delay < p.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}
	if p.cfg.JitterFraction > 0 {
		delay += time.Duration(p.cfg.Rand() * p.cfg.JitterFraction * float64(delay))
	}
	return delay
}

// Do calls op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		class := Classify(err)
		if !class.Retryable() {
			return err
		}
		if attempt >= p.cfg.MaxAttempts {
			p.logger.Warn("retry.exhausted", "attempts", attempt, "kind", class.Kind.String(), "error", err)
			return &ExhaustedError{Attempts: attempt, Err: err}
		}
		delay := p.Backoff(attempt)
		if class.Kind == KindRateLimited {
			if class.Wait > p.cfg.MaxDelay {
				p.logger.Warn("retry.rate_limit.too_long", "wait", class.Wait, "max_delay", p.cfg.MaxDelay, "error", err)
				return err
			}
			if class.Wait > delay {
				delay = class.Wait
			}
		}
		p.logger.Debug("retry.attempt.failed", "attempt", attempt, "kind", class.Kind.String(), "delay", delay, "error", err)
		if werr := clock.Wait(ctx, p.clock, delay); werr != nil {
			return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, errors.Join(werr, err))
		}
	}
}
