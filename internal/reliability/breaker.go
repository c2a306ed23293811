package reliability

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/loggingutil"
)

// State enumerates circuit breaker states.
type State int32

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the wait elapses.
	StateOpen
	// StateHalfOpen admits a single trial call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultBaseWait         = time.Second
	DefaultMaxWait          = 5 * time.Minute
	DefaultRateLimitBuffer  = time.Second
)

// BreakerConfig tunes a CircuitBreaker. Zero values fall back to defaults.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	BaseWait         time.Duration
	MaxWait          time.Duration
	RateLimitBuffer  time.Duration
	Clock            clock.Clock
	Logger           pslog.Logger
}

// BreakerStatus is a point-in-time view of a breaker.
type BreakerStatus struct {
	Name                string
	State               State
	Failures            map[Kind]int
	ConsecutiveFailures int
	Opens               int
	OpenUntil           time.Time
}

// CircuitBreaker stops calling a dependency that keeps failing and tries it
// again after a wait.
type CircuitBreaker struct {
	cfg     BreakerConfig
	clock   clock.Clock
	logger  pslog.Logger
	metrics *breakerMetrics

	mu          sync.Mutex
	state       State
	failures    map[Kind]int
	consecutive int
	opens       int
	openUntil   time.Time
	trialing    bool
	// epoch advances every time the breaker opens or is reset; results
	// admitted under an older epoch no longer describe the current state.
	epoch uint64
}

// admission identifies the state a call was let through under.
type admission struct {
	epoch uint64
	trial bool
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "breaker"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.BaseWait <= 0 {
		cfg.BaseWait = DefaultBaseWait
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.MaxWait < cfg.BaseWait {
		cfg.MaxWait = cfg.BaseWait
	}
	if cfg.RateLimitBuffer < 0 {
		cfg.RateLimitBuffer = 0
	} else if cfg.RateLimitBuffer == 0 {
		cfg.RateLimitBuffer = DefaultRateLimitBuffer
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, loggingutil.Subsystem("reliability", "breaker")).With("breaker", cfg.Name)
	b := &CircuitBreaker{
		cfg:      cfg,
		clock:    clock.Or(cfg.Clock),
		logger:   logger,
		failures: make(map[Kind]int),
	}
	b.metrics = newBreakerMetrics(logger, b)
	return b
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.cfg.Name
}

// Execute runs op unless the breaker is open.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	adm, err := b.admit(ctx)
	if err != nil {
		return err
	}
	err = op(ctx)
	b.record(ctx, adm, err)
	return err
}

func (b *CircuitBreaker) admit(ctx context.Context) (admission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		now := b.clock.Now()
		if now.Before(b.openUntil) {
			b.metrics.recordRejected(ctx, b.cfg.Name)
			return admission{}, &OpenError{Name: b.cfg.Name, RetryAfter: b.openUntil.Sub(now)}
		}
		b.transitionLocked(ctx, StateHalfOpen, "wait_elapsed")
		b.trialing = true
		return admission{epoch: b.epoch, trial: true}, nil
	case StateHalfOpen:
		if b.trialing {
			b.metrics.recordRejected(ctx, b.cfg.Name)
			return admission{}, &OpenError{Name: b.cfg.Name}
		}
		b.trialing = true
		return admission{epoch: b.epoch, trial: true}, nil
	default:
		return admission{epoch: b.epoch}, nil
	}
}

func (b *CircuitBreaker) record(ctx context.Context, adm admission, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := adm.epoch == b.epoch
	wasTrial := adm.trial && current && b.state == StateHalfOpen
	if wasTrial {
		b.trialing = false
	}
	if errors.Is(err, context.Canceled) {
		// the caller gave up; the dependency's health is unknown
		return
	}
	var class Classification
	if err != nil {
		class = Classify(err)
		b.failures[class.Kind]++
	}
	if !current {
		// admitted before the breaker last opened; only a fresh rate limit
		// still says something about the dependency
		if err != nil && class.Kind == KindRateLimited {
			b.openLocked(ctx, class.Wait+b.cfg.RateLimitBuffer, "rate_limited")
		} else {
			b.logger.Debug("breaker.result.stale", "error", err)
		}
		return
	}
	if err == nil {
		b.onSuccessLocked(ctx)
		return
	}
	switch class.Kind {
	case KindRateLimited:
		b.consecutive++
		b.openLocked(ctx, class.Wait+b.cfg.RateLimitBuffer, "rate_limited")
	case KindTransient:
		b.consecutive++
		if wasTrial || b.consecutive >= b.cfg.FailureThreshold {
			b.openLocked(ctx, b.genericWaitLocked(), "failures")
		}
	default:
		// the dependency answered; terminal and validation errors are the
		// caller's problem
		if wasTrial {
			b.onSuccessLocked(ctx)
		}
	}
}

func (b *CircuitBreaker) onSuccessLocked(ctx context.Context) {
	b.consecutive = 0
	if b.state == StateClosed {
		return
	}
	b.opens = 0
	b.openUntil = time.Time{}
	clear(b.failures)
	b.transitionLocked(ctx, StateClosed, "trial_succeeded")
}

func (b *CircuitBreaker) genericWaitLocked() time.Duration {
	wait := b.cfg.BaseWait
	for i := 0; i < b.opens && wait < b.cfg.MaxWait; i++ {
		wait *= 2
	}
	if wait > b.cfg.MaxWait {
		wait = b.cfg.MaxWait
	}
	return wait
}

func (b *CircuitBreaker) openLocked(ctx context.Context, wait time.Duration, reason string) {
	b.opens++
	b.epoch++
	b.openUntil = b.clock.Now().Add(wait)
	b.trialing = false
	if b.state == StateOpen {
		b.logger.Debug("breaker.open.extended", "wait", wait, "reason", reason)
		return
	}
	b.transitionLocked(ctx, StateOpen, reason)
	b.logger.Warn("breaker.opened", "wait", wait, "reason", reason, "consecutive_failures", b.consecutive)
}

func (b *CircuitBreaker) transitionLocked(ctx context.Context, to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("breaker.state.changed", "from", from.String(), "to", to.String(), "reason", reason)
	b.metrics.recordTransition(ctx, b.cfg.Name, from, to)
}

// State returns the current state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot of the breaker.
func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	failures := make(map[Kind]int, len(b.failures))
	for k, v := range b.failures {
		failures[k] = v
	}
	return BreakerStatus{
		Name:                b.cfg.Name,
		State:               b.state,
		Failures:            failures,
		ConsecutiveFailures: b.consecutive,
		Opens:               b.opens,
		OpenUntil:           b.openUntil,
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.opens = 0
	b.trialing = false
	b.epoch++
	b.openUntil = time.Time{}
	clear(b.failures)
	b.transitionLocked(context.Background(), StateClosed, "reset")
}
