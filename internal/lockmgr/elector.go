package lockmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/loggingutil"
)

// DefaultLeaderResource is the lease guarding the exclusive upstream
// connection.
const DefaultLeaderResource = "upstream"

const minElectorInterval = 500 * time.Millisecond

// ElectorConfig configures an Elector.
type ElectorConfig struct {
	Manager  *Manager
	Resource string
	TTL      time.Duration
	// Interval defaults to TTL/2 and is never shorter than 500ms.
	Interval time.Duration
	Acquire  AcquireOptions
	Clock    clock.Clock
	Logger   pslog.Logger

	// OnElected runs after the lease is gained.
	OnElected func(ctx context.Context)
	// OnRenewed runs on every tick that confirms leadership.
	OnRenewed func(ctx context.Context)
	// OnDemoted runs as soon as leadership is lost or given up.
	OnDemoted func(ctx context.Context)
}

// Elector keeps trying to hold one lease and reports leadership changes.
type Elector struct {
	cfg      ElectorConfig
	resource string
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *electorMetrics

	leader  atomic.Bool
	expires atomic.Int64

	// refreshMu serialises refresh iterations and Stop.
	refreshMu sync.Mutex
	mu        sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

// NewElector constructs an Elector. Call Start to begin campaigning.
func NewElector(cfg ElectorConfig) *Elector {
	if cfg.Resource == "" {
		cfg.Resource = DefaultLeaderResource
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.TTL / 2
	}
	if cfg.Interval < minElectorInterval {
		cfg.Interval = minElectorInterval
	}
	e := &Elector{
		cfg:      cfg,
		resource: cfg.Resource,
		clock:    clock.Or(cfg.Clock),
		logger:   loggingutil.WithSubsystem(cfg.Logger, "lock.elector").With("resource", cfg.Resource),
	}
	e.metrics = newElectorMetrics(e.logger, e)
	return e
}

// Resource returns the lease name.
func (e *Elector) Resource() string {
	return e.resource
}

// Interval returns the refresh cadence.
func (e *Elector) Interval() time.Duration {
	return e.cfg.Interval
}

// Start runs one refresh synchronously and then keeps refreshing in the
// background until Stop.
func (e *Elector) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stop != nil {
		e.mu.Unlock()
		return
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stop, e.done
	e.mu.Unlock()

	e.Refresh(ctx)
	go e.loop(ctx, stop, done)
}

func (e *Elector) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-e.clock.After(e.cfg.Interval):
			e.Refresh(ctx)
		}
	}
}

// Stop ends the loop, demotes this instance and releases the lease.
func (e *Elector) Stop(ctx context.Context) {
	e.mu.Lock()
	stop, done := e.stop, e.done
	e.stop, e.done = nil, nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	if e.leader.Load() {
		e.setLeader(ctx, false, "shutdown")
	}
	e.cfg.Manager.ReleaseLock(ctx, e.resource)
}

// Refresh performs one campaign iteration and reports whether this instance
// leads afterwards.
func (e *Elector) Refresh(ctx context.Context) bool {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	held := e.cfg.Manager.AcquireLock(ctx, e.resource, e.cfg.TTL, e.cfg.Acquire)
	was := e.leader.Load()
	switch {
	case held && !was:
		e.expires.Store(clock.Millis(e.clock.Now().Add(e.cfg.TTL)))
		e.setLeader(ctx, true, "acquired")
	case held:
		e.expires.Store(clock.Millis(e.clock.Now().Add(e.cfg.TTL)))
		if e.cfg.OnRenewed != nil {
			e.cfg.OnRenewed(ctx)
		}
	case was:
		e.setLeader(ctx, false, "lost")
	}
	return held
}

// Confirm re-reads the lease and demotes immediately if it is no longer
// ours. Long-running leader work calls it before side effects.
func (e *Elector) Confirm(ctx context.Context) bool {
	if !e.leader.Load() {
		return false
	}
	if e.cfg.Manager.HasLock(ctx, e.resource) {
		return true
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	if e.leader.Load() {
		e.setLeader(ctx, false, "lease_missing")
	}
	return false
}

// IsLeader reports the local belief, bounded by the last known expiry.
func (e *Elector) IsLeader() bool {
	if !e.leader.Load() {
		return false
	}
	return clock.Millis(e.clock.Now()) < e.expires.Load()
}

func (e *Elector) setLeader(ctx context.Context, leader bool, reason string) {
	if !leader && e.cfg.OnDemoted != nil {
		e.cfg.OnDemoted(ctx)
	}
	e.leader.Store(leader)
	if !leader {
		e.expires.Store(0)
	}
	e.metrics.recordTransition(ctx, e.resource, leader)
	e.logger.Info("node.state.changed", "leader", leader, "reason", reason)
	if leader && e.cfg.OnElected != nil {
		e.cfg.OnElected(ctx)
	}
}
