package relayd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shirou/gopsutil/v4/load"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/forward"
	"pkt.systems/relayd/internal/ids"
	"pkt.systems/relayd/internal/kv"
	"pkt.systems/relayd/internal/lockmgr"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/publisher"
	"pkt.systems/relayd/internal/reliability"
	"pkt.systems/relayd/internal/relstore"
	"pkt.systems/relayd/internal/tasks"
	"pkt.systems/relayd/internal/version"
)

// ErrNoLeader is returned when no live instance holds the upstream lease.
var ErrNoLeader = errors.New("relayd: no upstream leader")

// ErrClosed is returned by Start after Shutdown.
var ErrClosed = errors.New("relayd: coordinator closed")

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	logger     pslog.Logger
	clock      clock.Clock
	kv         kv.Store
	db         relstore.Store
	queue      publisher.Queue
	upstream   Upstream
	instanceID string
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock injects a clock for every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithKV injects a KV store. The coordinator does not close it.
func WithKV(s kv.Store) Option {
	return func(o *options) { o.kv = s }
}

// WithRelStore injects a relational store. The coordinator ensures the
// schema but does not close it.
func WithRelStore(s relstore.Store) Option {
	return func(o *options) { o.db = s }
}

// WithQueue injects the publisher's queue, overriding QueueRedis.
func WithQueue(q publisher.Queue) Option {
	return func(o *options) { o.queue = q }
}

// WithUpstream supplies the client connected while this instance leads.
func WithUpstream(u Upstream) Option {
	return func(o *options) { o.upstream = u }
}

// WithInstanceID overrides cfg.InstanceID.
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

// Coordinator wires the lock manager, registry, task repository, publisher
// and upstream link of one instance and runs their background loops.
type Coordinator struct {
	cfg        Config
	instanceID string
	clock      clock.Clock
	logger     pslog.Logger

	kv        kv.Store
	db        relstore.Store
	closers   []io.Closer
	telemetry *telemetryBundle

	locks     *lockmgr.Manager
	registry  *lockmgr.Registry
	elector   *lockmgr.Elector
	tasks     *tasks.Repository
	publisher *publisher.Publisher
	deliverer *publisher.Deliverer
	breaker   *reliability.CircuitBreaker
	upstream  *upstreamLink
	forwarder *forward.Forwarder

	mu       sync.Mutex
	started  bool
	closed   bool
	cancel   context.CancelFunc
	stop     chan struct{}
	loops    sync.WaitGroup
	sweepMu  sync.Mutex
	lastLoad float64
}

// New builds a Coordinator from cfg. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.instanceID != "" {
		cfg.InstanceID = o.instanceID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = ids.NewInstanceID()
	}
	base := loggingutil.EnsureLogger(o.logger).With("instance", cfg.InstanceID)
	c := &Coordinator{
		cfg:        cfg,
		instanceID: cfg.InstanceID,
		clock:      clock.Or(o.clock),
		logger:     loggingutil.WithSubsystem(base, "coordinator"),
	}
	ok := false
	defer func() {
		if !ok {
			_ = c.closeResources()
			_ = c.telemetry.Shutdown(context.Background())
		}
	}()

	var err error
	c.telemetry, err = setupTelemetry(context.Background(), telemetrySettings{
		endpoint:         cfg.OTLPEndpoint,
		metricsListen:    cfg.MetricsListen,
		pprofListen:      cfg.PprofListen,
		profilingMetrics: cfg.EnableProfilingMetrics,
		instanceID:       cfg.InstanceID,
	}, loggingutil.WithSubsystem(base, "telemetry"))
	if err != nil {
		return nil, err
	}

	c.kv = o.kv
	if c.kv == nil {
		c.kv, err = openKV(cfg, c.clock, base)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, c.kv)
	}
	if o.db != nil {
		if err := tasks.EnsureSchema(context.Background(), o.db); err != nil {
			return nil, err
		}
		c.db = o.db
	} else {
		c.db, err = openRelStore(context.Background(), cfg.Database)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, c.db)
	}

	c.locks, err = lockmgr.New(lockmgr.Config{
		InstanceID: cfg.InstanceID,
		Store:      c.kv,
		Clock:      c.clock,
		Logger:     base,
	})
	if err != nil {
		return nil, err
	}
	c.registry = lockmgr.NewRegistry(lockmgr.RegistryConfig{
		Store:     c.kv,
		Clock:     c.clock,
		Logger:    base,
		Staleness: cfg.InstanceStaleness,
	})
	c.tasks, err = tasks.New(tasks.Config{
		DB:                c.db,
		KV:                c.kv,
		Instances:         c.registry,
		InstanceID:        cfg.InstanceID,
		Clock:             c.clock,
		Logger:            base,
		CacheTTL:          cfg.CacheTTL,
		MarkerTTL:         cfg.MarkerTTL,
		MaxStalledResults: cfg.StallMaxResults,
		Buffer: tasks.BufferConfig{
			FlushInterval:  cfg.BufferFlushInterval,
			FlushThreshold: cfg.BufferFlushThreshold,
			PendingExpiry:  cfg.PendingExpiry,
		},
	})
	if err != nil {
		return nil, err
	}

	c.breaker = reliability.NewCircuitBreaker(reliability.BreakerConfig{
		Name:             "upstream",
		FailureThreshold: cfg.BreakerThreshold,
		BaseWait:         cfg.BreakerBaseWait,
		MaxWait:          cfg.BreakerMaxWait,
		Clock:            c.clock,
		Logger:           base,
	})
	c.upstream = newUpstreamLink(o.upstream, c.breaker, base)

	if err := c.buildPublisher(o.queue, base); err != nil {
		return nil, err
	}
	c.forwarder = forward.New(forward.Config{
		Token:   cfg.ForwardToken,
		Timeout: cfg.ForwardTimeout,
		Logger:  base,
	})

	c.elector = lockmgr.NewElector(lockmgr.ElectorConfig{
		Manager:   c.locks,
		Resource:  lockmgr.DefaultLeaderResource,
		TTL:       cfg.UpstreamLeaseTTL,
		Clock:     c.clock,
		Logger:    base,
		OnElected: c.upstream.ensure,
		OnRenewed: c.upstream.ensure,
		OnDemoted: c.upstream.disconnect,
	})
	ok = true
	c.logger.Info("coordinator.ready",
		"version", version.Current(),
		"kv", cfg.KVStore,
		"degraded", c.publisher.Degraded(),
		"lease_ttl", cfg.UpstreamLeaseTTL,
	)
	return c, nil
}

func (c *Coordinator) buildPublisher(queue publisher.Queue, logger pslog.Logger) error {
	cfg := c.cfg
	if queue == nil && cfg.QueueRedis != "" {
		redisOpt, err := asynq.ParseRedisURI(cfg.QueueRedis)
		if err != nil {
			return fmt.Errorf("relayd: queue redis: %w", err)
		}
		aq := publisher.NewAsynqQueue(redisOpt, cfg.QueueName)
		c.closers = append(c.closers, aq)
		queue = aq
		if cfg.Deliver {
			c.deliverer = publisher.NewDeliverer(redisOpt, publisher.DeliveryConfig{
				SigningKey:  []byte(cfg.SigningKey),
				Concurrency: cfg.DeliverConcurrency,
				Queues:      map[string]int{cfg.QueueName: 1},
				Clock:       c.clock,
				Logger:      logger,
			})
		}
	}
	var verifier publisher.Verifier
	if cfg.SigningKey != "" {
		v, err := publisher.NewHMACVerifier(cfg.SigningKey, cfg.NextSigningKey)
		if err != nil {
			return err
		}
		verifier = v
	}
	var breaker *reliability.CircuitBreaker
	if queue != nil {
		breaker = reliability.NewCircuitBreaker(reliability.BreakerConfig{
			Name:             "queue",
			FailureThreshold: cfg.BreakerThreshold,
			BaseWait:         cfg.BreakerBaseWait,
			MaxWait:          cfg.BreakerMaxWait,
			Clock:            c.clock,
			Logger:           logger,
		})
	}
	c.publisher = publisher.New(publisher.Config{
		Queue:    queue,
		Verifier: verifier,
		BaseURL:  cfg.QueueBaseURL,
		Breaker:  breaker,
		Logger:   logger,
		Retry: reliability.NewRetryPolicy(reliability.RetryConfig{
			Name:        "publisher",
			MaxAttempts: cfg.PublishMaxAttempts,
			BaseDelay:   cfg.PublishBaseDelay,
			MaxDelay:    cfg.PublishMaxDelay,
			Clock:       c.clock,
			Logger:      logger,
		}),
	})
	return nil
}

// InstanceID returns this instance's identity.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Locks returns the lock manager.
func (c *Coordinator) Locks() *lockmgr.Manager { return c.locks }

// Registry returns the instance registry.
func (c *Coordinator) Registry() *lockmgr.Registry { return c.registry }

// Tasks returns the task repository.
func (c *Coordinator) Tasks() *tasks.Repository { return c.tasks }

// Publisher returns the reliable publisher.
func (c *Coordinator) Publisher() *publisher.Publisher { return c.publisher }

// Breaker returns the breaker guarding the upstream connection.
func (c *Coordinator) Breaker() *reliability.CircuitBreaker { return c.breaker }

// Elector returns the upstream elector.
func (c *Coordinator) Elector() *lockmgr.Elector { return c.elector }

// IsLeader reports whether this instance currently holds the upstream lease.
func (c *Coordinator) IsLeader() bool { return c.elector.IsLeader() }

// UpstreamConnected reports whether the upstream link is up.
func (c *Coordinator) UpstreamConnected() bool { return c.upstream.isConnected() }

// MetricsAddr reports the bound metrics listener, if enabled.
func (c *Coordinator) MetricsAddr() string { return c.telemetry.MetricsAddr() }

// Start publishes the first heartbeat and launches the background loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = pslog.ContextWithLogger(runCtx, c.logger)
	if c.deliverer != nil {
		if err := c.deliverer.Start(); err != nil {
			cancel()
			return err
		}
	}
	c.cancel = cancel
	c.stop = make(chan struct{})
	c.started = true

	c.heartbeat(runCtx)
	c.tasks.Buffer().Start(runCtx)
	c.elector.Start(runCtx)
	c.loops.Add(2)
	go c.every(runCtx, c.cfg.HeartbeatInterval, c.heartbeat)
	go c.every(runCtx, c.cfg.StallSweepInterval, func(ctx context.Context) {
		if _, err := c.SweepStalled(ctx); err != nil {
			c.logger.Warn("coordinator.sweep.failed", "error", err)
		}
	})
	c.logger.Info("coordinator.started",
		"heartbeat_interval", c.cfg.HeartbeatInterval,
		"stall_sweep_interval", c.cfg.StallSweepInterval,
		"elector_interval", c.elector.Interval(),
	)
	return nil
}

func (c *Coordinator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer c.loops.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
		}
		fn(correlation.Ensure(ctx))
	}
}

// heartbeat publishes this instance's record and refreshes the cluster-wide
// active task count.
func (c *Coordinator) heartbeat(ctx context.Context) {
	role := lockmgr.RoleFollower
	if c.elector.IsLeader() {
		role = lockmgr.RoleLeader
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		c.lastLoad = avg.Load1
	}
	rec := lockmgr.InstanceRecord{
		ID:              c.instanceID,
		ActiveTaskCount: int64(c.tasks.LocalActiveCount()),
		Role:            role,
		Address:         c.cfg.AdvertiseAddress,
		Version:         version.Current(),
		Load1:           c.lastLoad,
	}
	if err := c.registry.Heartbeat(ctx, rec); err != nil {
		c.logger.Warn("coordinator.heartbeat.failed", "error", err)
	}
	c.tasks.RefreshActiveTaskCount(ctx)
	if dropped := c.tasks.CleanupExpiredUpdates(); dropped > 0 {
		c.logger.Debug("coordinator.pending.expired", "dropped", dropped)
	}
}

// SweepStalled runs one stall recovery pass and returns the number of tasks
// returned to the queue. Only the upstream leader sweeps.
func (c *Coordinator) SweepStalled(ctx context.Context) (int64, error) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if !c.elector.Confirm(ctx) {
		return 0, nil
	}
	stalled := c.tasks.FindStalledTasks(ctx, c.cfg.StallMaxAge, tasks.StalledOptions{MaxResults: c.cfg.StallMaxResults})
	if len(stalled) == 0 {
		return 0, nil
	}
	idsToReset := make([]string, 0, len(stalled))
	for _, t := range stalled {
		idsToReset = append(idsToReset, t.ID)
	}
	reset, err := c.tasks.ResetStalledTasks(ctx, idsToReset)
	if err != nil {
		return 0, err
	}
	c.logger.Info("coordinator.sweep.reset", "found", len(stalled), "reset", reset)
	return reset, nil
}

// Leader returns the live instance record of the upstream lease holder.
func (c *Coordinator) Leader(ctx context.Context) (lockmgr.InstanceRecord, error) {
	lease, ok := c.locks.Holder(ctx, lockmgr.DefaultLeaderResource)
	if !ok {
		return lockmgr.InstanceRecord{}, ErrNoLeader
	}
	rec, found, err := c.registry.Instance(ctx, lease.Owner)
	if err != nil {
		return lockmgr.InstanceRecord{}, fmt.Errorf("relayd: resolve leader %s: %w", lease.Owner, err)
	}
	if !found || !c.registry.Fresh(rec, c.clock.Now()) {
		return lockmgr.InstanceRecord{}, fmt.Errorf("%w: holder %s has no live heartbeat", ErrNoLeader, lease.Owner)
	}
	return rec, nil
}

// ForwardToLeader replays a signed payload to the instance holding the
// upstream lease.
func (c *Coordinator) ForwardToLeader(ctx context.Context, body []byte, headers http.Header) error {
	leader, err := c.Leader(ctx)
	if err != nil {
		return err
	}
	if leader.ID == c.instanceID {
		return reliability.NewValidationError("relayd.forward", "leader", "this instance is the leader")
	}
	if leader.Address == "" {
		return fmt.Errorf("%w: holder %s advertises no address", ErrNoLeader, leader.ID)
	}
	return c.forwarder.Forward(correlation.Ensure(ctx), leader.Address, body, headers)
}

// Shutdown stops every loop, flushes buffered updates, releases the
// upstream lease and closes owned stores.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}
	var errs []error
	if started {
		close(c.stop)
		c.loops.Wait()
		if c.deliverer != nil {
			c.deliverer.Shutdown()
		}
		c.elector.Stop(ctx)
		if err := c.tasks.Buffer().Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush pending updates: %w", err))
		}
		c.cancel()
	} else if err := c.tasks.FlushUpdates(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush pending updates: %w", err))
	}
	c.upstream.disconnect(ctx)
	if err := c.closeResources(); err != nil {
		errs = append(errs, err)
	}
	if err := c.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("coordinator.stopped")
	return errors.Join(errs...)
}

func (c *Coordinator) closeResources() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
