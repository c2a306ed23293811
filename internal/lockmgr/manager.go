// Package lockmgr provides TTL leases proven by conditional writes to the
// shared KV store, an instance heartbeat registry, and a leader elector built
// on both.
package lockmgr

import (
	"context"
	"errors"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/kv"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/reliability"
)

// Acquire defaults.
const (
	DefaultAcquireAttempts  = 3
	DefaultAcquireBaseDelay = 100 * time.Millisecond
)

// AcquireOptions bounds the acquisition loop.
type AcquireOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Config configures a Manager.
type Config struct {
	InstanceID string
	Store      kv.Store
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Manager acquires, renews and releases leases on behalf of one instance.
type Manager struct {
	instanceID string
	store      kv.Store
	clock      clock.Clock
	logger     pslog.Logger
	metrics    *lockMetrics
}

// New constructs a Manager.
func New(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.InstanceID) == "" {
		return nil, errors.New("lockmgr: instance id required")
	}
	if cfg.Store == nil {
		return nil, errors.New("lockmgr: store required")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "lock.manager")
	return &Manager{
		instanceID: cfg.InstanceID,
		store:      cfg.Store,
		clock:      clock.Or(cfg.Clock),
		logger:     logger,
		metrics:    newLockMetrics(logger),
	}, nil
}

// InstanceID returns the identity leases are written under.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

type acquireResult int

const (
	resultAcquired acquireResult = iota
	resultRenewed
	resultContended
)

func (r acquireResult) String() string {
	switch r {
	case resultAcquired:
		return "acquired"
	case resultRenewed:
		return "renewed"
	default:
		return "contended"
	}
}

// AcquireLock tries to take or renew the lease on key. Contention and store
// unavailability both report false; the call never fails loudly.
func (m *Manager) AcquireLock(ctx context.Context, key string, ttl time.Duration, opts AcquireOptions) bool {
	if key == "" || ttl <= 0 {
		m.logger.Warn("lock.acquire.invalid", "key", key, "ttl", ttl)
		return false
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultAcquireAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultAcquireBaseDelay
	}
	backoff := reliability.NewRetryPolicy(reliability.RetryConfig{
		Name:           "lock",
		MaxAttempts:    opts.MaxAttempts,
		BaseDelay:      opts.BaseDelay,
		MaxDelay:       ttl,
		JitterFraction: reliability.DefaultJitterFraction,
		Clock:          m.clock,
	})
	storeKey := kv.LockPrefix + key
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		res, err := m.tryAcquire(ctx, storeKey, key, ttl)
		if err == nil && res != resultContended {
			m.metrics.recordAcquire(ctx, res.String())
			if res == resultAcquired {
				m.logger.Info("lock.acquired", "key", key, "ttl", ttl, "attempt", attempt)
			} else {
				m.logger.Trace("lock.renewed", "key", key, "ttl", ttl)
			}
			return true
		}
		lastErr = err
		if attempt == opts.MaxAttempts {
			break
		}
		if werr := clock.Wait(ctx, m.clock, backoff.Backoff(attempt)); werr != nil {
			lastErr = werr
			break
		}
	}
	if lastErr != nil {
		m.metrics.recordAcquire(ctx, "unavailable")
		m.logger.Warn("lock.acquire.unavailable", "key", key, "attempts", opts.MaxAttempts, "error", lastErr)
		return false
	}
	m.metrics.recordAcquire(ctx, "contended")
	m.logger.Debug("lock.acquire.contended", "key", key, "attempts", opts.MaxAttempts)
	return false
}

// AcquireMessageLock claims the dedup marker for messageID. Only the first
// caller across all instances wins until ttl elapses.
func (m *Manager) AcquireMessageLock(ctx context.Context, messageID string, ttl time.Duration) bool {
	if messageID == "" || ttl <= 0 {
		return false
	}
	res, err := m.tryAcquire(ctx, kv.MessageLockPrefix+messageID, messageID, ttl)
	if err != nil {
		m.logger.Warn("lock.message.unavailable", "message_id", messageID, "error", err)
		return false
	}
	return res != resultContended
}

func (m *Manager) tryAcquire(ctx context.Context, storeKey, key string, ttl time.Duration) (acquireResult, error) {
	now := m.clock.Now()
	next := Lease{
		Key:        key,
		Owner:      m.instanceID,
		TTLSeconds: ttlSeconds(ttl),
		AcquiredAt: clock.Millis(now),
		ExpiresAt:  clock.Millis(now.Add(ttl)),
	}
	raw, err := m.store.Get(ctx, storeKey)
	if errors.Is(err, kv.ErrNotFound) {
		err = m.store.CompareAndSwap(ctx, storeKey, nil, encodeLease(next), ttl)
		return casOutcome(resultAcquired, err)
	}
	if err != nil {
		return resultContended, err
	}
	current, derr := decodeLease(raw)
	if derr != nil {
		m.logger.Warn("lock.lease.corrupt", "key", key, "error", derr)
		err = m.store.CompareAndSwap(ctx, storeKey, raw, encodeLease(next), ttl)
		return casOutcome(resultAcquired, err)
	}
	renewal := current.Owner == m.instanceID && current.Valid(now)
	if !renewal && current.Valid(now) {
		return resultContended, nil
	}
	outcome := resultAcquired
	if renewal {
		next.AcquiredAt = current.AcquiredAt
		outcome = resultRenewed
	} else if current.Owner != "" && current.Owner != m.instanceID {
		m.logger.Info("lock.takeover", "key", key, "previous_owner", current.Owner, "expired_at", current.ExpiresAt)
	}
	err = m.store.CompareAndSwap(ctx, storeKey, raw, encodeLease(next), ttl)
	return casOutcome(outcome, err)
}

func casOutcome(success acquireResult, err error) (acquireResult, error) {
	switch {
	case err == nil:
		return success, nil
	case kv.IsContention(err):
		return resultContended, nil
	default:
		return resultContended, err
	}
}

// HasLock reports whether this instance holds a valid lease on key.
func (m *Manager) HasLock(ctx context.Context, key string) bool {
	lease, ok := m.Holder(ctx, key)
	return ok && lease.Owner == m.instanceID
}

// Holder returns the current valid lease on key, if any.
func (m *Manager) Holder(ctx context.Context, key string) (Lease, bool) {
	raw, err := m.store.Get(ctx, kv.LockPrefix+key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			m.logger.Debug("lock.holder.read_failed", "key", key, "error", err)
		}
		return Lease{}, false
	}
	lease, err := decodeLease(raw)
	if err != nil || !lease.Valid(m.clock.Now()) {
		return Lease{}, false
	}
	return lease, true
}

// ReleaseLock deletes the lease on key if this instance owns it. Failures are
// logged and swallowed; the lease will expire on its own.
func (m *Manager) ReleaseLock(ctx context.Context, key string) {
	storeKey := kv.LockPrefix + key
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := m.store.Get(ctx, storeKey)
		if err != nil {
			if !errors.Is(err, kv.ErrNotFound) {
				m.logger.Debug("lock.release.read_failed", "key", key, "error", err)
			}
			return
		}
		lease, err := decodeLease(raw)
		if err != nil || lease.Owner != m.instanceID {
			return
		}
		err = m.store.CompareAndDelete(ctx, storeKey, raw)
		switch {
		case err == nil:
			m.logger.Info("lock.released", "key", key)
			return
		case errors.Is(err, kv.ErrCASMismatch):
			continue
		default:
			if !errors.Is(err, kv.ErrNotFound) {
				m.logger.Debug("lock.release.failed", "key", key, "error", err)
			}
			return
		}
	}
}
