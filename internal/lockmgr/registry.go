package lockmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/kv"
	"pkt.systems/relayd/internal/loggingutil"
)

// DefaultStaleness is how long a heartbeat keeps an instance visible.
const DefaultStaleness = 60 * time.Second

// Roles advertised in instance records.
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// InstanceRecord is the heartbeat document stored at instance:<id>.
type InstanceRecord struct {
	ID              string  `json:"id"`
	LastHeartbeat   int64   `json:"lastHeartbeat"`
	ActiveTaskCount int64   `json:"activeTaskCount"`
	Role            string  `json:"role,omitempty"`
	Address         string  `json:"address,omitempty"`
	Version         string  `json:"version,omitempty"`
	Load1           float64 `json:"load1,omitempty"`
}

// LastSeen returns LastHeartbeat as a time.
func (r InstanceRecord) LastSeen() time.Time {
	return clock.FromMillis(r.LastHeartbeat)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Store     kv.Store
	Clock     clock.Clock
	Logger    pslog.Logger
	Staleness time.Duration
}

// Registry publishes and discovers instance heartbeats.
type Registry struct {
	store     kv.Store
	clock     clock.Clock
	logger    pslog.Logger
	staleness time.Duration
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	return &Registry{
		store:     cfg.Store,
		clock:     clock.Or(cfg.Clock),
		logger:    loggingutil.WithSubsystem(cfg.Logger, "lock.registry"),
		staleness: cfg.Staleness,
	}
}

// Staleness returns the freshness window.
func (r *Registry) Staleness() time.Duration {
	return r.staleness
}

// Heartbeat stamps rec with the current time and upserts it. Records outlive
// the staleness window by a factor of three so abandoned ones eventually
// disappear from the store.
func (r *Registry) Heartbeat(ctx context.Context, rec InstanceRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("lockmgr: heartbeat: instance id required")
	}
	rec.LastHeartbeat = clock.Millis(r.clock.Now())
	rec.ActiveTaskCount = max(rec.ActiveTaskCount, 0)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lockmgr: heartbeat: encode: %w", err)
	}
	if err := r.store.Set(ctx, kv.InstancePrefix+rec.ID, payload, 3*r.staleness); err != nil {
		return fmt.Errorf("lockmgr: heartbeat: %w", err)
	}
	return nil
}

// Fresh reports whether rec heartbeated within the staleness window.
func (r *Registry) Fresh(rec InstanceRecord, now time.Time) bool {
	return now.Sub(rec.LastSeen()) <= r.staleness
}

// ActiveInstances lists fresh instance records sorted by id. Records that
// vanish or fail to decode between listing and reading are skipped.
func (r *Registry) ActiveInstances(ctx context.Context) ([]InstanceRecord, error) {
	keys, err := r.store.ListKeys(ctx, kv.InstancePrefix)
	if err != nil {
		return nil, fmt.Errorf("lockmgr: list instances: %w", err)
	}
	now := r.clock.Now()
	out := make([]InstanceRecord, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := r.read(ctx, key)
		if err != nil {
			r.logger.Debug("registry.instance.read_failed", "key", key, "error", err)
			continue
		}
		if !ok || !r.Fresh(rec, now) {
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b InstanceRecord) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Instance reads one record regardless of freshness.
func (r *Registry) Instance(ctx context.Context, id string) (InstanceRecord, bool, error) {
	if id == "" {
		return InstanceRecord{}, false, nil
	}
	return r.read(ctx, kv.InstancePrefix+id)
}

func (r *Registry) read(ctx context.Context, key string) (InstanceRecord, bool, error) {
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return InstanceRecord{}, false, nil
	}
	if err != nil {
		return InstanceRecord{}, false, err
	}
	var rec InstanceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		r.logger.Warn("registry.instance.corrupt", "key", key, "error", err)
		return InstanceRecord{}, false, nil
	}
	if rec.ID == "" {
		rec.ID = kv.Suffix(key, kv.InstancePrefix)
	}
	return rec, true, nil
}
