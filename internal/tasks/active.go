package tasks

import (
	"context"
	"fmt"

	"pkt.systems/relayd/internal/kv"
)

// ActiveTaskCount returns the last computed cluster-wide active count.
func (r *Repository) ActiveTaskCount() int64 {
	return r.activeCount.Load()
}

// RefreshActiveTaskCount recomputes the cluster-wide active count. It sums
// live heartbeats when any exist, otherwise counts in-flight markers. On
// failure the previous value is returned unchanged.
func (r *Repository) RefreshActiveTaskCount(ctx context.Context) int64 {
	if r.cfg.Instances != nil {
		live, err := r.cfg.Instances.ActiveInstances(ctx)
		if err != nil {
			r.logger.Debug("tasks.active.registry_failed", "error", err)
		} else if len(live) > 0 {
			var total int64
			for _, rec := range live {
				total += max(rec.ActiveTaskCount, 0)
			}
			r.activeCount.Store(total)
			return total
		}
	}
	n, err := r.countMarkers(ctx)
	if err != nil {
		last := r.activeCount.Load()
		r.logger.Warn("tasks.active.count_failed", "error", err, "cached", last)
		return last
	}
	r.activeCount.Store(n)
	return n
}

func (r *Repository) countMarkers(ctx context.Context) (int64, error) {
	ids := make(map[string]struct{})
	processing, err := r.kv.ListKeys(ctx, kv.ProcessingPrefix)
	if err != nil {
		return 0, fmt.Errorf("tasks: list markers: %w", err)
	}
	for _, key := range processing {
		ids[kv.Suffix(key, kv.ProcessingPrefix)] = struct{}{}
	}
	statuses, err := r.kv.ListKeys(ctx, kv.TaskStatusPrefix)
	if err != nil {
		return 0, fmt.Errorf("tasks: list cache: %w", err)
	}
	for _, key := range statuses {
		id := kv.Suffix(key, kv.TaskStatusPrefix)
		if _, ok := ids[id]; ok {
			continue
		}
		entry, ok, err := r.readCacheKey(ctx, key)
		if err != nil {
			return 0, err
		}
		if ok && entry.Status.Active() {
			ids[id] = struct{}{}
		}
	}
	return int64(len(ids)), nil
}
