package tasks

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"pkt.systems/relayd/internal/kv"
	"pkt.systems/relayd/internal/relstore"
)

// StalledOptions bounds a stall query.
type StalledOptions struct {
	// MaxResults is clamped into the repository's bounds; zero means the
	// upper bound.
	MaxResults int
}

func (r *Repository) clampResults(n int) int {
	switch {
	case n <= 0:
		return r.cfg.MaxStalledResults
	case n < r.cfg.MinStalledResults:
		return r.cfg.MinStalledResults
	case n > r.cfg.MaxStalledResults:
		return r.cfg.MaxStalledResults
	default:
		return n
	}
}

// FindStalledTasks returns active tasks that have not progressed for maxAge,
// combining the durable store and the fast-path cache. Either source failing
// degrades to the other; the call itself never fails.
func (r *Repository) FindStalledTasks(ctx context.Context, maxAge time.Duration, opts StalledOptions) []Task {
	limit := r.clampResults(opts.MaxResults)
	cutoff := r.nowMillis() - maxAge.Milliseconds()

	durable, err := r.stalledFromDB(ctx, cutoff, limit)
	if err != nil {
		r.logger.Warn("tasks.stalled.db_failed", "error", err)
	}
	cached, fresh, err := r.stalledFromCache(ctx, cutoff)
	if err != nil {
		r.logger.Warn("tasks.stalled.cache_failed", "error", err)
	}
	merged := mergeStalled(durable, cached, fresh, limit)
	if len(merged) > 0 {
		r.logger.Debug("tasks.stalled.found", "count", len(merged), "durable", len(durable), "cached", len(cached))
	}
	return merged
}

func (r *Repository) stalledFromDB(ctx context.Context, cutoff int64, limit int) ([]Task, error) {
	var out []Task
	err := r.db.FetchAll(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN `+activeStatusList+` AND updated_at < ? ORDER BY updated_at ASC, id ASC LIMIT ?`,
		[]any{cutoff, limit},
		func(row relstore.Scanner) error {
			t, err := scanTask(row)
			if err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("tasks: query stalled: %w", err)
	}
	return out, nil
}

// stalledFromCache returns stale active cache entries as partial tasks, plus
// the ids whose entries show recent progress.
func (r *Repository) stalledFromCache(ctx context.Context, cutoff int64) ([]Task, map[string]struct{}, error) {
	keys, err := r.kv.ListKeys(ctx, kv.TaskStatusPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("tasks: list cache: %w", err)
	}
	var stale []Task
	fresh := make(map[string]struct{})
	for _, key := range keys {
		entry, ok, err := r.readCacheKey(ctx, key)
		if err != nil {
			r.logger.Debug("tasks.cache.read_failed", "key", key, "error", err)
			continue
		}
		if !ok || !entry.Status.Active() {
			continue
		}
		if entry.UpdatedAt >= cutoff {
			fresh[entry.TaskID] = struct{}{}
			continue
		}
		stale = append(stale, Task{
			ID:        entry.TaskID,
			Status:    entry.Status,
			ErrorMsg:  stringPtr(entry.ErrorMsg),
			ClaimedBy: stringPtr(entry.ClaimedBy),
			UpdatedAt: entry.UpdatedAt,
		})
	}
	return stale, fresh, nil
}

// mergeStalled unions durable and cached candidates by id. The durable row
// wins on overlap and durable rows with fresh cache entries are dropped.
func mergeStalled(durable, cached []Task, fresh map[string]struct{}, limit int) []Task {
	byID := make(map[string]Task, len(durable)+len(cached))
	for _, t := range cached {
		if _, ok := fresh[t.ID]; ok {
			continue
		}
		byID[t.ID] = t
	}
	for _, t := range durable {
		if _, ok := fresh[t.ID]; ok {
			continue
		}
		byID[t.ID] = t
	}
	out := make([]Task, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Task) int {
		if c := cmp.Compare(a.UpdatedAt, b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ResetStalledTasks returns active tasks to the queue and clears their
// fast-path state. It returns the number of rows changed.
func (r *Repository) ResetStalledTasks(ctx context.Context, ids []string) (int64, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(unique)), ", ")
	args := make([]any, 0, len(unique)+2)
	args = append(args, string(StatusQueued), r.nowMillis())
	for _, id := range unique {
		args = append(args, id)
	}
	affected, err := r.db.Run(ctx,
		`UPDATE tasks SET status = ?, claimed_by = NULL, updated_at = ? WHERE id IN (`+placeholders+`) AND status IN `+activeStatusList,
		args...)
	if err != nil {
		return 0, fmt.Errorf("tasks: reset %d stalled: %w", len(unique), err)
	}
	r.buffer.Drop(unique...)
	r.untrack(unique...)
	r.invalidate(ctx, unique...)
	r.logger.Info("tasks.stalled.reset", "requested", len(unique), "reset", affected)
	return affected, nil
}
