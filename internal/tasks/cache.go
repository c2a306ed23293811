package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/relayd/internal/kv"
)

// CacheEntry is the fast-path status document at task_status:<id>.
type CacheEntry struct {
	TaskID    string `json:"taskId"`
	Status    Status `json:"status"`
	ErrorMsg  string `json:"errorMsg,omitempty"`
	ClaimedBy string `json:"claimedBy,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (r *Repository) writeCache(ctx context.Context, entry CacheEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("tasks: encode cache entry: %w", err)
	}
	return r.kv.Set(ctx, kv.TaskStatusPrefix+entry.TaskID, payload, r.cfg.CacheTTL)
}

func (r *Repository) readCache(ctx context.Context, taskID string) (CacheEntry, bool, error) {
	return r.readCacheKey(ctx, kv.TaskStatusPrefix+taskID)
}

func (r *Repository) readCacheKey(ctx context.Context, key string) (CacheEntry, bool, error) {
	raw, err := r.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		r.logger.Warn("tasks.cache.corrupt", "key", key, "error", err)
		return CacheEntry{}, false, nil
	}
	if entry.TaskID == "" {
		entry.TaskID = kv.Suffix(key, kv.TaskStatusPrefix)
	}
	return entry, true, nil
}

// invalidate drops fast-path state for ids. Failures only cost freshness.
func (r *Repository) invalidate(ctx context.Context, ids ...string) {
	for _, id := range ids {
		for _, key := range []string{kv.TaskStatusPrefix + id, kv.ProcessingPrefix + id} {
			if err := r.kv.Delete(ctx, key); err != nil {
				r.logger.Warn("tasks.cache.invalidate_failed", "key", key, "error", err)
			}
		}
	}
}
