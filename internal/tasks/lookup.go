package tasks

import (
	"context"
	"strings"

	"pkt.systems/relayd/internal/relstore"
)

// Lookup limits.
const (
	DefaultUserLimit = 50
	MaxUserLimit     = 500
)

func (r *Repository) fetchTasks(ctx context.Context, op, where string, args ...any) []Task {
	var out []Task
	err := r.db.FetchAll(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where, args, func(row relstore.Scanner) error {
		t, err := scanTask(row)
		if err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	if err != nil {
		r.logger.Warn("tasks.lookup.failed", "op", op, "error", err)
		return nil
	}
	return out
}

func first(ts []Task) *Task {
	if len(ts) == 0 {
		return nil
	}
	t := ts[0]
	return &t
}

// FindByID returns the task, overlaid with a fresher fast-path status when
// one exists, or nil.
func (r *Repository) FindByID(ctx context.Context, id string) *Task {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	t := first(r.fetchTasks(ctx, "find_by_id", `id = ? LIMIT 1`, id))
	if t == nil || t.Status.Terminal() {
		return t
	}
	entry, ok, err := r.readCache(ctx, id)
	if err != nil {
		r.logger.Debug("tasks.cache.read_failed", "task_id", id, "error", err)
		return t
	}
	if ok && entry.UpdatedAt > t.UpdatedAt && entry.Status.Valid() && !entry.Status.Terminal() {
		t.Status = entry.Status
		t.UpdatedAt = entry.UpdatedAt
		if entry.ErrorMsg != "" {
			t.ErrorMsg = stringPtr(entry.ErrorMsg)
		}
	}
	return t
}

// FindByUserID returns the user's most recent tasks, newest first.
func (r *Repository) FindByUserID(ctx context.Context, userID string, limit int) []Task {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultUserLimit
	}
	limit = min(limit, MaxUserLimit)
	return r.fetchTasks(ctx, "find_by_user", `user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
}

// FindByMsgID returns the newest task created from a chat message.
func (r *Repository) FindByMsgID(ctx context.Context, chatID, msgID string) *Task {
	if strings.TrimSpace(chatID) == "" || strings.TrimSpace(msgID) == "" {
		return nil
	}
	return first(r.fetchTasks(ctx, "find_by_msg", `chat_id = ? AND msg_id = ? ORDER BY created_at DESC LIMIT 1`, chatID, msgID))
}

// FindCompletedByFile returns a previously completed task for the same file,
// letting callers skip duplicate transfers.
func (r *Repository) FindCompletedByFile(ctx context.Context, userID, fileName string, fileSize int64) *Task {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(fileName) == "" || fileSize < 0 {
		return nil
	}
	return first(r.fetchTasks(ctx, "find_completed_by_file",
		`user_id = ? AND file_name = ? AND file_size = ? AND status = ? ORDER BY updated_at DESC LIMIT 1`,
		userID, fileName, fileSize, string(StatusCompleted)))
}

// MarkCancelled cancels a task that has not finished. It reports whether a
// row changed.
func (r *Repository) MarkCancelled(ctx context.Context, taskID, reason string) bool {
	if strings.TrimSpace(taskID) == "" {
		return false
	}
	affected, err := r.writeTerminal(ctx, taskID, StatusCancelled, reason, "")
	if err != nil {
		r.logger.Warn("tasks.cancel.failed", "task_id", taskID, "error", err)
		return false
	}
	return affected > 0
}
