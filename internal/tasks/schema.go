package tasks

import (
	"context"
	"fmt"

	"pkt.systems/relayd/internal/relstore"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chat_id TEXT NOT NULL DEFAULT '',
		msg_id TEXT NOT NULL DEFAULT '',
		source_msg_id TEXT,
		file_name TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0 CHECK (file_size >= 0),
		status TEXT NOT NULL,
		error_msg TEXT,
		claimed_by TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_msg ON tasks (chat_id, msg_id)`,
}

// EnsureSchema creates the tasks table and its indexes when missing.
func EnsureSchema(ctx context.Context, db relstore.Store) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Run(ctx, stmt); err != nil {
			return fmt.Errorf("tasks: ensure schema: %w", err)
		}
	}
	return nil
}

const taskColumns = `id, user_id, chat_id, msg_id, source_msg_id, file_name, file_size, status, error_msg, claimed_by, created_at, updated_at`

const terminalStatusList = `('completed', 'failed', 'cancelled')`

const activeStatusList = `('downloading', 'uploading')`

type nullString struct {
	value *string
}

func (n *nullString) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.value = nil
	case string:
		n.value = &v
	case []byte:
		s := string(v)
		n.value = &s
	default:
		return fmt.Errorf("tasks: unexpected column type %T", src)
	}
	return nil
}

func scanTask(row relstore.Scanner) (Task, error) {
	var t Task
	var status string
	var source, errMsg, claimed nullString
	if err := row.Scan(&t.ID, &t.UserID, &t.ChatID, &t.MsgID, &source, &t.FileName, &t.FileSize, &status, &errMsg, &claimed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	t.SourceMsgID = source.value
	t.ErrorMsg = errMsg.value
	t.ClaimedBy = claimed.value
	return t, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
