package tasks

import (
	"strings"

	"pkt.systems/relayd/internal/reliability"
)

// Status is a task lifecycle state.
type Status string

// Task statuses.
const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusUploading, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a worker is processing the task.
func (s Status) Active() bool {
	return s == StatusDownloading || s == StatusUploading
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	switch from {
	case StatusQueued:
		return to.Active() || to == StatusCancelled
	default:
		return to.Active() || to.Terminal() || to == StatusQueued
	}
}

// Task is one unit of relayed work.
type Task struct {
	ID          string  `json:"id"`
	UserID      string  `json:"userId"`
	ChatID      string  `json:"chatId,omitempty"`
	MsgID       string  `json:"msgId,omitempty"`
	SourceMsgID *string `json:"sourceMsgId,omitempty"`
	FileName    string  `json:"fileName,omitempty"`
	FileSize    int64   `json:"fileSize"`
	Status      Status  `json:"status"`
	ErrorMsg    *string `json:"errorMsg,omitempty"`
	ClaimedBy   *string `json:"claimedBy,omitempty"`
	CreatedAt   int64   `json:"createdAt"`
	UpdatedAt   int64   `json:"updatedAt"`
}

// Validate checks the fields required at creation.
func (t Task) Validate(op string) error {
	if strings.TrimSpace(t.ID) == "" {
		return reliability.NewValidationError(op, "id", "required")
	}
	if strings.TrimSpace(t.UserID) == "" {
		return reliability.NewValidationError(op, "userId", "required")
	}
	if t.FileSize < 0 {
		return reliability.NewValidationError(op, "fileSize", "must be >= 0")
	}
	if t.Status != "" && !t.Status.Valid() {
		return reliability.NewValidationError(op, "status", "unknown status "+string(t.Status))
	}
	return nil
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
