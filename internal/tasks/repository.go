// Package tasks owns the task lifecycle: creation, atomic claims, status
// transitions split between a durable path and a buffered fast path, stall
// detection and recovery, and cluster-wide activity aggregation.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/kv"
	"pkt.systems/relayd/internal/lockmgr"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/reliability"
	"pkt.systems/relayd/internal/relstore"
)

// Repository defaults.
const (
	DefaultCacheTTL          = 10 * time.Minute
	DefaultMarkerTTL         = 30 * time.Minute
	DefaultMinStalledResults = 50
	DefaultMaxStalledResults = 1000
)

// InstanceSource lists live instances for activity aggregation.
type InstanceSource interface {
	ActiveInstances(ctx context.Context) ([]lockmgr.InstanceRecord, error)
}

// Config wires a Repository.
type Config struct {
	DB         relstore.Store
	KV         kv.Store
	Instances  InstanceSource
	InstanceID string
	Clock      clock.Clock
	Logger     pslog.Logger

	CacheTTL          time.Duration
	MarkerTTL         time.Duration
	MinStalledResults int
	MaxStalledResults int
	Buffer            BufferConfig
}

// Repository coordinates task state across instances.
type Repository struct {
	cfg    Config
	db     relstore.Store
	kv     kv.Store
	clock  clock.Clock
	logger pslog.Logger
	buffer *Buffer

	activeCount atomic.Int64

	inflightMu sync.Mutex
	inflight   map[string]string
}

// New constructs a Repository and its write buffer.
func New(cfg Config) (*Repository, error) {
	if cfg.DB == nil {
		return nil, errors.New("tasks: relational store required")
	}
	if cfg.KV == nil {
		return nil, errors.New("tasks: kv store required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = DefaultMarkerTTL
	}
	if cfg.MinStalledResults <= 0 {
		cfg.MinStalledResults = DefaultMinStalledResults
	}
	if cfg.MaxStalledResults < cfg.MinStalledResults {
		cfg.MaxStalledResults = max(DefaultMaxStalledResults, cfg.MinStalledResults)
	}
	clk := clock.Or(cfg.Clock)
	if cfg.Buffer.Clock == nil {
		cfg.Buffer.Clock = clk
	}
	if cfg.Buffer.Logger == nil {
		cfg.Buffer.Logger = cfg.Logger
	}
	return &Repository{
		cfg:      cfg,
		db:       cfg.DB,
		kv:       cfg.KV,
		clock:    clk,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "tasks"),
		buffer:   NewBuffer(cfg.DB, cfg.Buffer),
		inflight: make(map[string]string),
	}, nil
}

// Buffer exposes the pending update buffer.
func (r *Repository) Buffer() *Buffer {
	return r.buffer
}

func (r *Repository) nowMillis() int64 {
	return clock.Millis(r.clock.Now())
}

func insertStatement(t Task) relstore.Statement {
	return relstore.Statement{
		Query: `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			t.ID, t.UserID, t.ChatID, t.MsgID, nullable(t.SourceMsgID), t.FileName, t.FileSize,
			string(t.Status), nullable(t.ErrorMsg), nullable(t.ClaimedBy), t.CreatedAt, t.UpdatedAt,
		},
	}
}

func (r *Repository) prepare(t Task, op string) (Task, error) {
	if err := t.Validate(op); err != nil {
		return Task{}, err
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}
	now := r.nowMillis()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = t.CreatedAt
	}
	return t, nil
}

// Create inserts one task.
func (r *Repository) Create(ctx context.Context, t Task) error {
	t, err := r.prepare(t, "tasks.create")
	if err != nil {
		return err
	}
	stmt := insertStatement(t)
	if _, err := r.db.Run(ctx, stmt.Query, stmt.Args...); err != nil {
		return fmt.Errorf("tasks: create %s: %w", t.ID, err)
	}
	r.logger.Debug("tasks.created", "task_id", t.ID, "user_id", t.UserID, "status", string(t.Status))
	return nil
}

// CreateBatch inserts all tasks in one transaction. Nothing is written if any
// task fails validation.
func (r *Repository) CreateBatch(ctx context.Context, batch []Task) error {
	if len(batch) == 0 {
		return nil
	}
	stmts := make([]relstore.Statement, 0, len(batch))
	for i, t := range batch {
		prepared, err := r.prepare(t, fmt.Sprintf("tasks.create_batch[%d]", i))
		if err != nil {
			return err
		}
		stmts = append(stmts, insertStatement(prepared))
	}
	if err := r.db.Tx(ctx, stmts); err != nil {
		return fmt.Errorf("tasks: create batch of %d: %w", len(batch), err)
	}
	r.logger.Debug("tasks.created.batch", "count", len(batch))
	return nil
}

// Claim atomically moves a queued task to downloading on behalf of
// instanceID. Exactly one concurrent caller wins.
func (r *Repository) Claim(ctx context.Context, taskID, instanceID string) bool {
	if taskID == "" || instanceID == "" {
		return false
	}
	now := r.nowMillis()
	affected, err := r.db.Run(ctx,
		`UPDATE tasks SET status = ?, claimed_by = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusDownloading), instanceID, now, taskID, string(StatusQueued))
	if err != nil {
		r.logger.Warn("tasks.claim.failed", "task_id", taskID, "error", err)
		return false
	}
	if affected != 1 {
		r.logger.Debug("tasks.claim.lost", "task_id", taskID, "instance", instanceID)
		return false
	}
	r.track(taskID, instanceID)
	entry := CacheEntry{TaskID: taskID, Status: StatusDownloading, ClaimedBy: instanceID, UpdatedAt: now}
	if err := r.writeCache(ctx, entry); err != nil {
		r.logger.Warn("tasks.cache.write_failed", "task_id", taskID, "error", err)
	}
	if err := r.kv.Set(ctx, kv.ProcessingPrefix+taskID, []byte(instanceID), r.cfg.MarkerTTL); err != nil {
		r.logger.Warn("tasks.marker.write_failed", "task_id", taskID, "error", err)
	}
	r.logger.Info("tasks.claimed", "task_id", taskID, "instance", instanceID)
	return true
}

// ErrNotClaimed reports a status write for a task this process does not own.
var ErrNotClaimed = errors.New("tasks: task is not claimed by this instance")

// UpdateStatus records a status change for a task this process claimed.
// Terminal statuses are persisted synchronously and clear fast-path state;
// in-progress statuses go to the fast-path cache, falling back to the pending
// buffer. Moves that are not lifecycle edges are rejected with a validation
// error, and in-progress writes to a task owned elsewhere with ErrNotClaimed.
func (r *Repository) UpdateStatus(ctx context.Context, taskID string, status Status, errMsg string) error {
	const op = "tasks.update_status"
	if strings.TrimSpace(taskID) == "" {
		return reliability.NewValidationError(op, "taskId", "required")
	}
	if !status.Valid() {
		return reliability.NewValidationError(op, "status", "unknown status "+string(status))
	}
	if status == StatusQueued {
		return reliability.NewValidationError(op, "status", "requeue through ResetStalledTasks")
	}
	owner := r.claimant(taskID)
	if owner == "" {
		return fmt.Errorf("%w: %s", ErrNotClaimed, taskID)
	}
	if status.Terminal() {
		_, err := r.writeTerminal(ctx, taskID, status, errMsg, owner)
		return err
	}
	cur, ok := r.current(ctx, taskID)
	if !ok {
		return reliability.NewValidationError(op, "taskId", "unknown task "+taskID)
	}
	if !CanTransition(cur.Status, status) {
		return reliability.NewValidationError(op, "status", fmt.Sprintf("%s -> %s is not a lifecycle edge", cur.Status, status))
	}
	if cur.ClaimedBy != owner {
		r.logger.Debug("tasks.update.not_owner", "task_id", taskID, "owner", cur.ClaimedBy, "instance", owner)
		return fmt.Errorf("%w: %s", ErrNotClaimed, taskID)
	}
	now := r.nowMillis()
	entry := CacheEntry{TaskID: taskID, Status: status, ErrorMsg: errMsg, ClaimedBy: owner, UpdatedAt: now}
	if err := r.writeCache(ctx, entry); err != nil {
		r.logger.Warn("tasks.cache.write_failed", "task_id", taskID, "status", string(status), "error", err)
		r.buffer.Add(PendingUpdate{TaskID: taskID, Status: status, ErrorMsg: errMsg, ClaimedBy: owner, Timestamp: now})
	}
	return nil
}

// current returns the freshest known state of taskID: the cache entry when
// it names a claimant, otherwise the durable row.
func (r *Repository) current(ctx context.Context, taskID string) (CacheEntry, bool) {
	entry, ok, err := r.readCache(ctx, taskID)
	if err != nil {
		r.logger.Debug("tasks.cache.read_failed", "task_id", taskID, "error", err)
	}
	if ok && entry.ClaimedBy != "" {
		return entry, true
	}
	rows := r.fetchTasks(ctx, "tasks.update_status", `id = ?`, taskID)
	if len(rows) == 0 {
		return CacheEntry{}, false
	}
	row := rows[0]
	return CacheEntry{TaskID: row.ID, Status: row.Status, ErrorMsg: deref(row.ErrorMsg), ClaimedBy: deref(row.ClaimedBy), UpdatedAt: row.UpdatedAt}, true
}

// writeTerminal finishes taskID. With an owner the row must be active and
// claimed by that owner, or queued when cancelling; without one any
// unfinished row qualifies. A write that changes nothing leaves shared
// fast-path state alone since it may belong to the current owner.
func (r *Repository) writeTerminal(ctx context.Context, taskID string, status Status, errMsg, owner string) (int64, error) {
	query := `UPDATE tasks SET status = ?, error_msg = ?, updated_at = ? WHERE id = ? AND status NOT IN ` + terminalStatusList
	args := []any{string(status), nullableString(errMsg), r.nowMillis(), taskID}
	if owner != "" {
		guard := `(status IN ` + activeStatusList + ` AND claimed_by = ?)`
		args = append(args, owner)
		if status == StatusCancelled {
			guard += ` OR status = ?`
			args = append(args, string(StatusQueued))
		}
		query = `UPDATE tasks SET status = ?, error_msg = ?, updated_at = ? WHERE id = ? AND (` + guard + `)`
	}
	affected, err := r.db.Run(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("tasks: update %s to %s: %w", taskID, status, err)
	}
	r.buffer.Drop(taskID)
	r.untrack(taskID)
	if affected == 0 {
		r.logger.Debug("tasks.update.noop", "task_id", taskID, "status", string(status), "instance", owner)
		return 0, nil
	}
	r.invalidate(ctx, taskID)
	r.logger.Info("tasks.finished", "task_id", taskID, "status", string(status))
	return affected, nil
}

// FlushUpdates persists buffered updates.
func (r *Repository) FlushUpdates(ctx context.Context) error {
	return r.buffer.Flush(ctx)
}

// CleanupExpiredUpdates drops stale buffered updates.
func (r *Repository) CleanupExpiredUpdates() int {
	return r.buffer.CleanupExpired()
}

func (r *Repository) track(taskID, instanceID string) {
	r.inflightMu.Lock()
	r.inflight[taskID] = instanceID
	r.inflightMu.Unlock()
}

// claimant is the instance id this process claimed taskID under, or the
// configured instance id for tasks claimed before a restart.
func (r *Repository) claimant(taskID string) string {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if id, ok := r.inflight[taskID]; ok {
		return id
	}
	return r.cfg.InstanceID
}

func (r *Repository) untrack(ids ...string) {
	r.inflightMu.Lock()
	for _, id := range ids {
		delete(r.inflight, id)
	}
	r.inflightMu.Unlock()
}

// LocalActiveCount returns the tasks claimed by this process and not yet
// finished or requeued.
func (r *Repository) LocalActiveCount() int {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	return len(r.inflight)
}
