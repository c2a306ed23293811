package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/relstore"
)

// Buffer defaults.
const (
	DefaultFlushInterval  = 5 * time.Second
	DefaultFlushThreshold = 50
	DefaultPendingExpiry  = 5 * time.Minute
)

// PendingUpdate is a non-critical status change waiting to be persisted.
// It only applies while the task is still active and claimed by ClaimedBy.
type PendingUpdate struct {
	TaskID    string
	Status    Status
	ErrorMsg  string
	ClaimedBy string
	Timestamp int64
}

// BufferConfig tunes a Buffer.
type BufferConfig struct {
	FlushInterval  time.Duration
	FlushThreshold int
	PendingExpiry  time.Duration
	Clock          clock.Clock
	Logger         pslog.Logger
}

type flushRequest struct {
	ctx   context.Context
	reply chan error
}

// Buffer holds at most one pending update per task and persists them in
// batches. While Start is running a single worker goroutine performs every
// flush; otherwise flushes are serialised by a mutex.
type Buffer struct {
	db     relstore.Store
	cfg    BufferConfig
	clock  clock.Clock
	logger pslog.Logger

	mu      sync.Mutex
	pending map[string]PendingUpdate

	flushMu  sync.Mutex
	kick     chan struct{}
	requests chan flushRequest

	lifecycle sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

// NewBuffer constructs an idle buffer writing to db.
func NewBuffer(db relstore.Store, cfg BufferConfig) *Buffer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.PendingExpiry <= 0 {
		cfg.PendingExpiry = DefaultPendingExpiry
	}
	return &Buffer{
		db:       db,
		cfg:      cfg,
		clock:    clock.Or(cfg.Clock),
		logger:   loggingutil.WithSubsystem(cfg.Logger, "tasks.buffer"),
		pending:  make(map[string]PendingUpdate),
		kick:     make(chan struct{}, 1),
		requests: make(chan flushRequest),
	}
}

// Add records u, replacing any older entry for the same task.
func (b *Buffer) Add(u PendingUpdate) {
	if u.Timestamp == 0 {
		u.Timestamp = clock.Millis(b.clock.Now())
	}
	b.mu.Lock()
	if prev, ok := b.pending[u.TaskID]; ok && prev.Timestamp > u.Timestamp {
		b.mu.Unlock()
		return
	}
	b.pending[u.TaskID] = u
	n := len(b.pending)
	b.mu.Unlock()
	if n >= b.cfg.FlushThreshold {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Get returns the pending entry for taskID.
func (b *Buffer) Get(taskID string) (PendingUpdate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.pending[taskID]
	return u, ok
}

// Drop removes any pending entries for ids.
func (b *Buffer) Drop(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.pending, id)
	}
}

// PendingCount returns the number of buffered updates.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Reset discards every pending update.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.pending)
}

// CleanupExpired drops entries older than the expiry window and returns how
// many were dropped.
func (b *Buffer) CleanupExpired() int {
	cutoff := clock.Millis(b.clock.Now().Add(-b.cfg.PendingExpiry))
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for id, u := range b.pending {
		if u.Timestamp < cutoff {
			delete(b.pending, id)
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Warn("tasks.buffer.expired", "dropped", dropped, "remaining", len(b.pending))
	}
	return dropped
}

// Flush persists the current snapshot. When the worker is running the flush
// is executed by it.
func (b *Buffer) Flush(ctx context.Context) error {
	b.lifecycle.Lock()
	done := b.done
	b.lifecycle.Unlock()
	if done == nil {
		return b.flushSerial(ctx)
	}
	req := flushRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case b.requests <- req:
	case <-done:
		return b.flushSerial(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buffer) flushSerial(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	return b.flush(ctx)
}

func (b *Buffer) snapshot() []PendingUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingUpdate, 0, len(b.pending))
	for _, u := range b.pending {
		out = append(out, u)
	}
	return out
}

// settle removes snapshotted entries that were not superseded meanwhile.
func (b *Buffer) settle(snapshot []PendingUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range snapshot {
		if cur, ok := b.pending[u.TaskID]; ok && cur.Timestamp == u.Timestamp && cur.Status == u.Status {
			delete(b.pending, u.TaskID)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) error {
	snapshot := b.snapshot()
	if len(snapshot) == 0 {
		return nil
	}
	stmts := make([]relstore.Statement, len(snapshot))
	for i, u := range snapshot {
		stmts[i] = relstore.Statement{
			Query: `UPDATE tasks SET status = ?, error_msg = ?, updated_at = ? WHERE status IN ` + activeStatusList + ` AND claimed_by = ? AND id = ?`,
			Args:  []any{string(u.Status), nullableString(u.ErrorMsg), u.Timestamp, u.ClaimedBy, u.TaskID},
		}
	}
	results, err := b.db.Batch(ctx, stmts)
	if err != nil {
		b.logger.Warn("tasks.buffer.flush_failed", "pending", len(snapshot), "error", err)
		return fmt.Errorf("tasks: flush %d pending updates: %w", len(snapshot), err)
	}
	var failed, skipped int
	for i, u := range snapshot {
		if i >= len(results) {
			break
		}
		switch {
		case results[i].Err != nil:
			failed++
			b.logger.Warn("tasks.buffer.item_failed", "task_id", u.TaskID, "status", string(u.Status), "error", results[i].Err)
		case results[i].RowsAffected == 0:
			skipped++
		}
	}
	b.settle(snapshot)
	b.logger.Debug("tasks.buffer.flushed", "count", len(snapshot), "failed", failed, "skipped", skipped)
	return nil
}

// Start launches the flush worker.
func (b *Buffer) Start(ctx context.Context) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.stop != nil {
		return
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.run(ctx, b.stop, b.done)
}

// Stop halts the worker and performs a final flush.
func (b *Buffer) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	stop, done := b.stop, b.done
	b.stop, b.done = nil, nil
	b.lifecycle.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	b.CleanupExpired()
	return b.flushSerial(ctx)
}

func (b *Buffer) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	tick := b.clock.After(b.cfg.FlushInterval)
	for {
		select {
		case <-stop:
			b.drainRequests()
			return
		case <-ctx.Done():
			b.drainRequests()
			return
		case req := <-b.requests:
			req.reply <- b.flushSerial(req.ctx)
		case <-b.kick:
			b.cycle(ctx)
		case <-tick:
			b.cycle(ctx)
			tick = b.clock.After(b.cfg.FlushInterval)
		}
	}
}

// drainRequests answers flush requests that raced with shutdown.
func (b *Buffer) drainRequests() {
	for {
		select {
		case req := <-b.requests:
			req.reply <- b.flushSerial(req.ctx)
		default:
			return
		}
	}
}

func (b *Buffer) cycle(ctx context.Context) {
	b.CleanupExpired()
	if err := b.flushSerial(ctx); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn("tasks.buffer.cycle_failed", "error", err)
	}
}
