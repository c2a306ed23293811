package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/kv"
	"pkt.systems/relayd/internal/kv/memory"
	"pkt.systems/relayd/internal/lockmgr"
	"pkt.systems/relayd/internal/relstore"
)

var testEpoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	repo  *Repository
	db    *relstore.SQL
	kv    *memory.Store
	clock *clock.Manual
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	dsn := "file:" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := relstore.OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	clk := clock.NewManual(testEpoch)
	store := memory.NewWithClock(clk)
	cfg := Config{DB: db, KV: store, InstanceID: "inst-a", Clock: clk}
	for _, fn := range mutate {
		fn(&cfg)
	}
	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return &fixture{repo: repo, db: db, kv: store, clock: clk}
}

func (f *fixture) seed(t *testing.T, tasks ...Task) {
	t.Helper()
	for _, task := range tasks {
		if task.UserID == "" {
			task.UserID = "user-1"
		}
		if err := f.repo.Create(context.Background(), task); err != nil {
			t.Fatalf("seed %s: %v", task.ID, err)
		}
	}
}

func (f *fixture) row(t *testing.T, id string) Task {
	t.Helper()
	rows := f.repo.fetchTasks(context.Background(), "test", `id = ?`, id)
	if len(rows) != 1 {
		t.Fatalf("expected row %s, got %d rows", id, len(rows))
	}
	return rows[0]
}

// activeTask is a downloading task already claimed by owner.
func activeTask(id, owner string) Task {
	return Task{ID: id, Status: StatusDownloading, ClaimedBy: &owner}
}

func millisAgo(clk clock.Clock, d time.Duration) int64 {
	return clock.Millis(clk.Now().Add(-d))
}

// faultKV fails selected operations of an otherwise working store.
type faultKV struct {
	kv.Store
	failSet  func(key string) bool
	failList bool
}

var errKVDown = kv.NewTransientError(errors.New("kv unavailable"))

func (f *faultKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failSet != nil && f.failSet(key) {
		return errKVDown
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *faultKV) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if f.failList {
		return nil, errKVDown
	}
	return f.Store.ListKeys(ctx, prefix)
}

// batchDB lets tests intercept batches sent by the buffer.
type batchDB struct {
	relstore.Store
	batchErr error
	poison   map[string]bool
	during   func()
	batches  int
}

func (b *batchDB) Batch(ctx context.Context, stmts []relstore.Statement) ([]relstore.Result, error) {
	b.batches++
	if b.during != nil {
		b.during()
	}
	if b.batchErr != nil {
		return nil, b.batchErr
	}
	results := make([]relstore.Result, len(stmts))
	for i, stmt := range stmts {
		id, _ := stmt.Args[len(stmt.Args)-1].(string)
		if b.poison[id] {
			results[i].Err = errors.New("constraint violation")
			continue
		}
		n, err := b.Store.Run(ctx, stmt.Query, stmt.Args...)
		results[i] = relstore.Result{RowsAffected: n, Err: err}
	}
	return results, nil
}

// fetchFailDB fails every read of an otherwise working store.
type fetchFailDB struct {
	relstore.Store
}

func (fetchFailDB) FetchAll(context.Context, string, []any, func(relstore.Scanner) error) error {
	return errors.New("database is locked")
}

type staticInstances struct {
	records []lockmgr.InstanceRecord
	err     error
}

func (s staticInstances) ActiveInstances(context.Context) ([]lockmgr.InstanceRecord, error) {
	return s.records, s.err
}
