package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pkt.systems/relayd/internal/kv"
	"pkt.systems/relayd/internal/lockmgr"
)

func putCache(t *testing.T, f *fixture, entry CacheEntry) {
	t.Helper()
	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := f.kv.Set(context.Background(), kv.TaskStatusPrefix+entry.TaskID, raw, 0); err != nil {
		t.Fatalf("set cache: %v", err)
	}
}

func TestFindStalledMergesAndDedupes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := millisAgo(f.clock, 20*time.Minute)
	older := millisAgo(f.clock, 30*time.Minute)
	f.seed(t,
		Task{ID: "t1", UserID: "owner-1", Status: StatusDownloading, CreatedAt: old, UpdatedAt: old},
		Task{ID: "t3", Status: StatusUploading, CreatedAt: old, UpdatedAt: old},
		Task{ID: "t4", Status: StatusCompleted, CreatedAt: older, UpdatedAt: older},
		Task{ID: "t5", Status: StatusDownloading, CreatedAt: old, UpdatedAt: millisAgo(f.clock, time.Minute)},
	)
	putCache(t, f, CacheEntry{TaskID: "t1", Status: StatusDownloading, UpdatedAt: old})
	putCache(t, f, CacheEntry{TaskID: "t2", Status: StatusUploading, ClaimedBy: "inst-b", UpdatedAt: older})
	putCache(t, f, CacheEntry{TaskID: "t3", Status: StatusUploading, UpdatedAt: millisAgo(f.clock, time.Minute)})
	putCache(t, f, CacheEntry{TaskID: "t6", Status: StatusCompleted, UpdatedAt: older})

	got := f.repo.FindStalledTasks(ctx, 10*time.Minute, StalledOptions{})
	if len(got) != 2 {
		t.Fatalf("expected 2 stalled tasks, got %+v", got)
	}
	if got[0].ID != "t2" || got[1].ID != "t1" {
		t.Fatalf("expected [t2 t1] ordered by updatedAt, got [%s %s]", got[0].ID, got[1].ID)
	}
	if got[1].UserID != "owner-1" {
		t.Fatalf("durable record must win on overlap, got %+v", got[1])
	}
	if got[0].ClaimedBy == nil || *got[0].ClaimedBy != "inst-b" {
		t.Fatalf("cache-only task should carry its claimant, got %+v", got[0])
	}
}

func TestFindStalledDegradesToDurableWhenCacheDown(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.KV = &faultKV{Store: cfg.KV, failList: true}
	})
	old := millisAgo(f.clock, 20*time.Minute)
	f.seed(t, Task{ID: "t1", Status: StatusDownloading, CreatedAt: old, UpdatedAt: old})
	got := f.repo.FindStalledTasks(context.Background(), 10*time.Minute, StalledOptions{MaxResults: 10})
	if len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("expected durable-only result, got %+v", got)
	}
}

func TestFindStalledDegradesToCacheWhenDurableDown(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.DB = fetchFailDB{Store: cfg.DB}
	})
	old := millisAgo(f.clock, 20*time.Minute)
	f.seed(t, Task{ID: "t1", Status: StatusDownloading, CreatedAt: old, UpdatedAt: old})
	putCache(t, f, CacheEntry{TaskID: "t2", Status: StatusUploading, ClaimedBy: "inst-b", UpdatedAt: old})
	putCache(t, f, CacheEntry{TaskID: "t3", Status: StatusDownloading, UpdatedAt: millisAgo(f.clock, time.Minute)})

	got := f.repo.FindStalledTasks(context.Background(), 10*time.Minute, StalledOptions{MaxResults: 10})
	if len(got) != 1 || got[0].ID != "t2" {
		t.Fatalf("expected cache-only result, got %+v", got)
	}
	if got[0].ClaimedBy == nil || *got[0].ClaimedBy != "inst-b" {
		t.Fatalf("cache-only task should carry its claimant, got %+v", got[0])
	}
}

func TestClampResults(t *testing.T) {
	f := newFixture(t)
	cases := map[int]int{0: 1000, -3: 1000, 1: 50, 49: 50, 50: 50, 200: 200, 1000: 1000, 5000: 1000}
	for in, want := range cases {
		if got := f.repo.clampResults(in); got != want {
			t.Fatalf("clampResults(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestMergeStalledTruncatesAfterSort(t *testing.T) {
	durable := []Task{{ID: "b", UpdatedAt: 3}, {ID: "a", UpdatedAt: 3}, {ID: "c", UpdatedAt: 1}}
	cached := []Task{{ID: "d", UpdatedAt: 2}, {ID: "c", UpdatedAt: 9}, {ID: "e", UpdatedAt: 0}}
	got := mergeStalled(durable, cached, map[string]struct{}{"e": {}}, 3)
	want := []string{"c", "d", "a"}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: got %s, want %s (%+v)", i, got[i].ID, id, got)
		}
	}
	if got[0].UpdatedAt != 1 {
		t.Fatalf("durable copy of c must win, got updatedAt %d", got[0].UpdatedAt)
	}
}

func TestResetStalledTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, Task{ID: "t1"}, Task{ID: "t2"}, Task{ID: "t3", Status: StatusCompleted})
	if !f.repo.Claim(ctx, "t1", "inst-a") || !f.repo.Claim(ctx, "t2", "inst-a") {
		t.Fatal("claims failed")
	}
	f.repo.Buffer().Add(PendingUpdate{TaskID: "t1", Status: StatusUploading, ClaimedBy: "inst-a"})

	n, err := f.repo.ResetStalledTasks(ctx, []string{"t1", "t1", "t3", " ", "missing"})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row reset, got %d", n)
	}
	row := f.row(t, "t1")
	if row.Status != StatusQueued || row.ClaimedBy != nil {
		t.Fatalf("expected requeued unclaimed row, got %+v", row)
	}
	if f.row(t, "t3").Status != StatusCompleted {
		t.Fatal("terminal tasks must not be reset")
	}
	if _, err := f.kv.Get(ctx, kv.TaskStatusPrefix+"t1"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected cache entry removed, got %v", err)
	}
	if _, ok := f.repo.Buffer().Get("t1"); ok {
		t.Fatal("expected pending update dropped")
	}
	if f.repo.LocalActiveCount() != 1 {
		t.Fatalf("expected only t2 in flight, got %d", f.repo.LocalActiveCount())
	}
	if n, err := f.repo.ResetStalledTasks(ctx, nil); n != 0 || err != nil {
		t.Fatalf("empty reset: %d %v", n, err)
	}
	if !f.repo.Claim(ctx, "t1", "inst-b") {
		t.Fatal("requeued task must be claimable again")
	}
}

func TestActiveTaskCountStrategies(t *testing.T) {
	instances := &staticInstances{records: []lockmgr.InstanceRecord{{ID: "a", ActiveTaskCount: 3}, {ID: "b", ActiveTaskCount: 2}}}
	var fault *faultKV
	f := newFixture(t, func(cfg *Config) {
		cfg.Instances = instances
		fault = &faultKV{Store: cfg.KV}
		cfg.KV = fault
	})
	ctx := context.Background()

	if got := f.repo.RefreshActiveTaskCount(ctx); got != 5 {
		t.Fatalf("expected heartbeat sum 5, got %d", got)
	}
	if f.repo.ActiveTaskCount() != 5 {
		t.Fatal("expected cached value to follow refresh")
	}

	instances.records = nil
	_ = f.kv.Set(ctx, kv.ProcessingPrefix+"x", []byte("a"), 0)
	putCache(t, f, CacheEntry{TaskID: "x", Status: StatusDownloading})
	putCache(t, f, CacheEntry{TaskID: "y", Status: StatusUploading})
	putCache(t, f, CacheEntry{TaskID: "z", Status: StatusCompleted})
	if got := f.repo.RefreshActiveTaskCount(ctx); got != 2 {
		t.Fatalf("expected marker count 2, got %d", got)
	}

	instances.err = errors.New("registry down")
	fault.failList = true
	if got := f.repo.RefreshActiveTaskCount(ctx); got != 2 {
		t.Fatalf("expected last cached value on failure, got %d", got)
	}
}
