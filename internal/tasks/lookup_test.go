package tasks

import (
	"context"
	"testing"
	"time"
)

func TestLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.clock.Now().UnixMilli()
	f.seed(t,
		Task{ID: "a", UserID: "u1", ChatID: "c1", MsgID: "m1", FileName: "movie.mkv", FileSize: 42, Status: StatusCompleted, CreatedAt: base, UpdatedAt: base},
		Task{ID: "b", UserID: "u1", ChatID: "c1", MsgID: "m1", FileName: "movie.mkv", FileSize: 42, CreatedAt: base + 1000},
		Task{ID: "c", UserID: "u1", ChatID: "c1", MsgID: "m2", CreatedAt: base + 2000},
		Task{ID: "d", UserID: "u2", CreatedAt: base + 3000},
	)

	byUser := f.repo.FindByUserID(ctx, "u1", 2)
	if len(byUser) != 2 || byUser[0].ID != "c" || byUser[1].ID != "b" {
		t.Fatalf("unexpected user tasks %+v", byUser)
	}
	if got := f.repo.FindByUserID(ctx, "", 10); got != nil {
		t.Fatalf("empty user id must return nil, got %+v", got)
	}

	if got := f.repo.FindByMsgID(ctx, "c1", "m1"); got == nil || got.ID != "b" {
		t.Fatalf("expected newest task for message, got %+v", got)
	}
	if got := f.repo.FindByMsgID(ctx, "c1", ""); got != nil {
		t.Fatalf("missing msg id must return nil, got %+v", got)
	}

	if got := f.repo.FindCompletedByFile(ctx, "u1", "movie.mkv", 42); got == nil || got.ID != "a" {
		t.Fatalf("expected completed duplicate, got %+v", got)
	}
	if got := f.repo.FindCompletedByFile(ctx, "u1", "movie.mkv", 43); got != nil {
		t.Fatalf("size mismatch must not match, got %+v", got)
	}

	if got := f.repo.FindByID(ctx, "nope"); got != nil {
		t.Fatalf("expected nil for unknown id, got %+v", got)
	}
	if got := f.repo.FindByID(ctx, ""); got != nil {
		t.Fatalf("expected nil for empty id")
	}
}

func TestMarkCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, Task{ID: "a"})
	f.clock.Advance(time.Second)
	if !f.repo.MarkCancelled(ctx, "a", "user request") {
		t.Fatal("expected cancellation to apply")
	}
	row := f.row(t, "a")
	if row.Status != StatusCancelled || row.ErrorMsg == nil || *row.ErrorMsg != "user request" {
		t.Fatalf("unexpected row %+v", row)
	}
	if f.repo.MarkCancelled(ctx, "a", "again") {
		t.Fatal("terminal task must not be cancelled twice")
	}
	if f.repo.MarkCancelled(ctx, "", "x") {
		t.Fatal("empty id must return false")
	}
}
