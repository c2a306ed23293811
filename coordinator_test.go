package relayd

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/ids"
	"pkt.systems/relayd/internal/kv/memory"
	"pkt.systems/relayd/internal/publisher"
	"pkt.systems/relayd/internal/reliability"
	"pkt.systems/relayd/internal/relstore"
	"pkt.systems/relayd/internal/tasks"
)

var testEpoch = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type cluster struct {
	clock *clock.Manual
	kv    *memory.Store
	db    *relstore.SQL
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	dsn := "file:" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := relstore.OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewManual(testEpoch)
	return &cluster{clock: clk, kv: memory.NewWithClock(clk), db: db}
}

func (c *cluster) coordinator(t *testing.T, id string, cfg Config, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithInstanceID(id), WithClock(c.clock), WithKV(c.kv), WithRelStore(c.db)}, opts...)
	coord, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new coordinator %s: %v", id, err)
	}
	t.Cleanup(func() { _ = coord.Shutdown(context.Background()) })
	return coord
}

type recordingUpstream struct {
	name string
	mu   sync.Mutex
	log  []string
	fail error
}

func (u *recordingUpstream) record(event string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.log = append(u.log, u.name+"."+event)
}

func (u *recordingUpstream) Connect(context.Context) error {
	u.record("connect")
	return u.fail
}

func (u *recordingUpstream) Disconnect(context.Context) error {
	u.record("disconnect")
	return nil
}

func (u *recordingUpstream) events() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.log...)
}

func sameEvents(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestCoordinatorUpstreamFailover(t *testing.T) {
	cl := newCluster(t)
	ctx := context.Background()
	upA := &recordingUpstream{name: "a"}
	upB := &recordingUpstream{name: "b"}
	a := cl.coordinator(t, "inst-a", Config{}, WithUpstream(upA))
	b := cl.coordinator(t, "inst-b", Config{}, WithUpstream(upB))

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if !a.IsLeader() || b.IsLeader() {
		t.Fatalf("expected a to lead: a=%v b=%v", a.IsLeader(), b.IsLeader())
	}
	if !a.UpstreamConnected() || b.UpstreamConnected() {
		t.Fatalf("only the leader may hold the upstream")
	}
	instances, err := a.Registry().ActiveInstances(ctx)
	if err != nil || len(instances) != 2 {
		t.Fatalf("expected two live instances, got %v (%v)", instances, err)
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown a: %v", err)
	}
	if !sameEvents(upA.events(), []string{"a.connect", "a.disconnect"}) {
		t.Fatalf("unexpected upstream events for a: %v", upA.events())
	}
	if !b.Elector().Refresh(ctx) {
		t.Fatalf("b should take over the released lease")
	}
	if !b.UpstreamConnected() {
		t.Fatalf("b should connect after election")
	}
	if err := a.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed restarting a, got %v", err)
	}
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown b: %v", err)
	}
	if !sameEvents(upB.events(), []string{"b.connect", "b.disconnect"}) {
		t.Fatalf("unexpected upstream events for b: %v", upB.events())
	}
	if _, ok := b.Locks().Holder(ctx, "upstream"); ok {
		t.Fatalf("lease must be released on shutdown")
	}
}

func TestCoordinatorUpstreamBreaker(t *testing.T) {
	cl := newCluster(t)
	ctx := context.Background()
	up := &recordingUpstream{name: "a", fail: errors.New("connection refused")}
	a := cl.coordinator(t, "inst-a", Config{BreakerThreshold: 2}, WithUpstream(up))
	for i := 0; i < 4; i++ {
		if !a.Elector().Refresh(ctx) {
			t.Fatalf("refresh %d lost the lease", i)
		}
	}
	if a.UpstreamConnected() {
		t.Fatalf("failing upstream reported connected")
	}
	if got := len(up.events()); got != 2 {
		t.Fatalf("expected breaker to stop connects after 2 failures, got %d attempts", got)
	}
	if a.Breaker().State() != reliability.StateOpen {
		t.Fatalf("expected open breaker, got %s", a.Breaker().State())
	}
}

func TestSweepStalledResetsOnLeaderOnly(t *testing.T) {
	cl := newCluster(t)
	ctx := context.Background()
	a := cl.coordinator(t, "inst-a", Config{})
	b := cl.coordinator(t, "inst-b", Config{})

	if err := a.Tasks().Create(ctx, tasks.Task{ID: "task-1", UserID: "user-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !b.Tasks().Claim(ctx, "task-1", b.InstanceID()) {
		t.Fatalf("claim failed")
	}
	cl.clock.Advance(DefaultStallMaxAge + time.Minute)

	if !a.Elector().Refresh(ctx) {
		t.Fatalf("a should lead")
	}
	if n, err := b.SweepStalled(ctx); err != nil || n != 0 {
		t.Fatalf("follower sweep: n=%d err=%v", n, err)
	}
	n, err := a.SweepStalled(ctx)
	if err != nil {
		t.Fatalf("leader sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}
	task := a.Tasks().FindByID(ctx, "task-1")
	if task == nil || task.Status != tasks.StatusQueued || task.ClaimedBy != nil {
		t.Fatalf("task not requeued: %+v", task)
	}
	if n, _ := a.SweepStalled(ctx); n != 0 {
		t.Fatalf("second sweep reset %d tasks", n)
	}
}

func TestForwardToLeader(t *testing.T) {
	cl := newCluster(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		auth string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		auth = r.Header.Get("Authorization")
		body = r.URL.Path + " " + string(raw)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	idle := cl.coordinator(t, "inst-idle", Config{})
	if err := idle.ForwardToLeader(ctx, []byte("{}"), nil); !errors.Is(err, ErrNoLeader) {
		t.Fatalf("expected ErrNoLeader, got %v", err)
	}

	a := cl.coordinator(t, "inst-a", Config{AdvertiseAddress: srv.URL, ForwardToken: "tok"})
	b := cl.coordinator(t, "inst-b", Config{ForwardToken: "tok"})
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	leader, err := b.Leader(ctx)
	if err != nil || leader.ID != "inst-a" {
		t.Fatalf("unexpected leader %+v (%v)", leader, err)
	}
	if err := b.ForwardToLeader(ctx, []byte(`{"event":"x"}`), http.Header{"Relay-Signature": {"sha256=00"}}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	mu.Lock()
	gotAuth, gotBody := auth, body
	mu.Unlock()
	if gotAuth != "Bearer tok" || gotBody != `/forward {"event":"x"}` {
		t.Fatalf("unexpected forwarded request auth=%q body=%q", gotAuth, gotBody)
	}
	if err := a.ForwardToLeader(ctx, nil, nil); !reliability.IsValidation(err) {
		t.Fatalf("leader forwarding to itself should be rejected, got %v", err)
	}
}

type countingQueue struct {
	mu    sync.Mutex
	calls int
}

func (q *countingQueue) PublishJSON(context.Context, publisher.Request) (publisher.Response, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return publisher.Response{MessageID: "queued-1"}, nil
}

func TestCoordinatorPublisherModes(t *testing.T) {
	cl := newCluster(t)
	ctx := context.Background()

	degraded := cl.coordinator(t, "inst-a", Config{})
	if !degraded.Publisher().Degraded() {
		t.Fatalf("expected degraded publisher without a queue")
	}
	id, err := degraded.Publisher().Publish(ctx, "events", map[string]int{"n": 1}, publisher.PublishOptions{})
	if err != nil || !strings.HasPrefix(id, ids.LocalMessagePrefix) {
		t.Fatalf("degraded publish: id=%q err=%v", id, err)
	}

	q := &countingQueue{}
	wired := cl.coordinator(t, "inst-b", Config{QueueBaseURL: "https://hooks.example"}, WithQueue(q))
	id, err = wired.Publisher().Publish(ctx, "events", "x", publisher.PublishOptions{})
	if err != nil || id != "queued-1" || q.calls != 1 {
		t.Fatalf("queued publish: id=%q err=%v calls=%d", id, err, q.calls)
	}
}

func TestShutdownWithoutStartFlushes(t *testing.T) {
	cl := newCluster(t)
	ctx := context.Background()
	a := cl.coordinator(t, "inst-a", Config{})
	if err := a.Tasks().Create(ctx, tasks.Task{ID: "task-1", UserID: "user-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	a.Tasks().Buffer().Add(tasks.PendingUpdate{TaskID: "task-1", Status: tasks.StatusUploading, Timestamp: testEpoch.UnixMilli()})
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := a.Tasks().Buffer().PendingCount(); got != 0 {
		t.Fatalf("expected empty buffer after shutdown, got %d", got)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
