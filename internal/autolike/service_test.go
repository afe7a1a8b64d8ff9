package autolike

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"likebot/internal/dispatch"
	"likebot/internal/quota"
	"likebot/internal/storage"
	"likebot/internal/taskstore"
	kit "likebot/internal/transport"
	logx "likebot/pkg/logx"
)

type fakeSender struct {
	mu      sync.Mutex
	results []dispatch.Result
	calls   []string
	block   chan struct{} // when set, Send parks here after recording the call
}

func (f *fakeSender) Send(_ context.Context, uid string, _ int) dispatch.Result {
	f.mu.Lock()
	f.calls = append(f.calls, uid)
	block := f.block
	r := dispatch.Result{Outcome: dispatch.Success, Attempts: 1}
	if len(f.results) > 0 {
		r = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return r
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []kit.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n kit.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notes)
}

type fixture struct {
	svc    *Service
	db     *storage.DB
	ledger *quota.Ledger
	tasks  *taskstore.Store
	sender *fakeSender
	notes  *fakeNotifier
}

func newFixture(t *testing.T, defaultDaily int) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ledger := quota.New(db, defaultDaily, logx.Nop())
	tasks := taskstore.New(db, logx.Nop())
	sender := &fakeSender{}
	notes := &fakeNotifier{}
	svc := New(Config{
		Enabled:  true,
		Timezone: "UTC",
		Workers:  2,
	}, ledger, tasks, sender, notes, logx.Nop())
	return &fixture{svc: svc, db: db, ledger: ledger, tasks: tasks, sender: sender, notes: notes}
}

func TestFireOneCommits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	ctx := context.Background()

	_ = f.ledger.SetPermitted(ctx, 1, true)
	task, err := f.tasks.Create(ctx, 1, "111", 3, "07:00")
	if err != nil {
		t.Fatal(err)
	}

	out := f.svc.fireOne(ctx, task, "2026-09-01")
	if out != OutcomeFired {
		t.Fatalf("outcome = %s, want fired", out)
	}
	u, _, _ := f.db.GetUser(ctx, 1)
	if u.ConsumedToday != 3 {
		t.Fatalf("ConsumedToday = %d, want 3", u.ConsumedToday)
	}
	got := taskOf(t, f, 1)
	if got.LastFired != "2026-09-01" || got.Status != storage.TaskActive {
		t.Fatalf("task after fire = %+v", got)
	}
	if f.notes.count() == 0 {
		t.Fatal("owner not notified")
	}
}

func TestFireOneQuotaSkip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	ctx := context.Background()

	_ = f.ledger.SetPermitted(ctx, 1, true)
	task, err := f.tasks.Create(ctx, 1, "111", 3, "07:00")
	if err != nil {
		t.Fatal(err)
	}

	out := f.svc.fireOne(ctx, task, "2026-09-01")
	if out != OutcomeSkippedQuota {
		t.Fatalf("outcome = %s, want skipped_quota", out)
	}
	if f.sender.callCount() != 0 {
		t.Fatal("dispatched despite quota denial")
	}
	u, _, _ := f.db.GetUser(ctx, 1)
	if u.ConsumedToday != 0 {
		t.Fatalf("quota consumed on skip: %d", u.ConsumedToday)
	}
	got := taskOf(t, f, 1)
	if got.LastFired != "2026-09-01" || got.Status != storage.TaskActive {
		t.Fatalf("task after skip = %+v", got)
	}
}

func TestFireOnePermissionSkip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	ctx := context.Background()

	// Create the task while permitted, then revoke.
	_ = f.ledger.SetPermitted(ctx, 1, true)
	task, err := f.tasks.Create(ctx, 1, "111", 1, "07:00")
	if err != nil {
		t.Fatal(err)
	}
	_ = f.ledger.SetPermitted(ctx, 1, false)

	out := f.svc.fireOne(ctx, task, "2026-09-01")
	if out != OutcomeSkippedPermission {
		t.Fatalf("outcome = %s, want skipped_permission", out)
	}
	if f.sender.callCount() != 0 {
		t.Fatal("dispatched despite revoked permission")
	}
	got := taskOf(t, f, 1)
	if got.LastFired != "2026-09-01" || got.Status != storage.TaskActive {
		t.Fatalf("task after skip = %+v", got)
	}
}

func TestFireOneFatalPauses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	ctx := context.Background()

	_ = f.ledger.SetPermitted(ctx, 1, true)
	task, err := f.tasks.Create(ctx, 1, "111", 1, "07:00")
	if err != nil {
		t.Fatal(err)
	}
	f.sender.results = []dispatch.Result{{
		Outcome: dispatch.FatalFailure, Attempts: 4, Err: errors.New("provider rejected request: 404"),
	}}

	out := f.svc.fireOne(ctx, task, "2026-09-01")
	if out != OutcomeFailedFatal {
		t.Fatalf("outcome = %s, want failed_fatal", out)
	}
	u, _, _ := f.db.GetUser(ctx, 1)
	if u.ConsumedToday != 0 {
		t.Fatalf("quota consumed on failure: %d", u.ConsumedToday)
	}
	got := taskOf(t, f, 1)
	if got.Status != storage.TaskPaused || got.LastFired != "2026-09-01" {
		t.Fatalf("task after fatal = %+v", got)
	}
}

func TestRunAllFiresOncePerDay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		_ = f.ledger.SetPermitted(ctx, id, true)
		if _, err := f.tasks.Create(ctx, id, "uid", 1, "23:59"); err != nil {
			t.Fatal(err)
		}
	}

	n, err := f.svc.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll error: %v", err)
	}
	if n != 2 {
		t.Fatalf("attempted = %d, want 2", n)
	}
	if f.sender.callCount() != 2 {
		t.Fatalf("dispatches = %d, want 2", f.sender.callCount())
	}

	// Same day, nothing left to do.
	n, err = f.svc.RunAll(ctx)
	if err != nil {
		t.Fatalf("second RunAll error: %v", err)
	}
	if n != 0 || f.sender.callCount() != 2 {
		t.Fatalf("second run attempted %d, dispatches %d", n, f.sender.callCount())
	}
}

func TestRunCycleFiresDueTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	ctx := context.Background()

	_ = f.ledger.SetPermitted(ctx, 1, true)
	// Midnight is always in the past for the current day.
	_, err := f.tasks.Create(ctx, 1, "111", 1, "00:00")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	got := taskOf(t, f, 1)
	if got.LastFired == "" {
		t.Fatal("task not fired")
	}

	// Re-running the same cycle is a no-op.
	if err := f.svc.RunCycle(ctx); err != nil {
		t.Fatalf("second RunCycle error: %v", err)
	}
	if f.sender.callCount() != 1 {
		t.Fatalf("dispatches = %d, want 1", f.sender.callCount())
	}
}

func taskOf(t *testing.T, f *fixture, userID int64) storage.Task {
	t.Helper()
	tasks, err := f.tasks.ListByOwner(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("user %d has %d tasks, want 1", userID, len(tasks))
	}
	return tasks[0]
}

func TestApplyTimezone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	if got := f.svc.Location().String(); got != "UTC" {
		t.Fatalf("initial location = %s", got)
	}
	f.svc.Apply(Config{Enabled: true, Timezone: "bogus/zone"})
	if got := f.svc.Location().String(); got != "UTC" {
		t.Fatalf("bad timezone location = %s, want UTC fallback", got)
	}
	if f.svc.DefaultTime() != "07:00" {
		t.Fatalf("DefaultTime = %s, want default 07:00", f.svc.DefaultTime())
	}
}

func TestApplyTimezoneWhileCycleRuns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	ctx := context.Background()

	_ = f.ledger.SetPermitted(ctx, 1, true)
	if _, err := f.tasks.Create(ctx, 1, "111", 1, "00:00"); err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	f.sender.block = release

	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	// Drive a cycle the way the cron loop does and wait until it is parked
	// inside the dispatch.
	go f.svc.tick()
	deadline := time.Now().Add(3 * time.Second)
	for f.sender.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cycle never reached the sender")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A timezone reload must not wait on the in-flight cycle.
	done := make(chan struct{})
	go func() {
		f.svc.Apply(Config{Enabled: true, Timezone: "Local", Workers: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Apply blocked behind a dispatching cycle")
	}
	if got := f.svc.Location().String(); got != "Local" {
		t.Fatalf("location after Apply = %s, want Local", got)
	}

	close(release)
	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	f.svc.Stop(stopCtx)
	if got := taskOf(t, f, 1); got.LastFired == "" {
		t.Fatal("in-flight cycle did not finish")
	}
}

func TestStartStopDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	f.svc.Apply(Config{Enabled: false, Timezone: "UTC"})
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start disabled error: %v", err)
	}
	// Stop on a never-started service is a no-op.
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.svc.Stop(stopCtx)
}
