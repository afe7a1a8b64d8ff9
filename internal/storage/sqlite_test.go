package storage

import (
	"context"
	"path/filepath"
	"testing"

	logx "likebot/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUserLifecycle(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.GetUser(ctx, 42); err != nil || ok {
		t.Fatalf("GetUser before insert = ok=%v err=%v, want miss", ok, err)
	}
	if err := db.EnsureUser(ctx, 42); err != nil {
		t.Fatalf("EnsureUser error: %v", err)
	}
	// Idempotent.
	if err := db.EnsureUser(ctx, 42); err != nil {
		t.Fatalf("EnsureUser (second) error: %v", err)
	}

	u, ok, err := db.GetUser(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("GetUser = ok=%v err=%v", ok, err)
	}
	if u.Permitted || u.ConsumedToday != 0 || u.DailyLimit != nil {
		t.Fatalf("unexpected defaults: %+v", u)
	}

	if err := db.SetPermitted(ctx, 42, true); err != nil {
		t.Fatalf("SetPermitted error: %v", err)
	}
	n := 7
	if err := db.SetDailyLimit(ctx, 42, &n); err != nil {
		t.Fatalf("SetDailyLimit error: %v", err)
	}
	u, _, _ = db.GetUser(ctx, 42)
	if !u.Permitted || u.DailyLimit == nil || *u.DailyLimit != 7 {
		t.Fatalf("after updates: %+v", u)
	}

	if err := db.SetDailyLimit(ctx, 42, nil); err != nil {
		t.Fatalf("clear limit error: %v", err)
	}
	u, _, _ = db.GetUser(ctx, 42)
	if u.DailyLimit != nil {
		t.Fatalf("limit not cleared: %+v", u)
	}

	// SetPermitted on an unknown user upserts the row.
	if err := db.SetPermitted(ctx, 99, true); err != nil {
		t.Fatalf("SetPermitted upsert error: %v", err)
	}
	if _, ok, _ := db.GetUser(ctx, 99); !ok {
		t.Fatal("upserted user missing")
	}
}

func TestConsumeWithinGuard(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.EnsureUser(ctx, 1); err != nil {
		t.Fatal(err)
	}
	ok, err := db.ConsumeWithin(ctx, 1, 3, 5)
	if err != nil || !ok {
		t.Fatalf("ConsumeWithin(3, limit 5) = %v, %v", ok, err)
	}
	ok, err = db.ConsumeWithin(ctx, 1, 3, 5)
	if err != nil || ok {
		t.Fatalf("ConsumeWithin over limit = %v, %v, want rejected", ok, err)
	}
	ok, err = db.ConsumeWithin(ctx, 1, 2, 5)
	if err != nil || !ok {
		t.Fatalf("ConsumeWithin exact fill = %v, %v", ok, err)
	}
	u, _, _ := db.GetUser(ctx, 1)
	if u.ConsumedToday != 5 {
		t.Fatalf("ConsumedToday = %d, want 5", u.ConsumedToday)
	}
}

func TestResetDailyConsumptionIdempotent(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	_ = db.EnsureUser(ctx, 1)
	if _, err := db.ConsumeWithin(ctx, 1, 4, 10); err != nil {
		t.Fatal(err)
	}

	did, err := db.ResetDailyConsumption(ctx, "2026-09-01")
	if err != nil || !did {
		t.Fatalf("first reset = %v, %v", did, err)
	}
	u, _, _ := db.GetUser(ctx, 1)
	if u.ConsumedToday != 0 {
		t.Fatalf("ConsumedToday after reset = %d", u.ConsumedToday)
	}

	if _, err := db.ConsumeWithin(ctx, 1, 2, 10); err != nil {
		t.Fatal(err)
	}
	did, err = db.ResetDailyConsumption(ctx, "2026-09-01")
	if err != nil || did {
		t.Fatalf("same-day reset = %v, %v, want no-op", did, err)
	}
	u, _, _ = db.GetUser(ctx, 1)
	if u.ConsumedToday != 2 {
		t.Fatalf("no-op reset changed consumption: %d", u.ConsumedToday)
	}

	did, err = db.ResetDailyConsumption(ctx, "2026-09-02")
	if err != nil || !did {
		t.Fatalf("next-day reset = %v, %v", did, err)
	}
}

func TestCreateTaskUniqueActive(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	id, dup, err := db.CreateTask(ctx, Task{UserID: 1, TargetUID: "111", LikeCount: 2, ScheduledAt: "07:00"})
	if err != nil || dup || id == 0 {
		t.Fatalf("first CreateTask = id=%d dup=%v err=%v", id, dup, err)
	}
	_, dup, err = db.CreateTask(ctx, Task{UserID: 1, TargetUID: "222", LikeCount: 1, ScheduledAt: "08:00"})
	if err != nil || !dup {
		t.Fatalf("second CreateTask = dup=%v err=%v, want dup", dup, err)
	}

	// After soft delete the owner may register again.
	if _, err := db.RemoveTasksByOwner(ctx, 1); err != nil {
		t.Fatal(err)
	}
	_, dup, err = db.CreateTask(ctx, Task{UserID: 1, TargetUID: "333", LikeCount: 1, ScheduledAt: "09:00"})
	if err != nil || dup {
		t.Fatalf("CreateTask after removal = dup=%v err=%v", dup, err)
	}
}

func TestListDueTasks(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	mustCreate := func(user int64, at string) int64 {
		t.Helper()
		id, dup, err := db.CreateTask(ctx, Task{UserID: user, TargetUID: "u", LikeCount: 1, ScheduledAt: at})
		if err != nil || dup {
			t.Fatalf("CreateTask(%d) dup=%v err=%v", user, dup, err)
		}
		return id
	}
	idA := mustCreate(2, "07:00")
	mustCreate(1, "07:30")
	mustCreate(3, "12:00")

	due, err := db.ListDueTasks(ctx, "2026-09-01", "08:00")
	if err != nil {
		t.Fatalf("ListDueTasks error: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d tasks, want 2", len(due))
	}
	// Ordered by owner id.
	if due[0].UserID != 1 || due[1].UserID != 2 {
		t.Fatalf("order = %d, %d, want 1, 2", due[0].UserID, due[1].UserID)
	}

	// Firing removes a task from today's due set but not tomorrow's.
	if err := db.MarkTaskFired(ctx, idA, "2026-09-01", TaskActive); err != nil {
		t.Fatal(err)
	}
	due, _ = db.ListDueTasks(ctx, "2026-09-01", "08:00")
	if len(due) != 1 || due[0].UserID != 1 {
		t.Fatalf("after fire: %+v", due)
	}
	due, _ = db.ListDueTasks(ctx, "2026-09-02", "08:00")
	if len(due) != 2 {
		t.Fatalf("next day due = %d tasks, want 2", len(due))
	}

	// Paused tasks never show up.
	if err := db.MarkTaskFired(ctx, idA, "2026-09-01", TaskPaused); err != nil {
		t.Fatal(err)
	}
	due, _ = db.ListDueTasks(ctx, "2026-09-02", "08:00")
	if len(due) != 1 {
		t.Fatalf("paused task still due: %+v", due)
	}

	// Resume brings it back.
	if n, err := db.ResumeTask(ctx, 2); err != nil || n != 1 {
		t.Fatalf("ResumeTask = %d, %v", n, err)
	}
	due, _ = db.ListDueTasks(ctx, "2026-09-02", "08:00")
	if len(due) != 2 {
		t.Fatalf("resumed task missing: %+v", due)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	_ = db.EnsureUser(ctx, 1)
	_ = db.SetPermitted(ctx, 2, true)
	id, _, _ := db.CreateTask(ctx, Task{UserID: 1, TargetUID: "a", LikeCount: 1, ScheduledAt: "07:00"})
	_, _, _ = db.CreateTask(ctx, Task{UserID: 2, TargetUID: "b", LikeCount: 1, ScheduledAt: "07:00"})
	_ = db.MarkTaskFired(ctx, id, "2026-09-01", TaskPaused)

	st, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	want := Stats{TotalUsers: 2, PermittedUsers: 1, ActiveTasks: 1, PausedTasks: 1}
	if st != want {
		t.Fatalf("Stats = %+v, want %+v", st, want)
	}
}
