package taskstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"likebot/internal/storage"
	logx "likebot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "t.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logx.Nop())
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "07:00", want: "07:00"},
		{raw: "7:5", want: "07:05"},
		{raw: " 23:59 ", want: "23:59"},
		{raw: "0:0", want: "00:00"},
		{raw: "24:00", wantErr: true},
		{raw: "12:60", wantErr: true},
		{raw: "noon", wantErr: true},
		{raw: "12", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseClock(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseClock(%q) = %q, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseClock(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseClock(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, 1, "", 1, "07:00"); err == nil {
		t.Fatal("empty uid accepted")
	}
	if _, err := s.Create(ctx, 1, "111", 0, "07:00"); err == nil {
		t.Fatal("zero count accepted")
	}
	if _, err := s.Create(ctx, 1, "111", 1, "25:00"); err == nil {
		t.Fatal("bad clock accepted")
	}

	task, err := s.Create(ctx, 1, " 111 ", 2, "7:5")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if task.ID == 0 || task.TargetUID != "111" || task.ScheduledAt != "07:05" {
		t.Fatalf("created task = %+v", task)
	}

	_, err = s.Create(ctx, 1, "222", 1, "08:00")
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate Create = %v, want ErrDuplicateTask", err)
	}
}

func TestDueFiresOncePerDay(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, 1, "111", 1, "07:00")
	if err != nil {
		t.Fatal(err)
	}

	day1 := time.Date(2026, 9, 1, 7, 30, 0, 0, time.UTC)
	due, err := s.ListDue(ctx, day1)
	if err != nil || len(due) != 1 {
		t.Fatalf("ListDue = %d tasks, err %v", len(due), err)
	}

	// Before the scheduled minute nothing is due.
	early := time.Date(2026, 9, 1, 6, 59, 0, 0, time.UTC)
	if due, _ := s.ListDue(ctx, early); len(due) != 0 {
		t.Fatalf("early ListDue = %d tasks", len(due))
	}

	if err := s.MarkFired(ctx, task.ID, DateKey(day1), false); err != nil {
		t.Fatal(err)
	}
	if due, _ := s.ListDue(ctx, day1); len(due) != 0 {
		t.Fatal("task still due after firing")
	}

	// Next day it is due again.
	day2 := day1.AddDate(0, 0, 1)
	if due, _ := s.ListDue(ctx, day2); len(due) != 1 {
		t.Fatal("task not due the next day")
	}
}

func TestMarkFiredFatalPauses(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.Create(ctx, 1, "111", 1, "07:00")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFired(ctx, task.ID, "2026-09-01", true); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.ActiveByUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("paused task still active: %+v", got)
	}

	// Never due while paused, even days later.
	later := time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)
	if due, _ := s.ListDue(ctx, later); len(due) != 0 {
		t.Fatal("paused task listed as due")
	}

	if err := s.Resume(ctx, 1); err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	if due, _ := s.ListDue(ctx, later); len(due) != 1 {
		t.Fatal("resumed task not due")
	}
}

func TestRemoveAndResumeNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Remove(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove with no task = %v, want ErrNotFound", err)
	}
	if err := s.Resume(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resume with no task = %v, want ErrNotFound", err)
	}

	if _, err := s.Create(ctx, 1, "111", 1, "07:00"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, 1); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if tasks, _ := s.ListByOwner(ctx, 1); len(tasks) != 0 {
		t.Fatalf("ListByOwner after remove = %+v", tasks)
	}

	// Removal frees the unique-active slot.
	if _, err := s.Create(ctx, 1, "222", 1, "08:00"); err != nil {
		t.Fatalf("Create after remove: %v", err)
	}
}
