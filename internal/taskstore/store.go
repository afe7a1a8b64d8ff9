package taskstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"likebot/internal/storage"
	logx "likebot/pkg/logx"
)

var (
	// ErrDuplicateTask means the owner already has an active task.
	ErrDuplicateTask = errors.New("duplicate task")
	ErrNotFound      = errors.New("task not found")
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// DateKey renders t as the scheduling-day key ("YYYY-MM-DD").
func DateKey(t time.Time) string { return t.Format(dateLayout) }

// ClockKey renders t as a wall-clock key ("HH:MM").
func ClockKey(t time.Time) string { return t.Format(clockLayout) }

// ParseClock validates an "HH:MM" wall-clock string and normalizes it to
// zero-padded form so stored values compare correctly as text.
func ParseClock(s string) (string, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return "", fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return "", fmt.Errorf("invalid minute in %q", s)
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// Store is the durable set of auto-like task registrations: at most one
// active task per user.
type Store struct {
	db  *storage.DB
	log logx.Logger
}

func New(db *storage.DB, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, log: log}
}

// Create registers a new active task for userID. Fails with
// ErrDuplicateTask when the user already has one.
func (s *Store) Create(ctx context.Context, userID int64, targetUID string, likeCount int, atHHMM string) (storage.Task, error) {
	targetUID = strings.TrimSpace(targetUID)
	if targetUID == "" {
		return storage.Task{}, errors.New("target uid is required")
	}
	if likeCount <= 0 {
		return storage.Task{}, fmt.Errorf("like count must be > 0, got %d", likeCount)
	}
	at, err := ParseClock(atHHMM)
	if err != nil {
		return storage.Task{}, err
	}

	t := storage.Task{
		UserID:      userID,
		TargetUID:   targetUID,
		LikeCount:   likeCount,
		ScheduledAt: at,
		Status:      storage.TaskActive,
	}
	id, dup, err := s.db.CreateTask(ctx, t)
	if err != nil {
		return storage.Task{}, err
	}
	if dup {
		return storage.Task{}, fmt.Errorf("%w: user %d already has an active task", ErrDuplicateTask, userID)
	}
	t.ID = id
	s.log.Debug("task created",
		logx.Int64("user_id", userID), logx.String("uid", targetUID),
		logx.Int("count", likeCount), logx.String("at", at))
	return t, nil
}

// ListDue returns active tasks whose scheduled time has passed for now's
// calendar day and which have not fired today, ordered by user id.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]storage.Task, error) {
	return s.db.ListDueTasks(ctx, DateKey(now), ClockKey(now))
}

// MarkFired stamps last_fired for the given scheduling day. The status is
// left untouched unless the firing ended in a fatal outcome, which pauses
// the task.
func (s *Store) MarkFired(ctx context.Context, taskID int64, date string, fatal bool) error {
	status := storage.TaskActive
	if fatal {
		status = storage.TaskPaused
	}
	return s.db.MarkTaskFired(ctx, taskID, date, status)
}

// Remove soft-deletes the user's tasks. Returns ErrNotFound when there was
// nothing to remove.
func (s *Store) Remove(ctx context.Context, userID int64) error {
	n, err := s.db.RemoveTasksByOwner(ctx, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Resume reactivates a paused task after a fatal outcome.
func (s *Store) Resume(ctx context.Context, userID int64) error {
	n, err := s.db.ResumeTask(ctx, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListByOwner(ctx context.Context, userID int64) ([]storage.Task, error) {
	return s.db.ListTasksByOwner(ctx, userID)
}

func (s *Store) ActiveByUser(ctx context.Context, userID int64) (storage.Task, bool, error) {
	return s.db.ActiveTaskByUser(ctx, userID)
}
