package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (the only supported driver)
//
// If Driver is empty, "sqlite" is assumed.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// TaskStatus is the lifecycle state of an auto-like task.
type TaskStatus string

const (
	TaskActive  TaskStatus = "active"
	TaskPaused  TaskStatus = "paused"
	TaskDeleted TaskStatus = "deleted"
)

// UserRecord is the per-user permission and quota row.
//
// DailyLimit is nil when no admin override is set; callers resolve the
// effective limit against the configured default.
type UserRecord struct {
	UserID        int64
	Permitted     bool
	DailyLimit    *int
	ConsumedToday int
}

// Task is one auto-like registration.
type Task struct {
	ID          int64
	UserID      int64
	TargetUID   string
	LikeCount   int
	ScheduledAt string // "HH:MM"
	LastFired   string // "YYYY-MM-DD", empty if never fired
	Status      TaskStatus
	CreatedAt   time.Time
}

// Stats is an aggregate snapshot for the admin surface.
type Stats struct {
	TotalUsers     int
	PermittedUsers int
	ActiveTasks    int
	PausedTasks    int
}
