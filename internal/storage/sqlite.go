package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "likebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// DB is the durable layer shared by the quota ledger and the task store.
// It owns a single SQLite handle; SQLite prefers a single writer, so the
// pool is capped at one connection, which also serializes writes.
type DB struct {
	db   *sql.DB
	path string
	log  logx.Logger
}

// Path returns the database file backing this handle.
func (s *DB) Path() string { return s.path }

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if driver != "sqlite" && driver != "sqlite3" {
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &DB{db: db, path: cfg.Path, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *DB) EnsureUser(ctx context.Context, userID int64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, updated_at) VALUES(?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, nowStamp(),
	)
	return err
}

func (s *DB) GetUser(ctx context.Context, userID int64) (UserRecord, bool, error) {
	if s == nil || s.db == nil {
		return UserRecord{}, false, ErrClosed
	}
	var (
		u     UserRecord
		perm  int
		limit sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, permitted, daily_limit, consumed_today FROM users WHERE user_id = ?`,
		userID,
	).Scan(&u.UserID, &perm, &limit, &u.ConsumedToday)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, err
	}
	u.Permitted = perm != 0
	if limit.Valid {
		n := int(limit.Int64)
		u.DailyLimit = &n
	}
	return u, true, nil
}

func (s *DB) SetPermitted(ctx context.Context, userID int64, permitted bool) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	p := 0
	if permitted {
		p = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, permitted, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET permitted=excluded.permitted, updated_at=excluded.updated_at`,
		userID, p, nowStamp(),
	)
	return err
}

// SetDailyLimit sets a per-user override. A nil limit clears the override so
// the system-wide default applies again.
func (s *DB) SetDailyLimit(ctx context.Context, userID int64, limit *int) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	var v any
	if limit != nil {
		v = *limit
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, daily_limit, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET daily_limit=excluded.daily_limit, updated_at=excluded.updated_at`,
		userID, v, nowStamp(),
	)
	return err
}

// ConsumeWithin atomically adds units to consumed_today, guarded by the
// effective limit. Returns false when the increment would exceed the limit;
// the row is left unchanged in that case.
func (s *DB) ConsumeWithin(ctx context.Context, userID int64, units, limit int) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET consumed_today = consumed_today + ?, updated_at = ?
		 WHERE user_id = ? AND consumed_today + ? <= ?`,
		units, nowStamp(), userID, units, limit,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DB) ListUsers(ctx context.Context) ([]UserRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, permitted, daily_limit, consumed_today FROM users ORDER BY user_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserRecord
	for rows.Next() {
		var (
			u     UserRecord
			perm  int
			limit sql.NullInt64
		)
		if err := rows.Scan(&u.UserID, &perm, &limit, &u.ConsumedToday); err != nil {
			return nil, err
		}
		u.Permitted = perm != 0
		if limit.Valid {
			n := int(limit.Int64)
			u.DailyLimit = &n
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ResetDailyConsumption zeroes consumed_today for all users, at most once per
// calendar day. The last-reset marker and the reset run in one transaction so
// a crash cannot leave the two out of sync.
func (s *DB) ResetDailyConsumption(ctx context.Context, today string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var last string
	err = tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'last_reset_date'`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if last == today {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET consumed_today = 0, updated_at = ?`, nowStamp()); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('last_reset_date', ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		today,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ---- tasks ----

// CreateTask inserts a new active task. dup reports that the owner already
// has an active task; the partial unique index is the backstop for races.
func (s *DB) CreateTask(ctx context.Context, t Task) (id int64, dup bool, err error) {
	if s == nil || s.db == nil {
		return 0, false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(user_id, target_uid, like_count, scheduled_at, status, created_at)
		 VALUES(?,?,?,?,'active',?)`,
		t.UserID, t.TargetUID, t.LikeCount, t.ScheduledAt, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, true, nil
		}
		return 0, false, err
	}
	id, err = res.LastInsertId()
	return id, false, err
}

func (s *DB) ActiveTaskByUser(ctx context.Context, userID int64) (Task, bool, error) {
	if s == nil || s.db == nil {
		return Task{}, false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, target_uid, like_count, scheduled_at, last_fired, status, created_at
		 FROM tasks WHERE user_id = ? AND status = 'active'`,
		userID,
	)
	return scanTask(row)
}

// ListDueTasks returns active tasks whose wall-clock time has passed today and
// which have not fired today, ordered by owner id for deterministic runs.
// HH:MM and YYYY-MM-DD strings compare correctly as text.
func (s *DB) ListDueTasks(ctx context.Context, today, nowHHMM string) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, target_uid, like_count, scheduled_at, last_fired, status, created_at
		 FROM tasks
		 WHERE status = 'active' AND scheduled_at <= ? AND (last_fired IS NULL OR last_fired <> ?)
		 ORDER BY user_id ASC`,
		nowHHMM, today,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, ok, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

func (s *DB) MarkTaskFired(ctx context.Context, id int64, date string, status TaskStatus) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_fired = ?, status = ? WHERE id = ?`,
		date, string(status), id,
	)
	return err
}

// RemoveTasksByOwner soft-deletes the owner's non-deleted tasks and returns
// how many rows changed.
func (s *DB) RemoveTasksByOwner(ctx context.Context, userID int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'deleted' WHERE user_id = ? AND status IN ('active','paused')`,
		userID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResumeTask reactivates a paused task (admin surface).
func (s *DB) ResumeTask(ctx context.Context, userID int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'active' WHERE user_id = ? AND status = 'paused'`,
		userID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) ListTasksByOwner(ctx context.Context, userID int64) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, target_uid, like_count, scheduled_at, last_fired, status, created_at
		 FROM tasks WHERE user_id = ? AND status IN ('active','paused') ORDER BY id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, ok, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

func (s *DB) Stats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, ErrClosed
	}
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE permitted = 1),
			(SELECT COUNT(*) FROM tasks WHERE status = 'active'),
			(SELECT COUNT(*) FROM tasks WHERE status = 'paused')
	`).Scan(&st.TotalUsers, &st.PermittedUsers, &st.ActiveTasks, &st.PausedTasks)
	return st, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, bool, error) {
	var (
		t       Task
		fired   sql.NullString
		status  string
		created string
	)
	err := r.Scan(&t.ID, &t.UserID, &t.TargetUID, &t.LikeCount, &t.ScheduledAt, &fired, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	if fired.Valid {
		t.LastFired = fired.String
	}
	t.Status = TaskStatus(status)
	if ts, err := time.Parse(time.RFC3339, created); err == nil {
		t.CreatedAt = ts
	}
	return t, true, nil
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
