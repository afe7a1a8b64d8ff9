package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"likebot/internal/storage"
	logx "likebot/pkg/logx"
)

var (
	ErrNotPermitted  = errors.New("not permitted")
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrInvariantViolation means a consume would push consumed_today past
	// the daily limit. Defensive: it should never trigger when callers
	// honor Authorize first.
	ErrInvariantViolation = errors.New("quota invariant violation")
)

// DenyReason classifies a denied authorization.
type DenyReason string

const (
	DenyNotPermitted  DenyReason = "not_permitted"
	DenyQuotaExceeded DenyReason = "quota_exceeded"
)

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Reason  DenyReason // set when !Allowed
	Used    int
	Limit   int
}

// Err maps a denial onto the package sentinel errors. Nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case DenyNotPermitted:
		return ErrNotPermitted
	default:
		return ErrQuotaExceeded
	}
}

// Entry is one user's ledger row with the effective limit resolved.
type Entry struct {
	UserID    int64
	Permitted bool
	Limit     int
	Override  bool
	Used      int
}

const lockStripes = 64

// Ledger tracks per-user permission state and daily consumption.
//
// The authorize+consume pair for one user is serialized through a striped
// per-user mutex; the consume itself is additionally a guarded SQL update,
// so consumed_today can never exceed the effective limit even if callers
// race across processes.
type Ledger struct {
	db  *storage.DB
	log logx.Logger

	mu           sync.Mutex
	defaultDaily int

	locks [lockStripes]sync.Mutex
}

func New(db *storage.DB, defaultDaily int, log logx.Logger) *Ledger {
	if defaultDaily < 0 {
		defaultDaily = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{db: db, log: log, defaultDaily: defaultDaily}
}

// SetDefaultDaily updates the system-wide default limit (config hot reload).
func (l *Ledger) SetDefaultDaily(n int) {
	if n < 0 {
		n = 0
	}
	l.mu.Lock()
	l.defaultDaily = n
	l.mu.Unlock()
}

func (l *Ledger) defaultLimit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.defaultDaily
}

func (l *Ledger) userLock(userID int64) *sync.Mutex {
	return &l.locks[uint64(userID)%lockStripes]
}

func (l *Ledger) effectiveLimit(u storage.UserRecord) int {
	if u.DailyLimit != nil {
		return *u.DailyLimit
	}
	return l.defaultLimit()
}

// Authorize checks whether userID may spend the requested units today.
// It does not reserve anything; call Consume after the spend succeeds.
func (l *Ledger) Authorize(ctx context.Context, userID int64, units int) (Decision, error) {
	if units <= 0 {
		return Decision{}, fmt.Errorf("units must be > 0, got %d", units)
	}
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	u, ok, err := l.db.GetUser(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if !ok || !u.Permitted {
		return Decision{Allowed: false, Reason: DenyNotPermitted, Used: u.ConsumedToday, Limit: l.effectiveLimit(u)}, nil
	}
	limit := l.effectiveLimit(u)
	if u.ConsumedToday+units > limit {
		return Decision{Allowed: false, Reason: DenyQuotaExceeded, Used: u.ConsumedToday, Limit: limit}, nil
	}
	return Decision{Allowed: true, Used: u.ConsumedToday, Limit: limit}, nil
}

// Consume records units against the user's daily quota. The underlying
// update is conditional on the effective limit, so concurrent consumers
// cannot overdraw; overdraw attempts surface as ErrInvariantViolation.
func (l *Ledger) Consume(ctx context.Context, userID int64, units int) error {
	if units <= 0 {
		return fmt.Errorf("units must be > 0, got %d", units)
	}
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	u, ok, err := l.db.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unknown user %d", ErrInvariantViolation, userID)
	}
	limit := l.effectiveLimit(u)
	applied, err := l.db.ConsumeWithin(ctx, userID, units, limit)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: user %d consume %d would exceed limit %d (used %d)",
			ErrInvariantViolation, userID, units, limit, u.ConsumedToday)
	}
	return nil
}

// ResetDaily zeroes every user's consumed_today once per calendar day.
// Idempotent: a second call with the same date is a no-op and returns false.
func (l *Ledger) ResetDaily(ctx context.Context, today string) (bool, error) {
	did, err := l.db.ResetDailyConsumption(ctx, today)
	if err != nil {
		return false, err
	}
	if did {
		l.log.Info("daily quota reset", logx.String("date", today))
	}
	return did, nil
}

// ---- admin surface (command layer is the sole writer of these fields) ----

func (l *Ledger) SetPermitted(ctx context.Context, userID int64, permitted bool) error {
	return l.db.SetPermitted(ctx, userID, permitted)
}

func (l *Ledger) SetLimit(ctx context.Context, userID int64, limit int) error {
	if limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", limit)
	}
	return l.db.SetDailyLimit(ctx, userID, &limit)
}

// ClearLimit removes a per-user override; the default applies again.
func (l *Ledger) ClearLimit(ctx context.Context, userID int64) error {
	return l.db.SetDailyLimit(ctx, userID, nil)
}

// Snapshot lists every known user with effective limits resolved.
func (l *Ledger) Snapshot(ctx context.Context) ([]Entry, error) {
	users, err := l.db.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(users))
	for _, u := range users {
		out = append(out, Entry{
			UserID:    u.UserID,
			Permitted: u.Permitted,
			Limit:     l.effectiveLimit(u),
			Override:  u.DailyLimit != nil,
			Used:      u.ConsumedToday,
		})
	}
	return out, nil
}
