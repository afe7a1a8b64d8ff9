// Package autolike runs the daily firing loop: a per-minute cron tick in
// the configured timezone re-evaluates due tasks, so registrations fire at
// their scheduled wall-clock time and missed windows (downtime, restarts)
// catch up on the next tick of the same day.
package autolike

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"likebot/internal/dispatch"
	"likebot/internal/quota"
	"likebot/internal/storage"
	"likebot/internal/taskstore"
	kit "likebot/internal/transport"
	logx "likebot/pkg/logx"
)

// Outcome of one task firing within a cycle.
type Outcome string

const (
	OutcomeFired             Outcome = "fired"
	OutcomeSkippedPermission Outcome = "skipped_permission"
	OutcomeSkippedQuota      Outcome = "skipped_quota"
	OutcomeFailedFatal       Outcome = "failed_fatal"
	// OutcomePending means the firing did not reach a terminal state and the
	// task stays eligible for the next tick.
	OutcomePending Outcome = "pending"
)

type Config struct {
	Enabled       bool
	Timezone      string        // IANA name; default "Asia/Dhaka"
	DefaultTime   string        // HH:MM used when a task omits its time
	Workers       int           // concurrent firings per cycle; default 5
	ShutdownGrace time.Duration // drain budget on Stop; default 30s
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = "Asia/Dhaka"
	}
	if strings.TrimSpace(c.DefaultTime) == "" {
		c.DefaultTime = "07:00"
	}
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Sender delivers likes to one target UID. Satisfied by *dispatch.Dispatcher.
type Sender interface {
	Send(ctx context.Context, targetUID string, units int) dispatch.Result
}

// Notifier accepts owner-facing outcome messages. Satisfied by
// *notifier.Service; nil-safe via the noopNotifier default.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, kit.Notification) error { return nil }

// Service owns the cron loop and the per-cycle worker pool.
type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	ledger *quota.Ledger
	tasks  *taskstore.Store
	sender Sender
	notify Notifier
	log    logx.Logger

	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	cycleWG sync.WaitGroup

	// ticking guards against overlapping cycles when one runs long.
	ticking bool
}

func New(cfg Config, ledger *quota.Ledger, tasks *taskstore.Store, sender Sender, notify Notifier, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if notify == nil {
		notify = noopNotifier{}
	}
	s := &Service{
		ledger: ledger,
		tasks:  tasks,
		sender: sender,
		notify: notify,
		log:    log,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// DefaultTime returns the fallback HH:MM for registrations without one.
func (s *Service) DefaultTime() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultTime
}

// Location returns the timezone that anchors the scheduling day.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps config at runtime. A timezone change restarts the cron loop
// in the new location. The old loop is drained on a detached goroutine: a
// tick's deferred cleanup needs s.mu, so waiting for it while holding the
// lock would deadlock against an in-flight cycle.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := s.cfg.Timezone
	s.applyLocked(cfg)
	var old *cron.Cron
	if s.c != nil && s.cfg.Timezone != oldTZ {
		old = s.c
		s.c = nil
	}
	loc := s.loc
	s.mu.Unlock()
	if old == nil {
		return
	}

	// Stopped: no new ticks fire; any running cycle finishes on its own and
	// the ticking flag keeps the new loop from overlapping it.
	go func() { <-old.Stop().Done() }()

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc("* * * * *", s.tick); err != nil {
		s.log.Error("cron restart failed", logx.Err(err))
		return
	}
	c.Start()

	s.mu.Lock()
	if s.runCtx == nil {
		// Stop won the race while the restart was in flight.
		s.mu.Unlock()
		<-c.Stop().Done()
		return
	}
	s.c = c
	s.mu.Unlock()
	s.log.Info("autolike cron restarted", logx.String("tz", loc.String()))
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to UTC", logx.String("tz", cfg.Timezone), logx.Err(err))
		loc = time.UTC
	}
	s.loc = loc
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("autolike disabled")
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	if err := s.startCronLocked(); err != nil {
		s.cancel()
		s.runCtx, s.cancel = nil, nil
		return err
	}
	s.log.Info("autolike started",
		logx.String("tz", s.loc.String()), logx.Int("workers", s.cfg.Workers))
	return nil
}

func (s *Service) startCronLocked() error {
	c := cron.New(cron.WithLocation(s.loc))
	if _, err := c.AddFunc("* * * * *", s.tick); err != nil {
		return fmt.Errorf("register minute tick: %w", err)
	}
	c.Start()
	s.c = c
	return nil
}

// Stop halts the tick loop and drains in-flight firings up to the
// configured grace period.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	grace := s.cfg.ShutdownGrace
	s.c = nil
	s.cancel = nil
	s.runCtx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.cycleWG.Wait()
		close(done)
	}()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("autolike stopped")
}

func (s *Service) tick() {
	s.mu.Lock()
	if s.ticking || s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	s.ticking = true
	ctx := s.runCtx
	s.mu.Unlock()
	s.cycleWG.Add(1)
	defer s.cycleWG.Done()
	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	if err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("scheduling cycle failed", logx.Err(err))
	}
}

// RunCycle performs one scheduling pass: roll the quota day over if needed,
// list due tasks and fire them on the worker pool. A failure in one task
// never blocks the rest of the batch.
func (s *Service) RunCycle(ctx context.Context) error {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	now := time.Now().In(loc)

	if _, err := s.ledger.ResetDaily(ctx, taskstore.DateKey(now)); err != nil {
		return fmt.Errorf("daily reset: %w", err)
	}

	due, err := s.tasks.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due tasks: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	s.log.Info("scheduling cycle", logx.Int("due", len(due)), logx.String("at", taskstore.ClockKey(now)))
	s.fireBatch(ctx, due, taskstore.DateKey(now))
	return nil
}

// RunAll fires every active task that has not fired today regardless of its
// scheduled time. Returns the number of tasks attempted.
func (s *Service) RunAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	now := time.Now().In(loc)

	if _, err := s.ledger.ResetDaily(ctx, taskstore.DateKey(now)); err != nil {
		return 0, fmt.Errorf("daily reset: %w", err)
	}

	// End-of-day probe makes every active, unfired task due.
	eod := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 0, 0, loc)
	due, err := s.tasks.ListDue(ctx, eod)
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	s.fireBatch(ctx, due, taskstore.DateKey(now))
	return len(due), nil
}

func (s *Service) fireBatch(ctx context.Context, due []storage.Task, date string) {
	s.mu.Lock()
	workers := s.cfg.Workers
	s.mu.Unlock()
	if workers > len(due) {
		workers = len(due)
	}

	feed := make(chan storage.Task)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range feed {
				s.fireOne(ctx, t, date)
			}
		}()
	}
	for _, t := range due {
		select {
		case feed <- t:
		case <-ctx.Done():
			close(feed)
			wg.Wait()
			return
		}
	}
	close(feed)
	wg.Wait()
}

// fireOne drives a single task through authorize, dispatch, consume and
// stamping. Outcomes:
//
//	fired              dispatched, consumed, stamped
//	skipped_permission owner not permitted; stamped, status unchanged
//	skipped_quota      would exceed the daily limit; stamped, status unchanged
//	failed_fatal       provider rejected or retries exhausted; stamped + paused
//	pending            transient store error or consume conflict; not stamped
func (s *Service) fireOne(ctx context.Context, t storage.Task, date string) (out Outcome) {
	log := s.log.With(
		logx.Int64("task_id", t.ID), logx.Int64("user_id", t.UserID),
		logx.String("uid", t.TargetUID), logx.Int("count", t.LikeCount))
	defer func() {
		if r := recover(); r != nil {
			out = OutcomePending
			log.Error("panic firing task", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	dec, err := s.ledger.Authorize(ctx, t.UserID, t.LikeCount)
	if err != nil {
		log.Error("authorize failed", logx.Err(err))
		return OutcomePending
	}
	if !dec.Allowed {
		return s.finishSkip(ctx, t, date, dec, log)
	}

	res := s.sender.Send(ctx, t.TargetUID, t.LikeCount)
	if res.Outcome != dispatch.Success {
		if err := s.tasks.MarkFired(ctx, t.ID, date, true); err != nil {
			log.Error("mark fired failed", logx.Err(err))
			return OutcomePending
		}
		log.Warn("task paused after fatal dispatch failure",
			logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		s.notifyOwner(ctx, t.UserID, 7, fmt.Sprintf(
			"Auto-like for UID %s failed and the task was paused.\nCheck the UID, then ask an admin to resume it or re-register with /auto.", t.TargetUID))
		return OutcomeFailedFatal
	}

	if err := s.ledger.Consume(ctx, t.UserID, t.LikeCount); err != nil {
		// Likes were already delivered; without a recorded spend we must not
		// stamp the day, so the conflict is visible and retried next tick.
		log.Error("consume after dispatch failed", logx.Err(err))
		s.notifyOwner(ctx, t.UserID, 9, fmt.Sprintf(
			"Auto-like for UID %s was delivered but quota accounting failed. An admin should check /limits.", t.TargetUID))
		return OutcomePending
	}

	if err := s.tasks.MarkFired(ctx, t.ID, date, false); err != nil {
		log.Error("mark fired failed", logx.Err(err))
		return OutcomePending
	}
	log.Info("task fired", logx.Int("attempts", res.Attempts))
	s.notifyOwner(ctx, t.UserID, 3, fmt.Sprintf(
		"Auto-like done: %d like(s) sent to UID %s.", t.LikeCount, t.TargetUID))
	return OutcomeFired
}

func (s *Service) finishSkip(ctx context.Context, t storage.Task, date string, dec quota.Decision, log logx.Logger) Outcome {
	if err := s.tasks.MarkFired(ctx, t.ID, date, false); err != nil {
		log.Error("mark fired failed", logx.Err(err))
		return OutcomePending
	}
	switch dec.Reason {
	case quota.DenyNotPermitted:
		log.Info("task skipped, owner not permitted")
		s.notifyOwner(ctx, t.UserID, 5,
			"Auto-like skipped: you are not permitted to use the bot. Ask an admin for access.")
		return OutcomeSkippedPermission
	default:
		log.Info("task skipped, quota exhausted",
			logx.Int("used", dec.Used), logx.Int("limit", dec.Limit))
		s.notifyOwner(ctx, t.UserID, 5, fmt.Sprintf(
			"Auto-like skipped: daily limit reached (%d/%d). It will run again tomorrow.", dec.Used, dec.Limit))
		return OutcomeSkippedQuota
	}
}

func (s *Service) notifyOwner(ctx context.Context, userID int64, priority int, text string) {
	err := s.notify.Notify(ctx, kit.Notification{
		Priority: priority,
		Target:   kit.ChatTarget{ChatID: userID},
		Text:     text,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("owner notification not delivered", logx.Int64("user_id", userID), logx.Err(err))
	}
}
