// Package app wires the bot together: config, logging, storage, the quota
// ledger, the task store, the dispatcher, the scheduler and the command
// router, with hot reload fanning config changes out to the live services.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"likebot/internal/autolike"
	"likebot/internal/commands"
	"likebot/internal/config"
	"likebot/internal/dispatch"
	"likebot/internal/notifier"
	"likebot/internal/quota"
	rtsup "likebot/internal/runtime/supervisor"
	"likebot/internal/storage"
	"likebot/internal/taskstore"
	kit "likebot/internal/transport"
	"likebot/internal/transport/telegram"
	logx "likebot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	db      *storage.DB
	ledger  *quota.Ledger
	tasks   *taskstore.Store
	disp    *dispatch.Dispatcher
	notif   *notifier.Service
	auto    *autolike.Service
	router  *commands.Router
	adapter kit.Adapter

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with Telegram logging off, set the target, then apply the
	// real config so Apply never warns about a missing target.
	baseLogCfg := mapLoggingConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))
	applyLogTarget(logSvc, cfg)
	logSvc.Apply(mapLoggingConfig(cfg))

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	ledger := quota.New(db, cfg.Limits.DefaultDaily, log.With(logx.String("comp", "quota")))
	tasks := taskstore.New(db, log.With(logx.String("comp", "tasks")))

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, log.With(logx.String("comp", "dispatch")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")))

	acfg, err := mapAutoLikeConfig(cfg)
	if err != nil {
		return nil, err
	}
	auto := autolike.New(acfg, ledger, tasks, disp, notif, log.With(logx.String("comp", "autolike")))

	router := commands.NewRouter(ad, commands.Deps{
		Ledger: ledger,
		Tasks:  tasks,
		Auto:   auto,
		Sender: disp,
		DB:     db,
	}, cfg.Telegram.AdminUserIDs, log.With(logx.String("comp", "commands")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		db:      db,
		ledger:  ledger,
		tasks:   tasks,
		disp:    disp,
		notif:   notif,
		auto:    auto,
		router:  router,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if err := a.auto.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go0("commands.dispatch", func(c context.Context) {
		a.router.Run(c, a.updates, 4)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: apply only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig fans a validated config change out to the live services.
// Storage changes require a restart and are only warned about.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	applyLogTarget(a.logs, cfg)
	a.logs.Apply(mapLoggingConfig(cfg))

	a.router.SetAdmins(cfg.Telegram.AdminUserIDs)
	a.ledger.SetDefaultDaily(cfg.Limits.DefaultDaily)

	if dcfg, err := mapDispatcherConfig(cfg); err != nil {
		a.log.Warn("invalid dispatcher config, keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config, keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if wasEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !wasEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if acfg, err := mapAutoLikeConfig(cfg); err != nil {
		a.log.Warn("invalid autolike config, keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.auto.Enabled()
		a.auto.Apply(acfg)
		if wasEnabled && !acfg.Enabled {
			a.log.Info("autolike disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.auto.Stop(stopCtx)
			cancel()
		} else if !wasEnabled && acfg.Enabled {
			a.log.Info("autolike enabled via config")
			if err := a.auto.Start(ctx); err != nil {
				a.log.Error("autolike start failed", logx.Err(err))
			}
		}
	}

	if scfg, err := mapStorageConfig(cfg); err == nil {
		cur := a.db.Path()
		if scfg.Path != cur {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("autolike", 5*time.Second, func(c context.Context) error { a.auto.Stop(c); return nil })
	step("commands", 2*time.Second, func(context.Context) error { a.router.Stop(); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.db.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Limits.DefaultDaily < 0 {
		return fmt.Errorf("limits.default_daily must be >= 0")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.AutoLike.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("autolike.timezone: invalid %q: %w", tz, err)
		}
	}
	if at := strings.TrimSpace(cfg.AutoLike.DefaultTime); at != "" {
		if _, err := taskstore.ParseClock(at); err != nil {
			return fmt.Errorf("autolike.default_time: %w", err)
		}
	}
	if _, err := mapAutoLikeConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func applyLogTarget(svc *logx.Service, cfg *config.Config) {
	if raw := strings.TrimSpace(cfg.Telegram.GroupLog); raw != "" {
		if chatID, err := strconv.ParseInt(raw, 10, 64); err == nil {
			svc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
			return
		}
	}
	svc.SetTelegramTarget(0, 0)
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./likebot.db"
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatch.Config, error) {
	timeout, err := config.ParseDurationField("dispatcher.timeout", cfg.Dispatcher.Timeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	base, err := config.ParseDurationField("dispatcher.retry_base", cfg.Dispatcher.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("dispatcher.retry_max_delay", cfg.Dispatcher.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMax := 3
	if cfg.Dispatcher.RetryMax != nil {
		if *cfg.Dispatcher.RetryMax < 0 {
			return dispatch.Config{}, fmt.Errorf("dispatcher.retry_max must be >= 0")
		}
		retryMax = *cfg.Dispatcher.RetryMax
	}
	return dispatch.Config{
		BaseURL:       cfg.Dispatcher.BaseURL,
		ServerName:    cfg.Dispatcher.ServerName,
		Key:           cfg.Dispatcher.Key,
		Timeout:       timeout,
		RetryMax:      retryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RatePerSec:    cfg.Dispatcher.RatePerSec,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	base, err := config.ParseDurationField("notifier.retry_base", cfg.Notifier.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:    cfg.Notifier.Enabled,
		Workers:    cfg.Notifier.Workers,
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
		RetryMax:   cfg.Notifier.RetryMax,
		RetryBase:  base,
	}, nil
}

func mapAutoLikeConfig(cfg *config.Config) (autolike.Config, error) {
	grace, err := config.ParseDurationField("autolike.shutdown_grace", cfg.AutoLike.ShutdownGrace)
	if err != nil {
		return autolike.Config{}, err
	}
	return autolike.Config{
		Enabled:       cfg.AutoLike.Enabled,
		Timezone:      cfg.AutoLike.Timezone,
		DefaultTime:   cfg.AutoLike.DefaultTime,
		Workers:       cfg.AutoLike.Workers,
		ShutdownGrace: grace,
	}, nil
}
