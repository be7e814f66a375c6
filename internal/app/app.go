// Package app wires configuration, storage, transport and the services into
// one runnable unit.
package app

import (
	"context"
	"fmt"
	"time"

	"notifybot/internal/auth"
	"notifybot/internal/config"
	"notifybot/internal/notify"
	rtsup "notifybot/internal/runtime/supervisor"
	"notifybot/internal/router"
	"notifybot/internal/sched"
	"notifybot/internal/session"
	"notifybot/internal/store"
	"notifybot/internal/transport"
	telegram "notifybot/internal/transport/telegram/adapter"
	logx "notifybot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter transport.Adapter
	db      *store.Store

	gate     *auth.Gate
	sessions *session.Manager
	notif    *notify.Service
	sched    *sched.Scheduler
	rt       *router.Manager

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if len(cfg.Auth.Maintainers) == 0 {
		return nil, fmt.Errorf("auth.maintainers must list at least one user id")
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	gate := auth.NewGate(cfg.Auth.Maintainers, db, log.With(logx.String("comp", "auth")))

	idle, err := config.ParseDurationOrDefault("session.idle_timeout", cfg.Session.IdleTimeout, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager(idle, log.With(logx.String("comp", "session")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(ncfg, ad, log.With(logx.String("comp", "notify")))

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := sched.New(scfg, db, db, notif, log.With(logx.String("comp", "sched")))

	rt := router.NewManager(log.With(logx.String("comp", "router")), ad, gate, sessions, db)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		adapter:  ad,
		db:       db,
		gate:     gate,
		sessions: sessions,
		notif:    notif,
		sched:    schedSvc,
		rt:       rt,
		updates:  make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if len(cfg.Auth.Maintainers) == 0 {
			return fmt.Errorf("auth.maintainers must list at least one user id")
		}
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("session.idle_timeout", cfg.Session.IdleTimeout); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.rt.DispatchLoop(c, a.updates)
	})

	// Idle dialogue eviction.
	a.sup.Go0("session.evict", func(c context.Context) {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				for _, actor := range a.sessions.EvictIdle() {
					_, err := a.adapter.SendText(c, transport.ChatTarget{ChatID: actor},
						"Dialogue timed out. Use /addtask to start over.", nil)
					if err != nil {
						a.log.Debug("eviction notice failed", logx.Int64("chat_id", actor), logx.Err(err))
					}
				}
			}
		}
	})

	// Hot-reload fan-out.
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
				// Coalesce bursts: keep only the latest config.
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

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.gate.SetMaintainers(cfg.Auth.Maintainers)

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if scfg, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(ctx, scfg); err != nil {
		a.log.Warn("scheduler reconfigure failed", logx.Err(err))
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", cfg.Notifier.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", cfg.Notifier.SendTimeout, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	if cfg.Notifier.RetryMax < 0 {
		return notify.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	return notify.Config{
		RatePerSec:  cfg.Notifier.RatePerSec,
		RetryMax:    cfg.Notifier.RetryMax,
		RetryBase:   retryBase,
		SendTimeout: sendTimeout,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (sched.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, 30*time.Second)
	if err != nil {
		return sched.Config{}, err
	}
	dispatchTimeout, err := config.ParseDurationOrDefault("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout, 30*time.Second)
	if err != nil {
		return sched.Config{}, err
	}
	enabled := true
	if cfg.Scheduler.Enabled != nil {
		enabled = *cfg.Scheduler.Enabled
	}
	return sched.Config{
		Enabled:         enabled,
		Tick:            tick,
		DispatchTimeout: dispatchTimeout,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	if cfg.Storage.Path == "" {
		return store.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}
