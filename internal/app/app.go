package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/eventbus"
	"postbot/internal/publisher"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/session"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	kit "postbot/internal/transport"
	telegram "postbot/internal/transport/telegram/adapter"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
)

const (
	cleanupName      = "housekeeping:cleanup"
	defaultCleanupAt = "03:30"
	dispatchWorkers  = 4
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	sups *router.SupervisorRegistry

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *storage.Store
	sessions session.Store

	adapter *telegram.Adapter
	engine  *engine.Service
	sched   *scheduler.Service
	pub     *publisher.Service
	cmdm    *router.CommandManager

	updates chan kit.Update
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sessions, err := session.Open(ctx, sessCfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open sessions: %w", err)
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log.With(logx.String("comp", "scheduler")))

	pubCfg, err := mapPublisherConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pub := publisher.New(pubCfg, store, ad, schedSvc, bus, log.With(logx.String("comp", "publisher")))

	sups := router.NewSupervisorRegistry()
	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, &router.Services{
		Core:        pub,
		Sessions:    sessions,
		Albums:      pub.Albums(),
		Scheduler:   schedSvc,
		Supervisors: sups,
	}, cfg.Telegram.OwnerUserIDs)
	pub.Albums().SetHandler(cmdm.OnAlbum)

	appLog.Info("app initialized",
		logx.String("session_driver", sessCfg.Driver),
		logx.Int("engine_workers", engCfg.Workers),
		logx.Int("tariffs", len(pubCfg.Tariffs)),
	)

	return &App{
		cfgm:     cfgm,
		sups:     sups,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		sessions: sessions,
		adapter:  ad,
		engine:   engineSvc,
		sched:    schedSvc,
		pub:      pub,
		cmdm:     cmdm,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	// Reloads that the runtime sections cannot take are never published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetCheck(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapPublisherConfig(cfg); err != nil {
			return err
		}
		_, err := mapTaskEngineConfig(cfg)
		return err
	})

	// Engine before scheduler: timers submit into the engine queue.
	a.engine.Start(run)
	a.sups.Set("task.engine", a.engine.Supervisor())
	a.sched.Start(run)
	a.applyHousekeeping(a.cfgm.Get())

	res, err := a.pub.RestoreOnStartup(run)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	a.log.Info("jobs restored",
		logx.Int64("stale_cancelled", res.Cancelled),
		logx.Int("tasks", res.Tasks),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
		logx.Int("unpins", res.Unpins),
		logx.Int("deletes", res.Deletes),
		logx.Int("overdue", res.Overdue),
	)

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sups.Set("telegram.adapter", a.adapter.Supervisor())

	a.sup.Go("commands.menu", func(c context.Context) error {
		a.cmdm.UpdateMenu(c)
		return nil
	})
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates, dispatchWorkers)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.JobEvent:
		fields := []logx.Field{
			logx.String("type", e.Type),
			logx.Job(d.JobID),
			logx.Task(d.TaskID),
			logx.Channel(d.ChannelID),
		}
		if d.Error != "" {
			fields = append(fields, logx.String("error", d.Error))
		}
		a.log.Debug("event", fields...)
	case eventbus.TaskEvent:
		a.log.Debug("event", logx.String("type", e.Type), logx.Task(d.TaskID), logx.Int("jobs", d.Jobs), logx.String("reason", d.Reason))
	default:
		// Keep this debug-level to avoid noise for frequent triggers.
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// applyHousekeeping (re)registers the daily cleanup of long-inactive tasks.
func (a *App) applyHousekeeping(cfg *config.Config) {
	if cfg == nil || !cfg.Scheduler.Enabled {
		a.sched.Remove(cleanupName)
		return
	}
	at := strings.TrimSpace(cfg.Scheduler.CleanupAt)
	if at == "" {
		at = defaultCleanupAt
	}
	_, err := a.sched.AddDaily(cleanupName, at, 5*time.Minute, func(ctx context.Context) error {
		n, err := a.pub.CleanupInactive(ctx)
		if err != nil {
			return err
		}
		a.log.Info("inactive tasks cleaned up", logx.Int64("deleted", n))
		return nil
	})
	if err != nil {
		a.log.Warn("housekeeping not scheduled", logx.Err(err))
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.adapter.SetSendRate(newCfg.Telegram.SendRatePerSec)

	if pc, err := mapPublisherConfig(newCfg); err != nil {
		a.log.Warn("invalid publisher config; keeping previous", logx.Err(err))
	} else {
		a.pub.Apply(pc)
	}
	if ec, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
		a.sups.Set("task.engine", a.engine.Supervisor())
	}
	a.sched.Apply(mapSchedulerConfig(newCfg))
	a.applyHousekeeping(newCfg)

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			// respect the caller's deadline; never extend it
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Intake first, then timers, then in-flight callbacks. Storage goes last
	// because callbacks and command workers still write to it.
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("sessions", 1*time.Second, func(context.Context) error { return a.sessions.Close() })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
