package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/allocator"
	"postpilot/internal/config"
	"postpilot/internal/daemon"
	"postpilot/internal/eventbus"
	"postpilot/internal/jobs"
	"postpilot/internal/notifier"
	"postpilot/internal/ops"
	"postpilot/internal/planner"
	"postpilot/internal/publish"
	"postpilot/internal/relay"
	rtsup "postpilot/internal/runtime/supervisor"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// App is the long-running serve process: per-account daemons, periodic jobs,
// notifications, the event relay and the ops API, all under one supervisor.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Repository
	alloc *allocator.Allocator
	pub   publish.Publisher

	daemons *daemon.Supervisor
	plan    *planner.Service
	jobs    *jobs.Service
	notif   *notifier.Service
	relay   *relay.Relay
	ops     *ops.Server

	schedEnabled bool
	stopTimeout  time.Duration
	started      time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateReload(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	log = log.With(logx.Component("app"))

	sched, _ := cfg.ResolveScheduler()
	allocCfg, _ := cfg.ResolveAllocator()
	pubCfg, _ := cfg.ResolvePublisher()
	notifCfg, _ := cfg.ResolveNotifier()

	store, err := openStore(context.Background(), cfg, logSvc.Logger().With(logx.Component("storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	pub, err := publish.New(pubCfg, logSvc.Logger().With(logx.Component("publisher")))
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	alloc := newAllocator(store, allocCfg, logSvc.Logger().With(logx.Component("allocator")))

	var sender notifier.Sender
	if strings.TrimSpace(notifCfg.Telegram.Token) != "" {
		tg, err := notifier.NewTelegram(notifCfg.Telegram)
		if err != nil {
			_ = store.Close()
			logSvc.Close()
			return nil, fmt.Errorf("notifier: %w", err)
		}
		sender = tg
	}
	var dedup notifier.DedupStore
	if notifCfg.PersistDedup {
		dedup = store
	}
	notifSvc := notifier.New(notifCfg, sender, dedup, logSvc.Logger())

	var rel *relay.Relay
	if cfg.Events.AMQP.Enabled {
		rel = relay.New(bus, relay.AMQPDialer(cfg.Events.AMQP.URL, cfg.Events.AMQP.Exchange),
			cfg.Events.BufferSize, logSvc.Logger())
	}

	return &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		alloc:        alloc,
		pub:          pub,
		jobs:         jobs.New(jobs.Config{Timezone: sched.Timezone}, logSvc.Logger()),
		notif:        notifSvc,
		relay:        rel,
		schedEnabled: sched.Enabled,
		stopTimeout:  sched.StopTimeout,
	}, nil
}

// Planner is available after Start.
func (a *App) Planner() *planner.Service { return a.plan }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()

	a.cfgm.SetLogger(a.logs.Logger().With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateReload(cfg)
	})

	cfg := a.cfgm.Get()
	sched, _ := cfg.ResolveScheduler()
	capCfg, _ := cfg.ResolveCapacity()
	opsCfg, _ := cfg.ResolveOps()

	// daemon failures are per account; they must not take the process down
	daemonRT := rtsup.New(a.sup.Context(),
		rtsup.WithLogger(a.logs.Logger().With(logx.Component("daemons"))),
		rtsup.WithCancelOnError(false),
	)
	a.daemons = daemon.NewSupervisor(daemonRT, daemon.Deps{
		Store:     a.store,
		Allocator: a.alloc,
		Publisher: a.pub,
		Bus:       a.bus,
		Log:       a.logs.Logger(),
	}, daemonConfig(sched))

	popts := []planner.Option{
		planner.WithBus(a.bus),
		planner.WithLogger(a.logs.Logger()),
		planner.WithWindowDays(capCfg.WindowDays),
	}
	if a.schedEnabled {
		popts = append(popts, planner.WithDaemons(a.daemons))
	}
	a.plan = planner.New(a.store, a.alloc, popts...)

	if a.schedEnabled {
		if err := a.daemons.Sync(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; items are planned but not published")
	}
	if err := a.registerJobs(sched, capCfg); err != nil {
		return err
	}
	a.jobs.Start(a.sup.Context())

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.sup.Go("notifier.forward", func(c context.Context) error {
		return a.notif.Forward(c, a.bus)
	})

	if a.relay != nil {
		a.sup.GoRestart("events.relay", a.relay.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	a.ops = ops.NewServer(opsCfg, ops.Deps{
		Planner: a.plan,
		Runtime: a.sup,
		Extra:   a.componentStats,
		Started: a.started,
	}, a.logs.Logger())
	a.ops.Reconfigure(a.sup.Context(), opsCfg)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.String("account", e.AccountID),
					logx.String("item", e.ItemID),
				)
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts: keep only the latest config
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
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

	a.log.Info("app started",
		logx.Bool("scheduler", a.schedEnabled),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("relay", a.relay != nil),
		logx.Bool("ops", opsCfg.Enabled),
	)
	return nil
}

func (a *App) registerJobs(sched config.Scheduler, capCfg config.Capacity) error {
	if a.schedEnabled {
		err := a.jobs.Add(jobs.SyncJob, sched.SyncInterval, jobTimeout(sched.SyncInterval), a.daemons.Sync)
		if err != nil {
			return err
		}
	}
	if !capCfg.ScanEnabled {
		a.jobs.Remove(jobs.ScanJob)
		return nil
	}
	scan := jobs.CapacityScan(a.store, a.bus, capCfg.WindowDays, nil, a.logs.Logger().With(logx.Component("jobs")))
	return a.jobs.Add(jobs.ScanJob, capCfg.ScanSchedule, jobTimeout(capCfg.ScanSchedule), scan)
}

// applyConfig hot-applies newCfg. Sections that need a restart are only
// logged.
func (a *App) applyConfig(ctx context.Context, prev, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", joinSections(sections))}, attrs...)...)
	if config.RestartRequired(sections) {
		a.log.Warn("storage, publisher or events config changed; restart required for changes to take effect")
	}

	a.logs.Apply(logConfig(newCfg))

	if sched, err := newCfg.ResolveScheduler(); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		if sched.Enabled != a.schedEnabled {
			a.log.Warn("scheduler.enabled changed; restart required for changes to take effect")
		}
		a.daemons.SetConfig(daemonConfig(sched))
		a.stopTimeout = sched.StopTimeout
		a.jobs.Apply(jobs.Config{Timezone: sched.Timezone})
		capCfg, _ := newCfg.ResolveCapacity()
		if err := a.registerJobs(sched, capCfg); err != nil {
			a.log.Warn("job registration failed", logx.Err(err))
		}
	}

	if ac, err := newCfg.ResolveAllocator(); err != nil {
		a.log.Warn("invalid allocator config; keeping previous", logx.Err(err))
	} else {
		a.alloc.SetPolicy(allocPolicy(ac))
	}

	if nc, err := newCfg.ResolveNotifier(); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasEnabled && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if oc, err := newCfg.ResolveOps(); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else if a.ops != nil {
		a.ops.Reconfigure(ctx, oc)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", joinSections(sections))}, attrs...)...)
}

func (a *App) componentStats() map[string]any {
	out := map[string]any{
		"notifier":       a.notif.Stats(),
		"jobs":           a.jobs.Snapshot(),
		"events_dropped": a.bus.Dropped(),
	}
	if a.relay != nil {
		out["relay"] = a.relay.Stats()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// run a shutdown step with an upper bound so one component can't stall the whole stop
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max(limit, 0))
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
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Duration("took", time.Since(start)),
					logx.Err(err),
				)
			}()
		}
	}

	// intake first, then the daemons so in-flight publishes can settle, then
	// the consumers of their events
	if a.ops != nil {
		step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	}
	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("daemons", a.stopTimeout, func(c context.Context) error { return a.daemons.StopAll(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if a.relay != nil {
		a.relay.Close()
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
