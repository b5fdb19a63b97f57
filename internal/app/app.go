package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/config"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/eventbus"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/host/regionized"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/observability/debugsrv"
	rtsup "github.com/EternalCodeTeam/EternalCodeCommons/internal/runtime/supervisor"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/storage"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/async"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/scheduler"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/updater"
	"github.com/EternalCodeTeam/EternalCodeCommons/pkg/loom"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

// App wires one runtime host, its scheduler and the async executor, plus the
// optional history recorder and update poller.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	mode  string
	host  runtimeHost
	sched *scheduler.Scheduler
	exec  *async.Executor
	loom  *loom.Loom

	store    storage.Store
	recorder *storage.Recorder
	debug    *debugsrv.Service

	shutdownTimeout time.Duration

	mu        sync.Mutex
	poller    *updater.Poller
	heartbeat *scheduler.Handle
	watchdog  func()
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Mode        string                  `json:"mode"`
	Tick        clock.Tick              `json:"tick"`
	Overruns    uint64                  `json:"overruns"`
	Entities    int                     `json:"entities"`
	Scheduler   scheduler.Snapshot      `json:"scheduler"`
	Async       async.Snapshot          `json:"async"`
	Supervisor  rtsup.Snapshot          `json:"supervisor"`
	Assignments []regionized.Assignment `json:"assignments,omitempty"`
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := cfg.Runtime.Resolve()
	if err != nil {
		return nil, err
	}
	asyncCfg, err := mapAsyncConfig(cfg)
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := cfg.Scheduler.ShutdownTimeoutValue()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var (
		store storage.Store
		rec   *storage.Recorder
	)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		rec = storage.NewRecorder(st, bus, log)
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	debugCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	h := newRuntimeHost(rt, log, bus)
	sched := scheduler.New(mapSchedulerConfig(cfg, rt), h, h.Resolver(), log.With(logx.String("comp", "scheduler")), bus)
	h.Bind(sched)
	exec := async.New(asyncCfg, log.With(logx.String("comp", "async")), bus)

	a := &App{
		cfgm:            cfgm,
		log:             log,
		logs:            logSvc,
		bus:             bus,
		mode:            rt.Mode,
		host:            h,
		sched:           sched,
		exec:            exec,
		loom:            loom.New(sched, exec, log.With(logx.String("comp", "loom"))),
		store:           store,
		recorder:        rec,
		shutdownTimeout: shutdownTimeout,
	}
	src := debugsrv.Sources{Status: func() any { return a.Status() }}
	if store != nil {
		src.History = func(ctx context.Context, limit int) (any, error) { return store.Recent(ctx, limit) }
	}
	a.debug = debugsrv.New(debugCfg, src, log)
	return a, nil
}

// Loom is the scheduling facade for code running inside the daemon.
func (a *App) Loom() *loom.Loom { return a.loom }

// Store is nil when history is disabled.
func (a *App) Store() storage.Store { return a.store }

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

func (a *App) Status() Status {
	st := Status{
		Mode:      a.mode,
		Tick:      a.host.CurrentTick(),
		Overruns:  a.host.Overruns(),
		Entities:  a.host.Entities().Len(),
		Scheduler: a.sched.Snapshot(),
		Async:     a.exec.Snapshot(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	if rh, ok := a.host.(*regionized.Host); ok {
		st.Assignments = rh.Assignments()
	}
	return st
}

// validate rejects configs that would fail when applied, so a bad edit never
// reaches the running components.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	if _, err := mapAsyncConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapUpdaterConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	if err := a.validate(ctx, cfg); err != nil {
		return err
	}

	a.exec.Start(a.sup.Context())
	a.host.Start(a.sup.Context())

	if a.recorder != nil {
		a.sup.Go("storage.recorder", a.recorder.Run)
	}
	if err := a.applyUpdater(cfg); err != nil {
		return err
	}
	if err := a.applyHeartbeat(cfg); err != nil {
		return err
	}
	a.debug.Start(a.sup.Context())
	stop, err := startWatchdog(a.loom, a.log)
	if err != nil {
		a.log.Warn("systemd watchdog not armed", logx.Err(err))
	}
	a.mu.Lock()
	a.watchdog = stop
	a.mu.Unlock()

	// Optional: log events for observability/debug (components can also subscribe themselves).
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
				a.log.Debug("event", logx.String("type", e.Type))
			}
		}
	})

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

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("mode", a.mode))
	return nil
}

// applyConfig hot-applies the sections that can change at runtime and warns
// about the rest.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.Summarize(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)
	if len(ch.NeedsRestart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(ch.NeedsRestart, ",")))
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if ch.Has("async") {
		if ac, err := mapAsyncConfig(next); err != nil {
			a.log.Warn("invalid async config; keeping previous", logx.Err(err))
		} else if err := a.exec.Apply(ctx, ac); err != nil {
			a.log.Warn("async config not applied", logx.Err(err))
		}
	}
	if ch.Has("updater") {
		if err := a.applyUpdater(next); err != nil {
			a.log.Warn("updater config not applied", logx.Err(err))
		}
	}
	if ch.Has("debug") {
		if dc, err := mapDebugConfig(next); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(a.sup.Context(), dc)
		}
	}
	if ch.Has("heartbeat") {
		if err := a.applyHeartbeat(next); err != nil {
			a.log.Warn("heartbeat not rearmed", logx.Err(err))
		}
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(ch.Sections, ",")))
}

// applyUpdater replaces the running poller.
func (a *App) applyUpdater(cfg *config.Config) error {
	us, enabled, err := mapUpdaterConfig(cfg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	old := a.poller
	a.poller = nil
	a.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	if !enabled {
		return nil
	}
	p := updater.NewPoller(us.poller, us.checker, a.sched, a.exec, a.log, a.bus)
	if err := p.Start(); err != nil {
		return err
	}
	a.mu.Lock()
	a.poller = p
	a.mu.Unlock()
	a.log.Info("update polling enabled", logx.Stringer("schedule", us.poller.Schedule))
	return nil
}

// applyHeartbeat rearms the status log line. It runs on the main thread, so
// a stalled main loop also stalls the heartbeat.
func (a *App) applyHeartbeat(cfg *config.Config) error {
	every, err := cfg.HeartbeatEvery()
	if err != nil {
		return err
	}
	a.mu.Lock()
	old := a.heartbeat
	a.heartbeat = nil
	a.mu.Unlock()
	if old != nil {
		old.Cancel()
	}
	if every <= 0 {
		return nil
	}
	h, err := a.loom.ForGlobal().RunSyncTimer(func(context.Context) error {
		st := a.Status()
		a.log.Info("heartbeat",
			logx.Int64("tick", int64(st.Tick)),
			logx.Int("live", st.Scheduler.Live),
			logx.Uint64("executions", st.Scheduler.Executions),
			logx.Uint64("faults", st.Scheduler.Faults),
			logx.Int("async_queue", st.Async.QueueLen),
			logx.Uint64("overruns", st.Overruns))
		return nil
	}, clock.Duration(every), clock.Duration(every))
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.heartbeat = h
	a.mu.Unlock()
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("updater", time.Second, func(context.Context) error {
		a.mu.Lock()
		p, wd := a.poller, a.watchdog
		a.poller, a.watchdog = nil, nil
		a.mu.Unlock()
		if p != nil {
			p.Stop()
		}
		if wd != nil {
			wd()
		}
		return nil
	})
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	// Cancel scheduled work before the loops stop.
	step("scheduler", a.shutdownTimeout, a.sched.Shutdown)
	step("host", 2*time.Second, a.host.Stop)
	step("async", a.shutdownTimeout, a.exec.Stop)

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
