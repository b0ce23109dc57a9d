package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/httpapi"
	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/handlers"
	"taskd/internal/task/scheduler"
	"taskd/internal/telemetry"
	logx "taskd/pkg/logx"
)

// Version is reported in telemetry resources. Set with -ldflags.
var Version = "dev"

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store        storage.Store
	recorder     *storage.Recorder
	stopRecorder context.CancelFunc
	recorderDone chan struct{}
	metrics      *telemetry.Metrics
	stopMetrics  context.CancelFunc
	metricsDone  chan struct{}

	engine   *engine.Service
	handlers *handlers.Registry
	sched    *scheduler.Service
	http     *httpapi.Service

	schedMu   sync.Mutex
	schedules map[string]config.ScheduleConfig
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(cfg.LogConfig())
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	engCfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)

	reg := handlers.NewRegistry(nil)
	schedSvc := scheduler.New(schedulerConfig(cfg), engineSvc, root.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		engine:   engineSvc,
		handlers: reg,
		sched:    schedSvc,
	}
	if err := checkSchedules(cfg, reg, schedSvc); err != nil {
		return nil, err
	}
	if err := a.syncSchedules(cfg.Schedules); err != nil {
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.recorder = storage.NewRecorder(st, bus, root.With(logx.String("comp", "recorder")))
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	if cfg.Telemetry != nil && cfg.Telemetry.Enabled {
		interval, err := cfg.Telemetry.IntervalDuration()
		if err != nil {
			a.closeStore()
			return nil, err
		}
		m, err := telemetry.New(telemetry.Config{Interval: interval, Version: Version}, engineSvc, bus, root.With(logx.String("comp", "telemetry")))
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.metrics = m
	}

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	deps := httpapi.Deps{
		Engine:    engineSvc,
		Catalogue: reg,
		Schedules: schedSvc,
		Health:    a.health,
	}
	if a.store != nil {
		deps.History = a.store
	}
	if cfg.HTTP.Pprof {
		// Profiles leak internals; never expose them beyond loopback.
		if httpapi.IsLoopbackAddr(httpCfg.Addr) {
			deps.Profiler = true
		} else {
			log.Warn("http.pprof ignored: addr is not loopback", logx.String("addr", httpCfg.Addr))
		}
	}
	a.http = httpapi.NewService(httpCfg, httpapi.NewRouter(deps, root.With(logx.String("comp", "http"))), root)

	return a, nil
}

func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) Handlers() *handlers.Registry  { return a.handlers }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) HTTP() *httpapi.Service        { return a.http }

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

	// Reloads are validated against the live catalogue before commit.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkSchedules(cfg, a.handlers, a.sched)
	})

	runCtx := a.sup.Context()
	a.engine.Start(runCtx)
	a.sched.Start()

	// The recorder and metrics outlive the app context so they observe the
	// outcomes produced while the engine drains.
	if a.recorder != nil {
		a.stopRecorder, a.recorderDone = a.goDetached(runCtx, "recorder", a.recorder.Run)
	}
	if a.metrics != nil {
		a.stopMetrics, a.metricsDone = a.goDetached(runCtx, "telemetry", a.metrics.Run)
	}
	a.http.Start(runCtx)

	if a.bus != nil {
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
					// Keep this debug-level; retries and schedules are chatty.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("engine", a.engine.Enabled()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("http", a.http.Enabled()),
		logx.Bool("storage", a.store != nil),
		logx.Bool("telemetry", a.metrics != nil),
	)
	return nil
}

// reloadLoop applies committed config changes. Logging and schedules are
// applied live; other sections are reported as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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

			ch := config.Summarize(lastApplied, newCfg)
			lastApplied = newCfg
			if ch.Empty() {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)...)

			a.logs.Apply(newCfg.LogConfig())

			a.sched.Apply(schedulerConfig(newCfg))
			if err := a.syncSchedules(newCfg.Schedules); err != nil {
				a.log.Warn("some schedules were not applied", logx.Err(err))
			}
			switch {
			case newCfg.Scheduler.Enabled && !a.schedRunning():
				a.log.Info("scheduler enabled via config")
				a.sched.Start()
			case !newCfg.Scheduler.Enabled && a.schedRunning():
				a.log.Info("scheduler disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.sched.Stop(stopCtx)
				cancel()
			}

			if len(ch.RestartRequired) > 0 {
				a.log.Warn("config sections changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(ch.RestartRequired, ",")))
			}
			a.log.Info("config reloaded", logx.String("changed", strings.Join(ch.Sections, ",")))
		}
	}
}

// goDetached runs fn on a context that ignores the app cancel. It stops
// only through the returned cancel func.
func (a *App) goDetached(parent context.Context, name string, fn func(context.Context) error) (context.CancelFunc, chan struct{}) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := fn(ctx); err != nil {
			a.log.Warn(name+" exited", logx.Err(err))
		}
	}()
	return cancel, done
}

// stopDetached cancels a goDetached run and waits for it within ctx.
func stopDetached(ctx context.Context, cancel context.CancelFunc, done chan struct{}) error {
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) schedRunning() bool { return a.sched.Snapshot().Running }

func (a *App) health() any {
	return map[string]any{
		"app":            a.sup.Snapshot(),
		"engine":         a.engine.Supervisor().Snapshot(),
		"events_dropped": a.bus.Dropped(),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, limit, fn)
	}

	step("http", 3*time.Second, a.http.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	drain := a.engine.Config().ShutdownTimeout + time.Second
	step("taskengine", drain, a.engine.Stop)

	step("recorder", 2*time.Second, func(c context.Context) error {
		return stopDetached(c, a.stopRecorder, a.recorderDone)
	})
	step("telemetry", 2*time.Second, func(c context.Context) error {
		if a.metrics == nil {
			return nil
		}
		if err := stopDetached(c, a.stopMetrics, a.metricsDone); err != nil {
			return err
		}
		return a.metrics.Shutdown(c)
	})
	step("storage", 1*time.Second, func(context.Context) error { return a.closeStore() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
