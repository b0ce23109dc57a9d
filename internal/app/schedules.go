package app

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"taskd/internal/config"
	"taskd/internal/task/engine"
	"taskd/internal/task/handlers"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

// scheduleJob maps one configured schedule onto a scheduler job. Handler
// arguments are checked here so a bad entry fails the load, not the fire.
func scheduleJob(sc config.ScheduleConfig, reg *handlers.Registry) (scheduler.Job, error) {
	op, err := reg.Build(sc.Handler, handlers.Args(sc.Args))
	if err != nil {
		return scheduler.Job{}, fmt.Errorf("schedule %q: %w", sc.Name, err)
	}

	var opts []engine.Option
	if strings.TrimSpace(sc.Priority) != "" {
		p, err := engine.ParsePriority(sc.Priority)
		if err != nil {
			return scheduler.Job{}, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		opts = append(opts, engine.WithPriority(p))
	}
	if sc.Retries != nil {
		opts = append(opts, engine.WithRetries(*sc.Retries))
	}
	if strings.TrimSpace(sc.RetryDelay) != "" {
		d, err := config.ParseDurationField("retry_delay", sc.RetryDelay)
		if err != nil {
			return scheduler.Job{}, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		opts = append(opts, engine.WithRetryDelay(d))
	}
	if strings.TrimSpace(sc.Timeout) != "" {
		d, err := config.ParseDurationField("timeout", sc.Timeout)
		if err != nil {
			return scheduler.Job{}, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		opts = append(opts, engine.WithTimeout(d))
	}

	return scheduler.Job{Name: sc.Name, Spec: sc.Spec, Op: op, Options: opts}, nil
}

// checkSchedules validates every schedule against the handler catalogue and
// the cron grammar. It is installed as the config reload hook.
func checkSchedules(cfg *config.Config, reg *handlers.Registry, sched *scheduler.Service) error {
	var errs []error
	for _, sc := range cfg.Schedules {
		if _, err := scheduleJob(sc, reg); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := sched.NextRuns(sc.Spec, 1); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", sc.Name, err))
		}
	}
	if cfg.Scheduler.Enabled {
		if ec, err := cfg.EngineConfig(); err == nil && !ec.Enabled {
			errs = append(errs, errors.New("engine.enabled cannot be false while scheduler.enabled is true"))
		}
	}
	return errors.Join(errs...)
}

// syncSchedules makes the scheduler match want. Unchanged entries keep their
// registration and stats.
func (a *App) syncSchedules(want []config.ScheduleConfig) error {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()

	next := make(map[string]config.ScheduleConfig, len(want))
	var errs []error
	for _, sc := range want {
		next[sc.Name] = sc
		if prev, ok := a.schedules[sc.Name]; ok && reflect.DeepEqual(prev, sc) {
			continue
		}
		job, err := scheduleJob(sc, a.handlers)
		if err != nil {
			errs = append(errs, err)
			delete(next, sc.Name)
			continue
		}
		id, err := a.sched.AddSchedule(job)
		if err != nil {
			errs = append(errs, err)
			delete(next, sc.Name)
			continue
		}
		a.log.Debug("schedule applied", logx.String("name", sc.Name), logx.String("id", id), logx.String("handler", sc.Handler))
	}
	for name := range a.schedules {
		if _, keep := next[name]; !keep {
			a.sched.Remove(name)
			a.log.Debug("schedule removed", logx.String("name", name))
		}
	}
	a.schedules = next
	return errors.Join(errs...)
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      cfg.Scheduler.Timezone,
		StartupSpread: true,
	}
}
