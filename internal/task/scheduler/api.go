package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

var ErrNoSubmitter = errors.New("scheduler has no submitter")

// AddSchedule registers (or replaces, by name) a recurring submission and
// returns the schedule id.
func (s *Service) AddSchedule(job Job) (string, error) {
	name := strings.TrimSpace(job.Name)
	if name == "" {
		return "", errors.New("schedule name required")
	}
	if job.Op == nil {
		return "", fmt.Errorf("schedule %q: operation required", name)
	}
	ps, err := ParseSchedule(job.Spec)
	if err != nil {
		return "", fmt.Errorf("schedule %q: %w", name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return "", fmt.Errorf("schedule %q: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.seq++
	d := &scheduleDef{
		id:    fmt.Sprintf("sch-%d", s.seq),
		name:  name,
		spec:  ps,
		op:    job.Op,
		opts:  append([]engine.Option(nil), job.Options...),
		stats: &fireStats{},
	}
	s.defs = append(s.defs, d)

	if s.c == nil {
		// Registered with cron on Start.
		return d.id, nil
	}
	if err := s.registerLocked(d); err != nil {
		s.removeLocked(name)
		return "", err
	}
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("id", d.id),
		logx.String("spec", ps.String()),
		logx.Time("next", s.c.Entry(d.entryID).Next),
	)
	return d.id, nil
}

// Remove unregisters the schedule with the given name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) registerLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() { s.fire(d) })

	if d.spec.Kind == SpecInterval {
		var sched cron.Schedule = cron.Every(d.spec.Every)
		d.spread = 0
		if s.cfg.StartupSpread {
			sched, d.spread = intervalWithSpread(d.spec.Every, time.Now().In(s.loc), d.name)
		}
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}

	eid, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// fire submits one task for d. Submission errors (engine disabled or
// stopping) are counted and logged through a sampler.
func (s *Service) fire(d *scheduleDef) {
	var (
		id  string
		err = ErrNoSubmitter
	)
	if s.sub != nil {
		id, err = s.sub.Submit(d.name, d.op, d.opts...)
	}

	st := d.stats
	st.mu.Lock()
	st.fired++
	st.lastFireAt = time.Now()
	if err != nil {
		st.failed++
		st.lastErr = err.Error()
	} else {
		st.lastTaskID = id
		st.lastErr = ""
	}
	st.mu.Unlock()

	if err != nil {
		s.submitWarn.Warn(s.log, "scheduled submit failed", logx.String("name", d.name), logx.Err(err))
		return
	}
	s.log.Trace("schedule fired", logx.String("name", d.name), logx.String("task_id", id))
}
