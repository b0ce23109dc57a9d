package engine

import (
	"context"
	"time"

	logx "taskd/pkg/logx"
)

// poll is one of the MaxConcurrency pollers. Every tick it tries to claim a
// single eligible task; it never waits for the task to finish.
func (s *Service) poll(ctx context.Context) error {
	s.pollers.Add(1)
	defer s.pollers.Add(-1)

	tk := time.NewTicker(s.cfg.PollInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			s.dispatchNext()
		}
	}
}

// dispatchNext claims the best eligible task, if capacity allows, and starts
// its execution. The capacity check, selection and claim happen under one
// lock so the number of running tasks never exceeds MaxConcurrency.
func (s *Service) dispatchNext() bool {
	s.mu.Lock()
	if s.shuttingDown || s.inFlight >= s.cfg.MaxConcurrency {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	t := selectNext(s.reg.tasks, now)
	if t == nil {
		s.mu.Unlock()
		return false
	}
	claim(t, now)
	s.inFlight++
	id, op, timeout, ctx := t.ID, t.op, t.Timeout, s.runCtx
	ev := eventOf(t)
	queueDelay := now.Sub(t.EligibleAt())
	s.mu.Unlock()

	s.log.Debug("task.started",
		logx.String("task", ev.Name),
		logx.String("id", id),
		logx.Int("attempt", ev.Attempt),
		logx.Duration("queue_delay", queueDelay),
	)
	s.publish(EventStarted, ev)

	go s.execute(ctx, id, op, timeout)
	return true
}
