package engine

import (
	"context"
	"fmt"
	"time"

	rtsup "taskd/internal/runtime/supervisor"
	logx "taskd/pkg/logx"
)

// Start spawns MaxConcurrency pollers. It is a no-op when the engine is
// disabled or already running, and may be called again after Stop. A restart
// arms retention for records that finished during the previous drain.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.cfg.Enabled {
		s.log.Info("task engine disabled; not starting")
		return
	}

	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// poller failures should not hard-kill the app; they restart.
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	// Operations outlive Stop and timeouts; they only see the caller's values.
	s.runCtx = context.WithoutCancel(ctx)
	s.stopped = false
	s.shuttingDown = false
	s.stopErr = nil
	// Records that finished while stopped have no retention timer yet.
	for id, t := range s.reg.tasks {
		if _, armed := s.timers[id]; !armed && t.Status.finished() {
			s.scheduleRetentionLocked(id)
		}
	}
	s.mu.Unlock()

	for i := 0; i < s.cfg.MaxConcurrency; i++ {
		sup.GoRestart(fmt.Sprintf("poller.%d", i), s.poll)
	}

	s.log.Info("task engine started",
		logx.Int("pollers", s.cfg.MaxConcurrency),
		logx.Duration("poll_interval", s.cfg.PollInterval),
		logx.Duration("default_timeout", s.cfg.DefaultTimeout),
		logx.Int("default_retries", s.cfg.DefaultRetries),
	)
}

// Stop stops claiming new work, stops the pollers and every retention timer,
// then waits for in-flight tasks to drain. The wait is bounded by
// ShutdownTimeout and ctx; on expiry Stop returns ErrDrainTimeout and the
// remaining operations keep running untouched. A Stop that overlaps a running
// one waits for it and returns its result.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrDrainTimeout, ctx.Err())
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopErr
	}
	done := make(chan struct{})
	s.stopDone = done
	s.shuttingDown = true
	s.stopped = true
	sup := s.sup
	for id := range s.timers {
		s.stopRetentionLocked(id)
	}
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("task engine stopping")

	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("poller exited with error", logx.Err(err))
	}

	err := s.drain(ctx)

	s.mu.Lock()
	s.sup = nil
	s.stopDone = nil
	s.stopErr = err
	s.shuttingDown = false
	s.mu.Unlock()
	close(done)

	if err != nil {
		s.log.Warn("task engine stop timed out", logx.Err(err), logx.Duration("took", time.Since(start)))
		return err
	}
	s.log.Info("task engine stopped", logx.Duration("took", time.Since(start)))
	return nil
}

// drain samples the in-flight counter until it reaches zero.
func (s *Service) drain(ctx context.Context) error {
	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()
	tk := time.NewTicker(s.cfg.DrainInterval)
	defer tk.Stop()

	for {
		n := s.inFlightCount()
		if n == 0 {
			return nil
		}
		select {
		case <-deadline.C:
			return fmt.Errorf("%w: %d task(s) still running after %s", ErrDrainTimeout, n, s.cfg.ShutdownTimeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %d task(s) still running: %w", ErrDrainTimeout, n, ctx.Err())
		case <-tk.C:
		}
	}
}

func (s *Service) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// scheduleRetentionLocked arranges for a finished record to be purged after
// Retention. Timers are not armed once Stop has begun.
func (s *Service) scheduleRetentionLocked(id string) {
	if s.stopped {
		return
	}
	s.stopRetentionLocked(id)
	s.timers[id] = time.AfterFunc(s.cfg.Retention, func() { s.purge(id) })
}

func (s *Service) stopRetentionLocked(id string) {
	if tm, ok := s.timers[id]; ok {
		tm.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) purge(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	t, ok := s.reg.get(id)
	if !ok || !t.Status.finished() {
		s.mu.Unlock()
		return
	}
	s.reg.remove(id)
	ev := eventOf(t)
	s.mu.Unlock()

	s.log.Trace("task.purged", logx.String("id", id))
	s.publish(EventPurged, ev)
}
