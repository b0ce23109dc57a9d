package engine

import (
	"time"

	logx "taskd/pkg/logx"
)

// applyOutcome records the result of an attempt on t and applies the retry
// policy: a failed attempt goes back to pending with a fixed RetryDelay until
// MaxAttempts is reached, then the task fails permanently. It returns the
// event type describing the transition.
func applyOutcome(t *Task, v any, err error, now time.Time) string {
	t.LastOutcome = outcomeOf(err)
	if err == nil {
		t.Status = StatusCompleted
		t.Result = v
		t.LastError = ""
		t.NextRetryAt = time.Time{}
		t.FinishedAt = now
		return EventCompleted
	}

	t.LastError = err.Error()
	if t.Attempts < t.MaxAttempts {
		t.Status = StatusPending
		t.NextRetryAt = now.Add(t.RetryDelay)
		return EventRetrying
	}
	t.Status = StatusFailed
	t.FinishedAt = now
	return EventFailed
}

func (s *Service) finish(id string, v any, err error, dur time.Duration) {
	now := s.now()

	s.mu.Lock()
	s.inFlight--
	t, ok := s.reg.get(id)
	if !ok {
		// Running records are never cancelled or cleared.
		s.mu.Unlock()
		return
	}
	typ := applyOutcome(t, v, err, now)
	if t.Status.finished() {
		s.scheduleRetentionLocked(id)
	}
	ev := eventOf(t)
	ev.Duration = dur
	s.mu.Unlock()

	fields := []logx.Field{
		logx.String("task", ev.Name),
		logx.String("id", id),
		logx.Int("attempt", ev.Attempt),
		logx.Int("max_attempts", ev.MaxAttempts),
		logx.Duration("dur", dur),
	}
	switch typ {
	case EventCompleted:
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", fields...)
		} else {
			s.log.Debug("task.completed", fields...)
		}
	case EventRetrying:
		s.retryLog.Warn(s.log, "task.retrying", append(fields,
			logx.String("outcome", string(ev.Outcome)),
			logx.Err(err),
			logx.Time("next_retry_at", ev.NextRetryAt),
		)...)
	case EventFailed:
		s.log.Warn("task.failed", append(fields, logx.String("outcome", string(ev.Outcome)), logx.Err(err))...)
	}
	s.publish(typ, ev)
}
