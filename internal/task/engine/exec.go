package engine

import (
	"context"
	"runtime/debug"
	"time"

	logx "taskd/pkg/logx"
)

type attemptResult struct {
	value any
	err   error
}

func (s *Service) execute(ctx context.Context, id string, op Operation, timeout time.Duration) {
	start := time.Now()
	v, err := s.runAttempt(ctx, id, op, timeout)
	s.finish(id, v, err, time.Since(start))
}

// runAttempt invokes op exactly once and races it against timeout. A timeout
// wins the race but does not stop op; its late result is dropped into the
// buffered channel and discarded.
func (s *Service) runAttempt(ctx context.Context, id string, op Operation, timeout time.Duration) (any, error) {
	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task.panic", logx.String("id", id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- attemptResult{err: &HandlerError{Panic: r}}
			}
		}()
		v, err := op(ctx)
		if err != nil {
			err = &HandlerError{Err: err}
		}
		done <- attemptResult{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		return nil, &TimeoutError{Timeout: timeout}
	}
}
