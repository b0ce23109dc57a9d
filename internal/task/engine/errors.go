package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrServiceDisabled = errors.New("task engine disabled")
	ErrStopped         = errors.New("task engine stopped")
	ErrInvalidTask     = errors.New("invalid task")
	ErrTimeout         = errors.New("task attempt timed out")
	ErrHandlerFailure  = errors.New("task handler failed")
	ErrDrainTimeout    = errors.New("task engine drain timed out")
)

// TimeoutError reports an attempt that outlived its timeout.
// The operation itself may still be running.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timed out after %s", e.Timeout) }
func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// HandlerError wraps an error returned (or a panic raised) by an operation.
type HandlerError struct {
	Err   error
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("panic: %v", e.Panic)
	}
	if e.Err == nil {
		return ErrHandlerFailure.Error()
	}
	return e.Err.Error()
}

func (e *HandlerError) Is(target error) bool { return target == ErrHandlerFailure }
func (e *HandlerError) Unwrap() error        { return e.Err }

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	default:
		return OutcomeHandlerFailure
	}
}
