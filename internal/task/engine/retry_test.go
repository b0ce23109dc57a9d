package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOutcomeRunsExactlyMaxAttempts(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := &Task{MaxAttempts: 3, RetryDelay: 2 * time.Second, Status: StatusPending}
	boom := &HandlerError{Err: errors.New("boom")}

	var transitions []string
	for tk.Status == StatusPending {
		claim(tk, now)
		transitions = append(transitions, applyOutcome(tk, nil, boom, now))
		if tk.Status == StatusPending {
			assert.Equal(t, now.Add(2*time.Second), tk.NextRetryAt)
			now = tk.NextRetryAt
		}
	}

	assert.Equal(t, []string{EventRetrying, EventRetrying, EventFailed}, transitions)
	assert.Equal(t, 3, tk.Attempts)
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Equal(t, OutcomeHandlerFailure, tk.LastOutcome)
	assert.Equal(t, "boom", tk.LastError)
	assert.False(t, tk.FinishedAt.IsZero())
}

func TestApplyOutcomeSuccessAfterFailure(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := &Task{MaxAttempts: 2, Status: StatusPending}

	claim(tk, now)
	require.Equal(t, EventRetrying, applyOutcome(tk, nil, &TimeoutError{Timeout: time.Second}, now))
	assert.Equal(t, OutcomeTimeout, tk.LastOutcome)

	claim(tk, now)
	require.Equal(t, EventCompleted, applyOutcome(tk, "ok", nil, now))
	assert.Equal(t, StatusCompleted, tk.Status)
	assert.Equal(t, OutcomeSuccess, tk.LastOutcome)
	assert.Equal(t, "ok", tk.Result)
	assert.Empty(t, tk.LastError)
	assert.True(t, tk.NextRetryAt.IsZero())
}

func TestApplyOutcomeZeroRetries(t *testing.T) {
	t.Parallel()
	tk := &Task{MaxAttempts: 1, Status: StatusPending}
	claim(tk, time.Now())
	assert.Equal(t, EventFailed, applyOutcome(tk, nil, &HandlerError{Panic: "x"}, time.Now()))
	assert.Equal(t, 1, tk.Attempts)
}

func TestOutcomeClassification(t *testing.T) {
	t.Parallel()
	assert.Equal(t, OutcomeSuccess, outcomeOf(nil))
	assert.Equal(t, OutcomeTimeout, outcomeOf(&TimeoutError{Timeout: time.Second}))
	assert.Equal(t, OutcomeHandlerFailure, outcomeOf(&HandlerError{Err: errors.New("x")}))

	herr := &HandlerError{Err: ErrInvalidTask}
	assert.ErrorIs(t, herr, ErrHandlerFailure)
	assert.ErrorIs(t, herr, ErrInvalidTask)
	assert.ErrorIs(t, &TimeoutError{}, ErrTimeout)
	assert.Contains(t, (&HandlerError{Panic: "kaboom"}).Error(), "kaboom")
}

func TestResolveOptions(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	o := resolveOptions(cfg, nil)
	assert.Equal(t, PriorityNormal, o.priority)
	assert.Equal(t, 3, o.retries)
	assert.Equal(t, 5*time.Second, o.retryDelay)
	assert.Equal(t, 30*time.Second, o.timeout)

	o = resolveOptions(cfg, []Option{
		WithPriority(Priority(7)),
		WithDelay(-time.Second),
		WithRetries(-1),
		WithRetryDelay(-time.Second),
		WithTimeout(0),
	})
	assert.Equal(t, PriorityHigh, o.priority)
	assert.Zero(t, o.delay)
	assert.Zero(t, o.retries)
	assert.Zero(t, o.retryDelay)
	assert.Equal(t, 30*time.Second, o.timeout)

	o = resolveOptions(cfg, []Option{WithRetries(0), WithPriority(PriorityLow), nil})
	assert.Zero(t, o.retries)
	assert.Equal(t, PriorityLow, o.priority)
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Priority{"HIGH": PriorityHigh, "": PriorityNormal, " low ": PriorityLow} {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)

	var p Priority
	require.NoError(t, p.UnmarshalText([]byte("high")))
	b, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "high", string(b))
}
