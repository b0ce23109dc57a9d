package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/eventbus"
	logx "taskd/pkg/logx"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.DrainInterval = 5 * time.Millisecond
	cfg.DefaultRetries = 0
	cfg.DefaultRetryDelay = 0
	cfg.DefaultTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func waitStatus(t *testing.T, s *Service, id string, want Status) Task {
	t.Helper()
	var got Task
	require.Eventually(t, func() bool {
		tk, found := s.Status(id)
		got = tk
		return found && tk.Status == want
	}, 3*time.Second, 2*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func succeed(context.Context) (any, error) { return "ok", nil }

func TestSubmitDisabled(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Enabled = false
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())

	id, err := s.Submit("x", succeed)
	assert.ErrorIs(t, err, ErrServiceDisabled)
	assert.Empty(t, id)

	st := s.Stats()
	assert.False(t, st.IsEnabled)
	assert.Zero(t, st.Pollers)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), logx.Nop(), nil)

	_, err := s.Submit("  ", succeed)
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = s.Submit("x", nil)
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestStatusPendingRightAfterSubmit(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), logx.Nop(), nil)

	id, err := s.Submit("report", succeed, WithRetries(2), WithPriority(PriorityHigh))
	require.NoError(t, err)

	tk, found := s.Status(id)
	require.True(t, found)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, "report", tk.Name)
	assert.Equal(t, 3, tk.MaxAttempts)
	assert.Equal(t, PriorityHigh, tk.Priority)
	assert.Zero(t, tk.Attempts)
	assert.False(t, tk.CreatedAt.IsZero())

	_, found = s.Status("tsk-missing")
	assert.False(t, found)
}

func TestCompletesAndRecordsResult(t *testing.T) {
	t.Parallel()
	s := startEngine(t, fastConfig(), nil)

	id, err := s.Submit("hello", func(context.Context) (any, error) { return 42, nil })
	require.NoError(t, err)

	tk := waitStatus(t, s, id, StatusCompleted)
	assert.Equal(t, 42, tk.Result)
	assert.Equal(t, 1, tk.Attempts)
	assert.Equal(t, OutcomeSuccess, tk.LastOutcome)
}

func TestRetriesExactlyConfiguredTimes(t *testing.T) {
	t.Parallel()
	s := startEngine(t, fastConfig(), nil)

	var calls atomic.Int32
	id, err := s.Submit("flaky", func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("nope")
	}, WithRetries(2))
	require.NoError(t, err)

	tk := waitStatus(t, s, id, StatusFailed)
	assert.Equal(t, 3, tk.Attempts)
	assert.Equal(t, OutcomeHandlerFailure, tk.LastOutcome)
	assert.Equal(t, "nope", tk.LastError)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	s := startEngine(t, fastConfig(), nil)

	var calls atomic.Int32
	id, err := s.Submit("second-time-lucky", func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("first")
		}
		return "done", nil
	}, WithRetries(3), WithRetryDelay(20*time.Millisecond))
	require.NoError(t, err)

	tk := waitStatus(t, s, id, StatusCompleted)
	assert.Equal(t, 2, tk.Attempts)
	assert.Equal(t, "done", tk.Result)
	assert.True(t, tk.LastAttemptAt.Sub(tk.CreatedAt) >= 20*time.Millisecond)
}

func TestTimeoutIsRecordedEvenIfOperationFinishesLater(t *testing.T) {
	t.Parallel()
	s := startEngine(t, fastConfig(), nil)

	settled := make(chan struct{})
	id, err := s.Submit("slow", func(ctx context.Context) (any, error) {
		defer close(settled)
		time.Sleep(150 * time.Millisecond)
		// The engine never cancels the operation's context.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return "late", nil
	}, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)

	tk := waitStatus(t, s, id, StatusFailed)
	assert.Equal(t, OutcomeTimeout, tk.LastOutcome)
	assert.Equal(t, 1, tk.Attempts)

	<-settled
	time.Sleep(20 * time.Millisecond)
	tk, found := s.Status(id)
	require.True(t, found)
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Nil(t, tk.Result)
}

func TestPanicIsHandlerFailure(t *testing.T) {
	t.Parallel()
	s := startEngine(t, fastConfig(), nil)

	id, err := s.Submit("panicky", func(context.Context) (any, error) { panic("kaboom") })
	require.NoError(t, err)

	tk := waitStatus(t, s, id, StatusFailed)
	assert.Equal(t, OutcomeHandlerFailure, tk.LastOutcome)
	assert.Contains(t, tk.LastError, "kaboom")
}

func TestConcurrencyNeverExceedsCap(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxConcurrency = 2
	s := startEngine(t, cfg, nil)

	var active, peak atomic.Int32
	op := func(context.Context) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	ids := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		id, err := s.Submit("work", op)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			st := s.Stats()
			assert.LessOrEqual(t, st.Running, 2)
			assert.LessOrEqual(t, st.InFlight, 2)
			if st.Completed == len(ids) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for _, id := range ids {
		waitStatus(t, s, id, StatusCompleted)
	}
	<-done
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPriorityOrderWithSingleSlot(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxConcurrency = 1
	s := New(cfg, logx.Nop(), nil)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	var mu sync.Mutex
	var order []string
	record := func(name string) Operation {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	var ids []string
	for _, sub := range []struct {
		name string
		p    Priority
	}{
		{"low", PriorityLow},
		{"normal-1", PriorityNormal},
		{"high", PriorityHigh},
		{"normal-2", PriorityNormal},
	} {
		id, err := s.SubmitPriority(sub.name, record(sub.name), sub.p)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	s.Start(context.Background())
	for _, id := range ids {
		waitStatus(t, s, id, StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, order)
}

// A long low-priority task holds the only slot; a high-priority task submitted
// meanwhile must wait for it instead of preempting it.
func TestHighPriorityWaitsForOccupiedSlot(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxConcurrency = 1
	s := startEngine(t, cfg, nil)

	a, err := s.SubmitPriority("A", func(context.Context) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "A", nil
	}, PriorityLow, WithTimeout(100*time.Millisecond), WithRetries(0))
	require.NoError(t, err)
	waitStatus(t, s, a, StatusRunning)

	time.Sleep(10 * time.Millisecond)
	b, err := s.SubmitPriority("B", succeed, PriorityHigh)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	tb, _ := s.Status(b)
	assert.Equal(t, StatusPending, tb.Status)
	ta, _ := s.Status(a)
	assert.Equal(t, StatusRunning, ta.Status)

	ta = waitStatus(t, s, a, StatusFailed)
	assert.Equal(t, OutcomeTimeout, ta.LastOutcome)
	waitStatus(t, s, b, StatusCompleted)
}

func TestDelayedSubmitWaits(t *testing.T) {
	t.Parallel()
	s := startEngine(t, fastConfig(), nil)

	id, err := s.SubmitDelayed("later", succeed, 80*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	tk, _ := s.Status(id)
	assert.Equal(t, StatusPending, tk.Status)

	tk = waitStatus(t, s, id, StatusCompleted)
	assert.True(t, tk.LastAttemptAt.Sub(tk.CreatedAt) >= 80*time.Millisecond)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxConcurrency = 1
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, EventCancelled)
	defer unsub()
	s := startEngine(t, cfg, bus)

	release := make(chan struct{})
	running, err := s.Submit("blocker", func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	waitStatus(t, s, running, StatusRunning)

	pending, err := s.Submit("queued", succeed)
	require.NoError(t, err)

	assert.False(t, s.Cancel("tsk-unknown"))
	assert.False(t, s.Cancel(running), "running tasks cannot be cancelled")
	assert.True(t, s.Cancel(pending))
	assert.False(t, s.Cancel(pending), "second cancel finds nothing")
	_, found := s.Status(pending)
	assert.False(t, found)

	select {
	case ev := <-events:
		assert.Equal(t, EventCancelled, ev.Type)
		assert.Equal(t, pending, ev.Data.(TaskEvent).ID)
	case <-time.After(time.Second):
		t.Fatal("no cancel event")
	}

	close(release)
	waitStatus(t, s, running, StatusCompleted)
	assert.False(t, s.Cancel(running), "finished tasks cannot be cancelled")
}

func TestClearFinished(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxConcurrency = 3
	s := startEngine(t, cfg, nil)

	okID, err := s.Submit("good", succeed)
	require.NoError(t, err)
	badID, err := s.Submit("bad", func(context.Context) (any, error) { return nil, errors.New("x") })
	require.NoError(t, err)
	waitStatus(t, s, okID, StatusCompleted)
	waitStatus(t, s, badID, StatusFailed)

	later, err := s.SubmitDelayed("later", succeed, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, s.ClearFinished())
	assert.Equal(t, 0, s.ClearFinished())

	_, found := s.Status(okID)
	assert.False(t, found)
	_, found = s.Status(later)
	assert.True(t, found)
	assert.Equal(t, 1, s.Stats().Total)
}

func TestClearFinishedKeepsRunningRecords(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MaxConcurrency = 2
	s := startEngine(t, cfg, nil)

	release := make(chan struct{})
	defer close(release)
	running, err := s.Submit("blocker", func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	waitStatus(t, s, running, StatusRunning)

	done, err := s.Submit("done", succeed)
	require.NoError(t, err)
	waitStatus(t, s, done, StatusCompleted)

	before := s.Stats()
	assert.Equal(t, 1, s.ClearFinished())

	tk, found := s.Status(running)
	require.True(t, found)
	assert.Equal(t, StatusRunning, tk.Status)
	after := s.Stats()
	assert.Equal(t, 1, after.Running)
	assert.Equal(t, before.Pending, after.Pending)
	assert.Equal(t, before.Running, after.Running)
}

func TestRetentionPurgesFinishedRecords(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Retention = 40 * time.Millisecond
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, EventPurged)
	defer unsub()
	s := startEngine(t, cfg, bus)

	id, err := s.Submit("ephemeral", succeed)
	require.NoError(t, err)
	waitStatus(t, s, id, StatusCompleted)

	require.Eventually(t, func() bool {
		_, found := s.Status(id)
		return !found
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case ev := <-events:
		assert.Equal(t, id, ev.Data.(TaskEvent).ID)
	case <-time.After(time.Second):
		t.Fatal("no purge event")
	}
}

func TestStatsCounts(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), logx.Nop(), nil)

	for _, p := range []Priority{PriorityHigh, PriorityHigh, PriorityNormal, PriorityLow} {
		_, err := s.SubmitPriority("x", succeed, p)
		require.NoError(t, err)
	}

	st := s.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 4, st.Pending)
	assert.Equal(t, PriorityCounts{High: 2, Normal: 1, Low: 1}, st.PendingByPriority)
	assert.True(t, st.IsEnabled)
	assert.False(t, st.IsShuttingDown)
	assert.Equal(t, 5, st.MaxConcurrency)
}

func TestStopDrainsInFlight(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), logx.Nop(), nil)
	s.Start(context.Background())

	id, err := s.Submit("short", func(context.Context) (any, error) {
		time.Sleep(60 * time.Millisecond)
		return nil, nil
	})
	require.NoError(t, err)
	waitStatus(t, s, id, StatusRunning)

	require.NoError(t, s.Stop(context.Background()))
	tk, _ := s.Status(id)
	assert.Equal(t, StatusCompleted, tk.Status)

	_, err = s.Submit("after", succeed)
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, s.Stop(context.Background()), "second stop is a no-op")
}

func TestStopDrainTimeout(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())

	release := make(chan struct{})
	defer close(release)
	id, err := s.Submit("stuck", func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, WithTimeout(time.Minute))
	require.NoError(t, err)
	waitStatus(t, s, id, StatusRunning)

	start := time.Now()
	err = s.Stop(context.Background())
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOverlappingStopReportsDrainTimeout(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())

	release := make(chan struct{})
	defer close(release)
	id, err := s.Submit("stuck", func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, WithTimeout(time.Minute))
	require.NoError(t, err)
	waitStatus(t, s, id, StatusRunning)

	first := make(chan error, 1)
	go func() { first <- s.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return s.Stats().IsShuttingDown }, time.Second, time.Millisecond)

	second := s.Stop(context.Background())
	assert.ErrorIs(t, second, ErrDrainTimeout)
	assert.ErrorIs(t, <-first, ErrDrainTimeout)
}

func TestRestartArmsRetentionForDrainedRecords(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Retention = 30 * time.Millisecond
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	id, err := s.Submit("draining", func(context.Context) (any, error) {
		time.Sleep(60 * time.Millisecond)
		return nil, nil
	})
	require.NoError(t, err)
	waitStatus(t, s, id, StatusRunning)
	require.NoError(t, s.Stop(context.Background()))

	// Finished during the drain, so no timer was armed while stopped.
	time.Sleep(100 * time.Millisecond)
	tk, found := s.Status(id)
	require.True(t, found)
	assert.Equal(t, StatusCompleted, tk.Status)

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		_, found := s.Status(id)
		return !found
	}, 2*time.Second, 5*time.Millisecond)

	_, err = s.Submit("after restart", succeed)
	assert.NoError(t, err)
}

func TestStopDoesNotClaimPendingWork(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), logx.Nop(), nil)
	s.Start(context.Background())

	id, err := s.SubmitDelayed("never", succeed, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))

	time.Sleep(80 * time.Millisecond)
	tk, found := s.Status(id)
	require.True(t, found)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Zero(t, tk.Attempts)
}

func TestEventsFollowLifecycle(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, "task.")
	defer unsub()
	s := New(fastConfig(), logx.Nop(), bus)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	id, err := s.Submit("evented", func(context.Context) (any, error) { return nil, errors.New("x") },
		WithRetries(1), WithRetryDelay(30*time.Millisecond))
	require.NoError(t, err)
	s.Start(context.Background())
	waitStatus(t, s, id, StatusFailed)

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 5 {
		select {
		case ev := <-events:
			if ev.Data.(TaskEvent).ID == id {
				types = append(types, ev.Type)
			}
		case <-timeout:
			t.Fatalf("got only %v", types)
		}
	}
	assert.Equal(t, []string{EventSubmitted, EventStarted, EventRetrying, EventStarted, EventFailed}, types)
}
