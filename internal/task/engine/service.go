package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskd/internal/eventbus"
	rtsup "taskd/internal/runtime/supervisor"
	logx "taskd/pkg/logx"
)

// Service is the in-process task engine: a registry of task records, a pool of
// pollers that claim eligible tasks under a global concurrency cap, and the
// execution/retry machinery that records outcomes.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	retryLog *logx.Sampler

	// mu guards everything below. All registry mutations happen under it.
	mu           sync.Mutex
	reg          *registry
	inFlight     int
	shuttingDown bool
	stopped      bool
	timers       map[string]*time.Timer

	sup      *rtsup.Supervisor
	runCtx   context.Context
	stopDone chan struct{}
	stopErr  error // result of the last Stop, for callers that joined it

	pollers atomic.Int32
}

// New builds an engine. It does not start pollers; call Start.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		now:      time.Now,
		retryLog: logx.NewSampler(5, 10),
		reg:      newRegistry(),
		timers:   make(map[string]*time.Timer),
		runCtx:   context.Background(),
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Config returns the effective configuration (defaults applied).
func (s *Service) Config() Config { return s.cfg }

// Supervisor returns the poller supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Submit admits a task and returns its id immediately. Execution happens
// later on a poller; outcomes are observed through Status or task.* events.
func (s *Service) Submit(name string, op Operation, opts ...Option) (string, error) {
	if !s.cfg.Enabled {
		return "", ErrServiceDisabled
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if op == nil {
		return "", fmt.Errorf("%w: operation is nil", ErrInvalidTask)
	}

	o := resolveOptions(s.cfg, opts)
	t := &Task{
		Name:        name,
		Priority:    o.priority,
		Delay:       o.delay,
		MaxAttempts: o.retries + 1,
		RetryDelay:  o.retryDelay,
		Timeout:     o.timeout,
		Status:      StatusPending,
		op:          op,
	}

	s.mu.Lock()
	if s.stopped || s.shuttingDown {
		s.mu.Unlock()
		return "", ErrStopped
	}
	t.CreatedAt = s.now()
	s.reg.insert(t)
	ev := eventOf(t)
	s.mu.Unlock()

	s.log.Debug("task.submitted",
		logx.String("task", name),
		logx.String("id", ev.ID),
		logx.String("priority", ev.Priority.String()),
		logx.Duration("delay", t.Delay),
		logx.Int("max_attempts", ev.MaxAttempts),
	)
	s.publish(EventSubmitted, ev)
	return ev.ID, nil
}

// SubmitDelayed is Submit with a minimum delay before the first attempt.
func (s *Service) SubmitDelayed(name string, op Operation, delay time.Duration, opts ...Option) (string, error) {
	return s.Submit(name, op, append(opts, WithDelay(delay))...)
}

// SubmitPriority is Submit with an explicit priority tier.
func (s *Service) SubmitPriority(name string, op Operation, p Priority, opts ...Option) (string, error) {
	return s.Submit(name, op, append(opts, WithPriority(p))...)
}

// Cancel removes a pending task. It returns false for running, finished or
// unknown tasks.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.reg.get(id)
	if !ok || t.Status != StatusPending {
		s.mu.Unlock()
		return false
	}
	s.reg.remove(id)
	ev := eventOf(t)
	s.mu.Unlock()

	s.log.Debug("task.cancelled", logx.String("task", ev.Name), logx.String("id", id))
	s.publish(EventCancelled, ev)
	return true
}

// Status returns a copy of the task record.
func (s *Service) Status(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.reg.get(id)
	if !ok {
		return Task{}, false
	}
	cp := *t
	cp.op = nil
	return cp, true
}

// ClearFinished purges every completed and failed record and returns how many
// were removed.
func (s *Service) ClearFinished() int {
	s.mu.Lock()
	ids := s.reg.finishedIDs()
	for _, id := range ids {
		s.reg.remove(id)
		s.stopRetentionLocked(id)
	}
	s.mu.Unlock()

	if len(ids) > 0 {
		s.log.Info("finished tasks cleared", logx.Int("removed", len(ids)))
	}
	return len(ids)
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
