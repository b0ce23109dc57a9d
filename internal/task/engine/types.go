package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config controls the task engine. All values are fixed at construction.
//
// Start from DefaultConfig(): New fills zero durations and MaxConcurrency with
// defaults, but a zero DefaultRetries or DefaultRetryDelay is taken literally.
type Config struct {
	Enabled bool

	// MaxConcurrency is both the in-flight cap and the number of pollers.
	MaxConcurrency int

	DefaultRetries    int
	DefaultRetryDelay time.Duration
	DefaultTimeout    time.Duration

	PollInterval time.Duration

	// Retention is how long completed/failed records stay queryable.
	Retention time.Duration

	ShutdownTimeout time.Duration
	DrainInterval   time.Duration
}

const (
	defaultMaxConcurrency  = 5
	defaultRetries         = 3
	defaultRetryDelay      = 5 * time.Second
	defaultTimeout         = 30 * time.Second
	defaultPollInterval    = 100 * time.Millisecond
	defaultRetention       = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultDrainInterval   = 50 * time.Millisecond
)

// DefaultConfig returns an enabled config with every default applied.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		DefaultRetries:    defaultRetries,
		DefaultRetryDelay: defaultRetryDelay,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.DefaultRetries < 0 {
		c.DefaultRetries = 0
	}
	if c.DefaultRetryDelay < 0 {
		c.DefaultRetryDelay = 0
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = defaultDrainInterval
	}
	return c
}

// Priority is the primary selection key. Higher values are dispatched first.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority accepts "high", "normal" and "low" (case-insensitive).
// An empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) finished() bool { return s == StatusCompleted || s == StatusFailed }

// Outcome classifies the result of a single attempt.
type Outcome string

const (
	OutcomeNone           Outcome = ""
	OutcomeSuccess        Outcome = "success"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeHandlerFailure Outcome = "handler_failure"
)

// Operation is the unit of work. The context carries the engine's values but
// is never canceled by the engine, not even on timeout.
type Operation func(ctx context.Context) (any, error)

// Task is a task record. Status returns copies; the registry owns the originals.
type Task struct {
	ID       string
	Name     string
	Priority Priority

	Delay       time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration

	CreatedAt     time.Time
	Attempts      int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	FinishedAt    time.Time

	Status      Status
	LastOutcome Outcome
	LastError   string
	Result      any

	seq uint64
	op  Operation
}

// EligibleAt is the earliest time the task may be claimed.
func (t *Task) EligibleAt() time.Time {
	at := t.CreatedAt.Add(t.Delay)
	if t.NextRetryAt.After(at) {
		at = t.NextRetryAt
	}
	return at
}

// PriorityCounts holds per-tier pending counts.
type PriorityCounts struct {
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
}

// Stats is derived from the registry on demand.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	PendingByPriority PriorityCounts `json:"pending_by_priority"`

	InFlight       int  `json:"in_flight"`
	MaxConcurrency int  `json:"max_concurrency"`
	Pollers        int  `json:"pollers"`
	IsEnabled      bool `json:"is_enabled"`
	IsShuttingDown bool `json:"is_shutting_down"`
}

// Event types published on the bus.
const (
	EventSubmitted = "task.submitted"
	EventStarted   = "task.started"
	EventRetrying  = "task.retrying"
	EventCompleted = "task.completed"
	EventFailed    = "task.failed"
	EventCancelled = "task.cancelled"
	EventPurged    = "task.purged"
)

// TaskEvent is the payload of every task.* event.
type TaskEvent struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Priority    Priority      `json:"priority"`
	Status      Status        `json:"status"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Outcome     Outcome       `json:"outcome,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	NextRetryAt time.Time     `json:"next_retry_at,omitzero"`
}

func eventOf(t *Task) TaskEvent {
	return TaskEvent{
		ID:          t.ID,
		Name:        t.Name,
		Priority:    t.Priority,
		Status:      t.Status,
		Attempt:     t.Attempts,
		MaxAttempts: t.MaxAttempts,
		Outcome:     t.LastOutcome,
		Error:       t.LastError,
		NextRetryAt: t.NextRetryAt,
	}
}
