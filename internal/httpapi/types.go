package httpapi

import (
	"context"
	"time"

	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/handlers"
	"taskd/internal/task/scheduler"
)

// Config configures the HTTP listener.
type Config struct {
	Enabled      bool
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Engine is the subset of the task engine the API drives.
type Engine interface {
	Submit(name string, op engine.Operation, opts ...engine.Option) (string, error)
	Cancel(id string) bool
	Status(id string) (engine.Task, bool)
	Stats() engine.Stats
	ClearFinished() int
}

// Catalogue builds operations by handler name.
type Catalogue interface {
	Build(name string, args handlers.Args) (engine.Operation, error)
	Names() []string
}

// History reads recorded outcomes.
type History interface {
	RecentOutcomes(ctx context.Context, limit int) ([]storage.Outcome, error)
}

// Schedules exposes the scheduler state.
type Schedules interface {
	Snapshot() scheduler.Snapshot
}

// HealthFunc reports process health for /healthz.
type HealthFunc func() any

// Deps wires the router. Engine and Catalogue are required; the rest may be nil.
type Deps struct {
	Engine    Engine
	Catalogue Catalogue
	History   History
	Schedules Schedules
	Health    HealthFunc

	// Profiler mounts net/http/pprof under /debug.
	Profiler bool
}

// SubmitRequest is the body of POST /v1/tasks.
type SubmitRequest struct {
	Handler    string        `json:"handler" validate:"required"`
	Name       string        `json:"name" validate:"omitempty,max=200"`
	Priority   string        `json:"priority" validate:"omitempty,oneof=high normal low HIGH NORMAL LOW"`
	Delay      string        `json:"delay"`
	Retries    *int          `json:"retries" validate:"omitempty,gte=0,lte=100"`
	RetryDelay string        `json:"retry_delay"`
	Timeout    string        `json:"timeout"`
	Args       handlers.Args `json:"args"`
}

// SubmitResponse is returned with 202 Accepted.
type SubmitResponse struct {
	ID string `json:"id"`
}

// TaskView is the JSON rendering of a task record.
type TaskView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Priority      string     `json:"priority"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	Delay         string     `json:"delay,omitempty"`
	RetryDelay    string     `json:"retry_delay"`
	Timeout       string     `json:"timeout"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastOutcome   string     `json:"last_outcome,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Result        any        `json:"result,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func viewOf(t engine.Task) TaskView {
	v := TaskView{
		ID:          t.ID,
		Name:        t.Name,
		Priority:    t.Priority.String(),
		Status:      string(t.Status),
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		RetryDelay:  t.RetryDelay.String(),
		Timeout:     t.Timeout.String(),
		CreatedAt:   t.CreatedAt,
		LastOutcome: string(t.LastOutcome),
		LastError:   t.LastError,
		Result:      t.Result,
	}
	if t.Delay > 0 {
		v.Delay = t.Delay.String()
	}
	v.LastAttemptAt = timePtr(t.LastAttemptAt)
	v.NextRetryAt = timePtr(t.NextRetryAt)
	v.FinishedAt = timePtr(t.FinishedAt)
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
