package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("store closed")

// DefaultMaxRecords is how many outcomes a store retains.
const DefaultMaxRecords = 10000

// Config configures storage. An empty Driver (or "none") disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxRecords  int           // 0 means DefaultMaxRecords
}

// Outcome is one terminal task transition. Keep it compact and schema-stable.
type Outcome struct {
	TaskID      string    `json:"task_id"`
	Name        string    `json:"name"`
	Priority    string    `json:"priority"`
	Status      string    `json:"status"`            // completed | failed | cancelled
	Outcome     string    `json:"outcome,omitempty"` // success | timeout | handler_failure
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Error       string    `json:"error,omitempty"`
	TookMS      int64     `json:"took_ms"`
	At          time.Time `json:"at"`
}

// Store is the persistence API the recorder and the HTTP API use.
type Store interface {
	AppendOutcome(ctx context.Context, o Outcome) error
	// RecentOutcomes returns up to limit outcomes, newest first.
	RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error)
	Close() error
}
