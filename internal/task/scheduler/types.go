package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Asia/Jakarta"; empty means Local

	// StartupSpread delays the first fire of interval schedules by a random
	// amount up to min(interval, 30s) so many jobs don't fire together.
	StartupSpread bool
}

// Submitter is the slice of the engine the scheduler needs.
type Submitter interface {
	Submit(name string, op engine.Operation, opts ...engine.Option) (string, error)
}

// Job is a recurring submission. Every fire submits Op under Name with Options.
type Job struct {
	Name    string
	Spec    string
	Op      engine.Operation
	Options []engine.Option
}

type scheduleDef struct {
	id      string
	name    string
	spec    ParsedSpec
	op      engine.Operation
	opts    []engine.Option
	entryID cron.EntryID
	spread  time.Duration

	stats *fireStats
}

type fireStats struct {
	mu         sync.Mutex
	fired      uint64
	failed     uint64
	lastTaskID string
	lastErr    string
	lastFireAt time.Time
}

// ScheduleInfo describes one registered schedule.
type ScheduleInfo struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Spec       string        `json:"spec"`
	Kind       string        `json:"kind"`
	Spread     time.Duration `json:"spread,omitempty"`
	Next       time.Time     `json:"next,omitzero"`
	Prev       time.Time     `json:"prev,omitzero"`
	Fired      uint64        `json:"fired"`
	Failed     uint64        `json:"failed"`
	LastTaskID string        `json:"last_task_id,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	LastFireAt time.Time     `json:"last_fire_at,omitzero"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

// Service turns schedules into engine submissions. It never executes work
// itself.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	sub Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef
	seq    uint64

	submitWarn *logx.Sampler
}
