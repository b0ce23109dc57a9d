package config

// Config is the taskd configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Optional sections are pointers: nil means "use defaults" for engine and
// "disabled" for storage and telemetry.
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Engine    *EngineConfig    `json:"engine,omitempty"`
	HTTP      HTTPConfig       `json:"http"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Telemetry *TelemetryConfig `json:"telemetry,omitempty"`

	Scheduler SchedulerConfig  `json:"scheduler"`
	Schedules []ScheduleConfig `json:"schedules,omitempty" validate:"dive"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty" validate:"omitempty,oneof=console json"` // stdout sink; default console
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the task engine.
//
// Enabled and DefaultRetries are pointers so an omitted key can be told apart
// from an explicit false / 0.
//
// Defaults (when omitted):
//   - enabled: true
//   - max_concurrency: 5
//   - default_retries: 3
//   - default_retry_delay: "5s"
//   - default_timeout: "30s"
//   - poll_interval: "100ms"
//   - retention: "60s"
//   - shutdown_timeout: "30s"
type EngineConfig struct {
	Enabled        *bool `json:"enabled,omitempty"`
	MaxConcurrency int   `json:"max_concurrency,omitempty" validate:"gte=0,lte=1024"`

	DefaultRetries    *int   `json:"default_retries,omitempty" validate:"omitempty,gte=0,lte=100"`
	DefaultRetryDelay string `json:"default_retry_delay,omitempty"`
	DefaultTimeout    string `json:"default_timeout,omitempty"`

	PollInterval    string `json:"poll_interval,omitempty"`
	Retention       string `json:"retention,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// HTTPConfig controls the operator API.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"` // default: "127.0.0.1:8080"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts net/http/pprof under /debug. Only honored on loopback addrs.
	Pprof bool `json:"pprof,omitempty"`
}

// StorageConfig controls the outcome history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskd.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"required,oneof=file sqlite"`
	Path        string `json:"path" validate:"required"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// TelemetryConfig controls the OpenTelemetry metrics exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // export interval, default "1m"
}

// SchedulerConfig controls recurring submissions.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleConfig declares one recurring task.
//
// Spec accepts cron expressions ("*/5 * * * *", "@hourly"), "@every 5m",
// plain durations ("10m"), "HH:MM" intervals, wall-clock "daily:02:30" and
// "weekly:mon 09:00", and the "cron:" / "interval:" prefixes.
type ScheduleConfig struct {
	Name    string `json:"name" validate:"required"`
	Spec    string `json:"spec" validate:"required"`
	Handler string `json:"handler" validate:"required"`

	Priority   string         `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
	Retries    *int           `json:"retries,omitempty" validate:"omitempty,gte=0,lte=100"`
	RetryDelay string         `json:"retry_delay,omitempty"`
	Timeout    string         `json:"timeout,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
}
