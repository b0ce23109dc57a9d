package config

import (
	"errors"
	"strings"
	"time"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

const (
	DefaultHTTPAddr          = "127.0.0.1:8080"
	DefaultTelemetryInterval = time.Minute
	DefaultBusyTimeout       = 5 * time.Second
)

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	if c == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		Format:  c.Logging.Format,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// EngineConfig resolves the engine section. A missing section yields an
// enabled engine with every default.
func (c *Config) EngineConfig() (engine.Config, error) {
	out := engine.DefaultConfig()
	if c == nil || c.Engine == nil {
		return out, nil
	}
	e := c.Engine
	if e.Enabled != nil {
		out.Enabled = *e.Enabled
	}
	if e.MaxConcurrency > 0 {
		out.MaxConcurrency = e.MaxConcurrency
	}
	if e.DefaultRetries != nil {
		out.DefaultRetries = *e.DefaultRetries
	}

	var errs []error
	// retry delay may legitimately be "0s", so an explicit value wins.
	if strings.TrimSpace(e.DefaultRetryDelay) != "" {
		d, err := ParseDurationField("engine.default_retry_delay", e.DefaultRetryDelay)
		errs = append(errs, err)
		out.DefaultRetryDelay = d
	}
	var err error
	out.DefaultTimeout, err = ParseDurationOrDefault("engine.default_timeout", e.DefaultTimeout, out.DefaultTimeout)
	errs = append(errs, err)
	out.PollInterval, err = ParseDurationOrDefault("engine.poll_interval", e.PollInterval, out.PollInterval)
	errs = append(errs, err)
	out.Retention, err = ParseDurationOrDefault("engine.retention", e.Retention, out.Retention)
	errs = append(errs, err)
	out.ShutdownTimeout, err = ParseDurationOrDefault("engine.shutdown_timeout", e.ShutdownTimeout, out.ShutdownTimeout)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// HTTPTimeouts holds resolved server timeouts.
type HTTPTimeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Address returns the listen address with the default applied.
func (h HTTPConfig) Address() string {
	if a := strings.TrimSpace(h.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

func (h HTTPConfig) Timeouts() (HTTPTimeouts, error) {
	var t HTTPTimeouts
	var e1, e2, e3 error
	t.Read, e1 = ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	t.Write, e2 = ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 30*time.Second)
	t.Idle, e3 = ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	return t, errors.Join(e1, e2, e3)
}

func (s *StorageConfig) BusyTimeoutDuration() (time.Duration, error) {
	if s == nil {
		return DefaultBusyTimeout, nil
	}
	return ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, DefaultBusyTimeout)
}

func (t *TelemetryConfig) IntervalDuration() (time.Duration, error) {
	if t == nil {
		return DefaultTelemetryInterval, nil
	}
	return ParseDurationOrDefault("telemetry.interval", t.Interval, DefaultTelemetryInterval)
}

// Location loads the scheduler timezone (local time when empty).
func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
