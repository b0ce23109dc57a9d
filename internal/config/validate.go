package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and every duration field. It does not parse
// schedule specs; the scheduler owns that grammar.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if _, err := cfg.EngineConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.HTTP.Timeouts(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Storage.BusyTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Telemetry.IntervalDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Scheduler.Location(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}

	seen := make(map[string]struct{}, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		if _, dup := seen[sc.Name]; dup {
			errs = append(errs, fmt.Errorf("schedules[%d]: duplicate name %q", i, sc.Name))
		}
		seen[sc.Name] = struct{}{}
		if _, err := ParseDurationField(fmt.Sprintf("schedules[%d].retry_delay", i), sc.RetryDelay); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField(fmt.Sprintf("schedules[%d].timeout", i), sc.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
