package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskd/pkg/logx"
)

// hotSections are applied in place on reload; everything else takes effect
// on the next restart.
var hotSections = map[string]bool{"logging": true, "scheduler": true}

// Change describes the difference between two configs.
type Change struct {
	Sections        []string
	RestartRequired []string
	Fields          []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Summarize compares two configs section by section. Fields are safe to log.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if !hotSections[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oldEng, _ := oldCfg.EngineConfig()
	newEng, _ := newCfg.EngineConfig()
	if oldEng != newEng {
		mark("engine",
			logx.Bool("engine.enabled", newEng.Enabled),
			logx.Int("engine.max_concurrency", newEng.MaxConcurrency),
			logx.Int("engine.default_retries", newEng.DefaultRetries),
			logx.Duration("engine.default_timeout", newEng.DefaultTimeout),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		mark("http",
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Address()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		var driver string
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		mark("storage", logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Telemetry, newCfg.Telemetry) {
		mark("telemetry", logx.Bool("telemetry.enabled", newCfg.Telemetry != nil && newCfg.Telemetry.Enabled))
	}

	if oldCfg.Scheduler != newCfg.Scheduler || !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.jobs", len(newCfg.Schedules)),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
