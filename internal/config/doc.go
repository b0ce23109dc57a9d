// Package config loads taskd's configuration file (JSON or YAML), applies
// TASKD_* environment overrides and validates it. Manager watches the file
// and publishes reloads.
package config
