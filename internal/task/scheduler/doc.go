// Package scheduler fires recurring submissions into the task engine using
// robfig/cron. It only triggers; retries, timeouts and concurrency belong to
// the engine.
package scheduler
