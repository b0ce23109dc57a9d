// Package engine is taskd's in-process task engine.
//
// Tasks are admitted with Submit and kept in a registry keyed by id. A fixed
// pool of pollers (one per concurrency slot) ticks at PollInterval and claims
// the best eligible pending task: highest priority first, oldest first within
// a priority. Claimed tasks run in their own goroutine, raced against their
// timeout. Failures are retried after a fixed delay until MaxAttempts is
// reached. Finished records stay queryable for Retention, then are purged.
//
// The engine is not durable: the registry lives in memory only.
package engine
