// Package storage keeps an append-only history of terminal task outcomes
// (completed, failed, cancelled) so operators can look back after the engine
// has purged its records.
//
// Drivers:
//   - file: JSON Lines, compacted when it grows past twice the retained size
//   - sqlite: modernc.org/sqlite (pure Go), schema embedded from migrations.sql
package storage
