package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "taskd/pkg/logx"
)

//go:embed migrations.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	max int

	inserts    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("outcome store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, max: cfg.MaxRecords, pruneEvery: 500}, nil
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if s.db == nil {
		return ErrClosed
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(task_id, name, priority, status, outcome, attempts, max_attempts, err, took_ms, at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		o.TaskID, o.Name, o.Priority, o.Status, nullStr(o.Outcome), o.Attempts, o.MaxAttempts,
		nullStr(o.Error), o.TookMS, o.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	if s.inserts.Add(1)%s.pruneEvery == 0 {
		if err := s.prune(ctx); err != nil {
			s.log.Debug("outcome prune failed", logx.Err(err))
		}
	}
	return nil
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = s.max
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, name, priority, status, outcome, attempts, max_attempts, err, took_ms, at
		 FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o        Outcome
			outcome  sql.NullString
			errStr   sql.NullString
			atString string
		)
		if err := rows.Scan(&o.TaskID, &o.Name, &o.Priority, &o.Status, &outcome, &o.Attempts, &o.MaxAttempts, &errStr, &o.TookMS, &atString); err != nil {
			return nil, err
		}
		o.Outcome = outcome.String
		o.Error = errStr.String
		if at, err := time.Parse(time.RFC3339Nano, atString); err == nil {
			o.At = at
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// prune keeps only the newest max rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outcomes WHERE id <= (SELECT id FROM outcomes ORDER BY id DESC LIMIT 1 OFFSET ?)`, s.max)
	return err
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
