// Package buildlog keeps a history of build outcomes in SQLite (pure Go, no
// cgo). Only outcomes are stored; artifacts and manifests are never versioned.
package buildlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrClosed = errors.New("buildlog: ledger is closed")

type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Record is one generation's outcome.
type Record struct {
	Generation  uint64        `json:"generation"`
	Mode        string        `json:"mode"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"durationNs"`
	Chunks      int           `json:"chunks"`
	Transformed int           `json:"transformed"`
	Error       string        `json:"error,omitempty"`
}

type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("buildlog: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("buildlog: open: %w", err)
	}
	// One writer at a time; the dev server and a CLI build may share the file.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("buildlog: %s: %w", pragma, err)
		}
	}
	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("buildlog: migrate: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS builds (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			generation  INTEGER NOT NULL,
			mode        TEXT NOT NULL,
			status      TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			chunks      INTEGER NOT NULL DEFAULT 0,
			transformed INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) Record(ctx context.Context, r Record) error {
	if l == nil || l.db == nil {
		return ErrClosed
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO builds (generation, mode, status, started_at, duration_ms, chunks, transformed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(r.Generation), r.Mode, string(r.Status), r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.Duration.Milliseconds(), r.Chunks, r.Transformed, r.Error,
	)
	if err != nil {
		return fmt.Errorf("buildlog: record generation %d: %w", r.Generation, err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (l *Ledger) Recent(ctx context.Context, n int) ([]Record, error) {
	if l == nil || l.db == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		n = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT generation, mode, status, started_at, duration_ms, chunks, transformed, error
		FROM builds ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("buildlog: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			gen      int64
			status   string
			started  string
			duration int64
		)
		if err := rows.Scan(&gen, &r.Mode, &status, &started, &duration, &r.Chunks, &r.Transformed, &r.Error); err != nil {
			return nil, fmt.Errorf("buildlog: scan: %w", err)
		}
		r.Generation = uint64(gen)
		r.Status = Status(status)
		r.Duration = time.Duration(duration) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.StartedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NextGeneration returns one past the highest recorded generation, so
// generations stay monotonic across processes.
func (l *Ledger) NextGeneration(ctx context.Context) (uint64, error) {
	if l == nil || l.db == nil {
		return 0, ErrClosed
	}
	var max sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(generation) FROM builds`).Scan(&max); err != nil {
		return 0, fmt.Errorf("buildlog: next generation: %w", err)
	}
	return uint64(max.Int64) + 1, nil
}
