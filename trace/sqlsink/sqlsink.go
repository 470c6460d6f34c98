// Package sqlsink persists trace entries in SQLite.
package sqlsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentgraph/trace"
)

// Sink implements trace.Sink on top of a SQLite database. Entries are stored
// as JSON documents next to indexed columns for run id and sequence.
type Sink struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at dbPath and runs the schema
// migration. Use ":memory:" for a throwaway database.
func Open(dbPath string) (*Sink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writes
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate trace db: %w", err)
	}
	return &Sink{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trace_entries (
			id          TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			agent       TEXT NOT NULL DEFAULT '',
			tool        TEXT NOT NULL DEFAULT '',
			failed      INTEGER NOT NULL DEFAULT 0,
			started_at  TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			data        TEXT NOT NULL,
			UNIQUE (run_id, seq)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Emit inserts e.
func (s *Sink) Emit(ctx context.Context, e trace.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal trace entry: %w", err)
	}
	failed := 0
	if e.Failed() {
		failed = 1
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO trace_entries (id, run_id, seq, kind, agent, tool, failed, started_at, duration_ms, data) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.RunID, e.Seq, string(e.Kind), e.Agent, e.Tool, failed,
		e.StartedAt.UTC().Format(time.RFC3339Nano), e.Duration.Milliseconds(), string(data),
	)
	if err != nil {
		return fmt.Errorf("insert trace entry: %w", err)
	}
	return nil
}

// Entries returns the entries of runID in sequence order.
func (s *Sink) Entries(ctx context.Context, runID string) ([]trace.Entry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM trace_entries WHERE run_id = ? ORDER BY seq", runID)
	if err != nil {
		return nil, fmt.Errorf("query trace entries: %w", err)
	}
	defer rows.Close()

	var out []trace.Entry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan trace entry: %w", err)
		}
		var e trace.Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("unmarshal trace entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunSummary aggregates the stored entries of one run.
type RunSummary struct {
	RunID     string
	Entries   int
	Failures  int
	StartedAt time.Time
}

// Runs summarizes every stored run, most recent first.
func (s *Sink) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, COUNT(*), SUM(failed), MIN(started_at)
		FROM trace_entries GROUP BY run_id ORDER BY MIN(started_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			started string
		)
		if err := rows.Scan(&r.RunID, &r.Entries, &r.Failures, &started); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, r)
	}
	return out, rows.Err()
}
