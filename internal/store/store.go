// Package store keeps a local journal of provisioning runs: when each run
// started and finished, the outcome of every step and the progress log shown
// to the operator.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages the run journal database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Run is a journaled provisioning run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	FailedStep string
	Error      string
	Steps      []Step
	Log        []string
}

// Step is the recorded outcome of one step of a run.
type Step struct {
	Name       string
	Status     string
	Error      string
	DurationMs int64
}

// New opens (or creates) the journal in dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "provisioner.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

// migrate creates or updates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL DEFAULT 'running',
		failed_step TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS log_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		line TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
	CREATE INDEX IF NOT EXISTS idx_log_lines_run ON log_lines(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(runID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, status) VALUES (?, ?, 'running')
	`, runID, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordStep records the outcome of one step.
func (s *Store) RecordStep(runID, step, status, errText string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO steps (run_id, name, status, error, duration_ms) VALUES (?, ?, ?, ?, ?)
	`, runID, step, status, errText, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// AppendLog appends one progress line to a run.
func (s *Store) AppendLog(runID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO log_lines (run_id, line) VALUES (?, ?)`, runID, line)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// FinishRun records the end of a run.
func (s *Store) FinishRun(runID string, finishedAt time.Time, status, failedStep, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE runs SET finished_at = ?, status = ?, failed_step = ?, error = ? WHERE id = ?
	`, finishedAt.UTC(), status, failedStep, errText, runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first, without steps or log.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, status, failed_step, error
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns a run with its steps and log, or nil if it does not exist.
func (s *Store) GetRun(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, err := scanRun(s.db.QueryRow(`
		SELECT id, started_at, finished_at, status, failed_step, error
		FROM runs WHERE id = ?
	`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	steps, err := s.db.Query(`
		SELECT name, status, error, duration_ms FROM steps WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer steps.Close()
	for steps.Next() {
		var step Step
		if err := steps.Scan(&step.Name, &step.Status, &step.Error, &step.DurationMs); err != nil {
			return nil, err
		}
		run.Steps = append(run.Steps, step)
	}
	if err := steps.Err(); err != nil {
		return nil, err
	}

	lines, err := s.db.Query(`SELECT line FROM log_lines WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer lines.Close()
	for lines.Next() {
		var line string
		if err := lines.Scan(&line); err != nil {
			return nil, err
		}
		run.Log = append(run.Log, line)
	}
	return run, lines.Err()
}

// PruneRuns deletes all but the newest keep runs and returns how many were
// removed.
func (s *Store) PruneRuns(keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}

	// foreign_keys is per connection; drop orphans explicitly
	for _, table := range []string{"steps", "log_lines"} {
		if _, err := s.db.Exec("DELETE FROM " + table + " WHERE run_id NOT IN (SELECT id FROM runs)"); err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var finishedAt sql.NullTime
	if err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&finishedAt,
		&run.Status,
		&run.FailedStep,
		&run.Error,
	); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return &run, nil
}
