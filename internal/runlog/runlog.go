// Package runlog records pipeline run history in a local sqlite
// database so past runs can be inspected after the process exits.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// Run is one recorded pipeline run.
type Run struct {
	RunID        string       `json:"run_id"`
	Description  string       `json:"description"`
	DocumentPath string       `json:"document_path"`
	Status       string       `json:"status"` // running, completed, failed, cancelled
	TaskCount    int          `json:"task_count"`
	Succeeded    int          `json:"succeeded"`
	Failed       int          `json:"failed"`
	DurationMs   int64        `json:"duration_ms"`
	CreatedAt    string       `json:"created_at"`
	CompletedAt  string       `json:"completed_at,omitempty"`
	Results      []TaskResult `json:"results,omitempty"`
}

// TaskResult is one task outcome within a run.
type TaskResult struct {
	TaskID     string `json:"task_id"`
	Stage      string `json:"stage"`
	Attempts   int    `json:"attempts"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Detail     string `json:"detail,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// maxDetailBytes bounds stored failure detail.
const maxDetailBytes = 10240

// Store persists runs and their task results.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the run history database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "runs.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		document_path TEXT NOT NULL,
		status TEXT NOT NULL,
		task_count INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);

	CREATE TABLE IF NOT EXISTS task_results (
		result_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		success INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		detail TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_results_run ON task_results(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun creates a new run record and returns its ID.
func (s *Store) StartRun(ctx context.Context, description, documentPath string) (string, error) {
	runID := "run-" + ulid.Make().String()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, description, document_path, status, created_at)
		VALUES (?, ?, ?, 'running', ?)
	`, runID, description, documentPath, now)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return runID, nil
}

// RecordTaskResult saves one task outcome under a run.
func (s *Store) RecordTaskResult(ctx context.Context, runID string, result TaskResult) error {
	detail := result.Detail
	if len(detail) > maxDetailBytes {
		detail = detail[:maxDetailBytes] + "\n... (truncated)"
	}

	now := time.Now().UTC().Format(time.RFC3339)
	resultID := "res-" + ulid.Make().String()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (result_id, run_id, task_id, stage, attempts, success, exit_code, detail, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, resultID, runID, result.TaskID, result.Stage, result.Attempts, result.Success, result.ExitCode, detail, result.DurationMs, now)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET
			task_count = task_count + 1,
			succeeded = succeeded + CASE WHEN ? THEN 1 ELSE 0 END,
			failed = failed + CASE WHEN ? THEN 0 ELSE 1 END
		WHERE run_id = ?
	`, result.Success, result.Success, runID)
	if err != nil {
		return fmt.Errorf("update run counters: %w", err)
	}
	return nil
}

// CompleteRun marks a run terminal with the given status.
func (s *Store) CompleteRun(ctx context.Context, runID, status string, duration time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, duration_ms = ? WHERE run_id = ?
	`, status, now, duration.Milliseconds(), runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// GetRun retrieves a run with its task results.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	var completedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, description, document_path, status, task_count, succeeded, failed, duration_ms, created_at, completed_at
		FROM runs WHERE run_id = ?
	`, runID).Scan(&run.RunID, &run.Description, &run.DocumentPath, &run.Status,
		&run.TaskCount, &run.Succeeded, &run.Failed, &run.DurationMs, &run.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, err
	}
	run.CompletedAt = completedAt.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, stage, attempts, success, exit_code, COALESCE(detail, ''), duration_ms
		FROM task_results WHERE run_id = ? ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r TaskResult
		if err := rows.Scan(&r.TaskID, &r.Stage, &r.Attempts, &r.Success, &r.ExitCode, &r.Detail, &r.DurationMs); err != nil {
			return nil, err
		}
		run.Results = append(run.Results, r)
	}
	return &run, rows.Err()
}

// ListRuns returns recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, description, document_path, status, task_count, succeeded, failed, duration_ms, created_at, completed_at
		FROM runs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var completedAt sql.NullString
		if err := rows.Scan(&run.RunID, &run.Description, &run.DocumentPath, &run.Status,
			&run.TaskCount, &run.Succeeded, &run.Failed, &run.DurationMs, &run.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		run.CompletedAt = completedAt.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
