package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcassidy/verity/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    org_id          TEXT NOT NULL,
    project_id      TEXT NOT NULL,
    suite_id        TEXT,
    priority        INTEGER NOT NULL,
    status          TEXT NOT NULL,
    error           TEXT,
    passed_count    INTEGER NOT NULL DEFAULT 0,
    failed_count    INTEGER NOT NULL DEFAULT 0,
    errored_count   INTEGER NOT NULL DEFAULT 0,
    skipped_count   INTEGER NOT NULL DEFAULT 0,
    cancelled_count INTEGER NOT NULL DEFAULT 0,
    duration_ms     INTEGER,
    created_at      DATETIME NOT NULL,
    started_at      DATETIME,
    finished_at     DATETIME
)`

const createCasesTable = `
CREATE TABLE IF NOT EXISTS cases (
    id       TEXT PRIMARY KEY,
    run_id   TEXT NOT NULL REFERENCES runs(id),
    name     TEXT NOT NULL,
    type     TEXT NOT NULL,
    config   BLOB,
    status   TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0
)`

const createStepResultsTable = `
CREATE TABLE IF NOT EXISTS step_results (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    case_id     TEXT NOT NULL REFERENCES cases(id),
    attempt     INTEGER NOT NULL,
    status      TEXT NOT NULL,
    detail      TEXT,
    duration_ms INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createCasesTable, createStepResultsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record together with its cases, atomically.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.TestRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, org_id, project_id, suite_id, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.OrgID, run.ProjectID, run.SuiteID, run.Priority, run.Status, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, c := range run.Cases {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO cases (id, run_id, name, type, config, status, attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, run.ID, c.Name, c.Type, []byte(c.Config), c.Status, c.Attempts,
		)
		if err != nil {
			return fmt.Errorf("insert case: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetRun retrieves a run and its cases by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.TestRun, error) {
	run := &model.TestRun{Counts: &model.RunCounts{}}
	var errText, suiteID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, project_id, suite_id, priority, status, error,
			passed_count, failed_count, errored_count, skipped_count, cancelled_count,
			duration_ms, created_at, started_at, finished_at
		FROM runs WHERE id = ?`, id,
	).Scan(
		&run.ID, &run.OrgID, &run.ProjectID, &suiteID, &run.Priority, &run.Status, &errText,
		&run.Counts.Passed, &run.Counts.Failed, &run.Counts.Errored,
		&run.Counts.Skipped, &run.Counts.Cancelled,
		&run.DurationMS, &run.CreatedAt, &run.StartedAt, &run.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.SuiteID = suiteID.String
	run.Error = errText.String

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, type, config, status, attempts
		FROM cases WHERE run_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("get cases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c := &model.TestCase{}
		var config []byte
		if err := rows.Scan(&c.ID, &c.RunID, &c.Name, &c.Type, &config, &c.Status, &c.Attempts); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		c.Config = config
		run.Cases = append(run.Cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}

	return run, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC, along
// with the total count. Cases are not loaded; use GetRun for the full record.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.TestRun, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, org_id, project_id, suite_id, priority, status, error,
			passed_count, failed_count, errored_count, skipped_count, cancelled_count,
			duration_ms, created_at, started_at, finished_at
		FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.TestRun
	for rows.Next() {
		run := &model.TestRun{Counts: &model.RunCounts{}}
		var errText, suiteID sql.NullString
		if err := rows.Scan(
			&run.ID, &run.OrgID, &run.ProjectID, &suiteID, &run.Priority, &run.Status, &errText,
			&run.Counts.Passed, &run.Counts.Failed, &run.Counts.Errored,
			&run.Counts.Skipped, &run.Counts.Cancelled,
			&run.DurationMS, &run.CreatedAt, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		run.SuiteID = suiteID.String
		run.Error = errText.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunStatus updates the status of a run. Transitioning to running sets
// started_at; terminal statuses set finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	var result sql.Result
	var err error

	switch {
	case status == model.StatusRunning:
		result, err = s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
			status, time.Now().UTC(), id,
		)
	case model.Terminal(status):
		result, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	default:
		result, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ?",
			status, id,
		)
	}

	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateRunPriority updates a run's requested priority.
func (s *SQLiteStore) UpdateRunPriority(ctx context.Context, id string, priority int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE runs SET priority = ? WHERE id = ?", priority, id,
	)
	if err != nil {
		return fmt.Errorf("update run priority: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRun writes a run's terminal record: status, error, counts, and timing.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.TestRun) error {
	counts := run.Counts
	if counts == nil {
		counts = &model.RunCounts{}
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?,
			passed_count = ?, failed_count = ?, errored_count = ?,
			skipped_count = ?, cancelled_count = ?,
			duration_ms = ?, started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		run.Status, run.Error,
		counts.Passed, counts.Failed, counts.Errored, counts.Skipped, counts.Cancelled,
		run.DurationMS, run.StartedAt, run.FinishedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCaseStatus updates a case's status and attempt counter.
func (s *SQLiteStore) UpdateCaseStatus(ctx context.Context, caseID, status string, attempts int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE cases SET status = ?, attempts = ? WHERE id = ?",
		status, attempts, caseID,
	)
	if err != nil {
		return fmt.Errorf("update case status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertStepResult appends one immutable step result row.
func (s *SQLiteStore) InsertStepResult(ctx context.Context, r *model.StepResult) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (run_id, case_id, attempt, status, detail, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.CaseID, r.Attempt, r.Status, r.Detail, r.DurationMS, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// GetStepResults returns all step results for a run, ordered by insertion, so
// the full attempt history is visible per case.
func (s *SQLiteStore) GetStepResults(ctx context.Context, runID string) ([]model.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, case_id, attempt, status, detail, duration_ms, created_at
		FROM step_results WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get step results: %w", err)
	}
	defer rows.Close()

	var results []model.StepResult
	for rows.Next() {
		var r model.StepResult
		var detail sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.CaseID, &r.Attempt, &r.Status, &detail, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		r.Detail = detail.String
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step results: %w", err)
	}

	return results, nil
}

// GetRunStats computes aggregate statistics across all runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByType:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	typeRows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM cases GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var typ string
		var count int
		if err := typeRows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		stats.CountByType[typ] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate type counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM runs WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("avg duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}
