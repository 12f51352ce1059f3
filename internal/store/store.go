package store

import (
	"context"
	"errors"

	"github.com/rcassidy/verity/internal/model"
)

// ErrNotFound is returned when a run or case is not found.
var ErrNotFound = errors.New("not found")

// RunStats holds aggregate run execution statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByType   map[string]int `json:"count_by_type"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for runs, cases, and step results.
type Store interface {
	CreateRun(ctx context.Context, run *model.TestRun) error
	GetRun(ctx context.Context, id string) (*model.TestRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.TestRun, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRunPriority(ctx context.Context, id string, priority int) error
	UpdateRun(ctx context.Context, run *model.TestRun) error
	UpdateCaseStatus(ctx context.Context, caseID, status string, attempts int) error
	InsertStepResult(ctx context.Context, r *model.StepResult) error
	GetStepResults(ctx context.Context, runID string) ([]model.StepResult, error)
	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}
