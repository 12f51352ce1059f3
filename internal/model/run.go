package model

import (
	"encoding/json"
	"time"
)

// Run status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusPassed    = "passed"
	StatusFailed    = "failed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Test case type tags. The orchestrator routes by tag and never looks
// inside a case's configuration.
const (
	TypeE2E              = "e2e"
	TypeVisualRegression = "visual-regression"
	TypePerformanceAudit = "performance-audit"
	TypeLoad             = "load"
	TypeAccessibility    = "accessibility"
	TypeSecurityScan     = "security-scan"
	TypeAPI              = "api"
)

// CaseTypes lists every known test case type tag.
var CaseTypes = []string{
	TypeE2E,
	TypeVisualRegression,
	TypePerformanceAudit,
	TypeLoad,
	TypeAccessibility,
	TypeSecurityScan,
	TypeAPI,
}

// Priority bounds for run submission. Lower numbers are more urgent.
const (
	MinPriority     = 0
	MaxPriority     = 99
	DefaultPriority = 50
)

// validTransitions maps each run status to the set of statuses it may
// transition to. Terminal statuses have no entries.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusPaused:    true,
		StatusPassed:    true,
		StatusFailed:    true,
		StatusError:     true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a run status is terminal.
func Terminal(status string) bool {
	switch status {
	case StatusPassed, StatusFailed, StatusError, StatusCancelled:
		return true
	}
	return false
}

// TestRun is the unit of scheduling: one execution of a set of test cases
// tracked as a single lifecycle unit.
type TestRun struct {
	ID         string      `json:"id"`
	OrgID      string      `json:"org_id"`
	ProjectID  string      `json:"project_id"`
	SuiteID    string      `json:"suite_id,omitempty"`
	Priority   int         `json:"priority"`
	Status     string      `json:"status"`
	Cases      []*TestCase `json:"cases,omitempty"`
	Error      string      `json:"error,omitempty"`
	Counts     *RunCounts  `json:"counts,omitempty"`
	DurationMS *int        `json:"duration_ms,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// TestCase is one executable unit within a run. Config is opaque to the
// orchestrator; only the executor resolved for Type interprets it.
type TestCase struct {
	ID       string          `json:"id"`
	RunID    string          `json:"run_id"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Config   json.RawMessage `json:"config,omitempty"`
	Status   string          `json:"status"`
	Attempts int             `json:"attempts"`
}

// Step result status constants. A step result records the outcome of one
// executor invocation; retries append new results rather than mutating
// prior ones.
const (
	StepPassed    = "passed"
	StepFailed    = "failed"
	StepError     = "error"
	StepSkipped   = "skipped"
	StepCancelled = "cancelled"
)

// StepResult is the immutable outcome of a single executor attempt.
type StepResult struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	CaseID     string    `json:"case_id"`
	Attempt    int       `json:"attempt"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	DurationMS int       `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunCounts tallies a run's cases by their final step status.
type RunCounts struct {
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Errored   int `json:"errored"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// Total returns the number of counted cases.
func (c RunCounts) Total() int {
	return c.Passed + c.Failed + c.Errored + c.Skipped + c.Cancelled
}

// RunResult is the aggregate outcome of a run.
type RunResult struct {
	Status string    `json:"status"`
	Counts RunCounts `json:"counts"`
	Error  string    `json:"error,omitempty"`
}
