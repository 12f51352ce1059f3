// Package executor defines the common interface that all test-type executors
// (browser flows, visual diffing, performance audits, load generation,
// accessibility and security scans, API probes) must implement, along with
// the registry that resolves an executor for a case's type tag.
package executor

import (
	"context"

	"github.com/rcassidy/verity/internal/model"
)

// Executor runs one test case. Implementations must observe ctx cancellation
// at their checkpoints and return promptly with a cancelled result rather
// than running to completion.
type Executor interface {
	// Execute runs the case and reports its outcome. A non-nil error marks
	// an infrastructure failure (process crash, transport failure, timeout)
	// and is eligible for retry; logic outcomes (passed, failed, cancelled,
	// skipped) are carried in the Result with a nil error.
	Execute(ctx context.Context, tc *model.TestCase) (Result, error)

	// Capabilities reports what this executor supports.
	Capabilities() Capabilities
}

// Result is the outcome of one executor invocation.
type Result struct {
	// Status is one of the model.Step* constants.
	Status string `json:"status"`
	// Detail carries human-readable output: assertion messages, diff
	// summaries, truncated tool output.
	Detail     string `json:"detail,omitempty"`
	DurationMS int    `json:"duration_ms"`
}

// Capabilities describes an executor for the registry listing.
type Capabilities struct {
	Name  string   `json:"name"`
	Types []string `json:"types"`
}
