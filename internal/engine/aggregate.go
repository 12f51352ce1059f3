package engine

import (
	"context"
	"time"

	"github.com/rcassidy/verity/internal/model"
)

// aggregate folds per-case final statuses into the run-level result.
//
// Precedence: a cancelled run reports cancelled regardless of partial
// results (they remain in the record for audit); otherwise any
// infrastructure error after retries makes the run an error, any logic
// failure makes it failed, and only a run whose cases all passed or were
// skipped is passed.
func (e *Engine) aggregate(ctx context.Context, h *runHandle, statuses []string) model.RunResult {
	var counts model.RunCounts
	for _, status := range statuses {
		switch status {
		case model.StepPassed:
			counts.Passed++
		case model.StepFailed:
			counts.Failed++
		case model.StepError:
			counts.Errored++
		case model.StepSkipped:
			counts.Skipped++
		case model.StepCancelled:
			counts.Cancelled++
		}
	}

	result := model.RunResult{Counts: counts}
	switch {
	case h.Status() == model.StatusCancelled:
		result.Status = model.StatusCancelled
	case ctx.Err() == context.DeadlineExceeded:
		result.Status = model.StatusError
		result.Error = "run exceeded its execution timeout"
	case counts.Errored > 0:
		result.Status = model.StatusError
	case counts.Failed > 0:
		result.Status = model.StatusFailed
	default:
		result.Status = model.StatusPassed
	}
	return result
}

// finalize persists the run's terminal record and emits the closing event.
// Only the run's execution goroutine calls it.
func (e *Engine) finalize(run *model.TestRun, h *runHandle, result model.RunResult, start time.Time) {
	ctx := context.Background()

	h.mu.Lock()
	if h.status != model.StatusCancelled {
		// A run can be finalized from running (cases done), or from paused
		// when the run timeout expires mid-pause; either way the aggregate
		// result is authoritative.
		h.status = result.Status
	}
	final := h.status
	h.mu.Unlock()

	now := time.Now().UTC()
	dur := int(time.Since(start).Milliseconds())
	run.Status = final
	run.Error = result.Error
	run.Counts = &result.Counts
	run.DurationMS = &dur
	run.FinishedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.Error("persist final run record", "run_id", run.ID, "error", err)
	}

	runsTotal.WithLabelValues(final).Inc()
	runDuration.Observe(time.Since(start).Seconds())
	e.emit(Event{RunID: run.ID, Kind: EventStatus, Status: final, At: now})
}
