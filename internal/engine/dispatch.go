package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rcassidy/verity/internal/model"
	"github.com/rcassidy/verity/internal/slots"
)

// executeRun owns a run for its whole execution window: it dispatches the
// cases, aggregates the results, finalizes the run record, and releases the
// slot on every path. A watchdog force-releases the slot if the run ignores
// its deadline past the grace period, so capacity cannot leak behind a stuck
// executor.
func (e *Engine) executeRun(run *model.TestRun, h *runHandle, slot *slots.Slot) {
	defer e.broker.Close(run.ID)
	defer e.dropHandle(run.ID)

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.RunTimeout)
	defer cancel()
	h.mu.Lock()
	h.cancel = cancel
	// A cancel that raced in between admission and here had no context to
	// abort; honor it now.
	if h.status == model.StatusCancelled {
		cancel()
	}
	h.mu.Unlock()

	watchdog := time.AfterFunc(e.opts.RunTimeout+e.opts.ReleaseGrace, func() {
		if err := e.slots.Release(slot); err == nil {
			e.logger.Error("slot force-released: run exceeded timeout and grace", "run_id", run.ID)
		}
	})
	defer func() {
		watchdog.Stop()
		if err := e.slots.Release(slot); err != nil && !errors.Is(err, slots.ErrSlotReleased) {
			e.logger.Error("release slot", "run_id", run.ID, "error", err)
		}
	}()

	start := time.Now()
	statuses := e.dispatch(ctx, run, h)
	result := e.aggregate(ctx, h, statuses)
	e.finalize(run, h, result, start)
}

// dispatch fans the run's cases out to their executors with bounded intra-run
// parallelism and returns the final step status per case, in case order.
//
// The pause gate is checked before each case is started: a paused run admits
// no new cases but lets in-flight ones finish. Cancellation (explicit or via
// the run timeout) marks every not-yet-started case cancelled.
func (e *Engine) dispatch(ctx context.Context, run *model.TestRun, h *runHandle) []string {
	statuses := make([]string, len(run.Cases))
	sem := make(chan struct{}, e.opts.CaseConcurrency)
	var wg sync.WaitGroup

	for i, tc := range run.Cases {
		if err := h.awaitResume(ctx); err != nil {
			statuses[i] = e.cancelCase(tc)
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			statuses[i] = e.cancelCase(tc)
			continue
		}

		wg.Add(1)
		go func(i int, tc *model.TestCase) {
			defer wg.Done()
			defer func() { <-sem }()
			statuses[i] = e.executeCase(ctx, run, h, tc)
		}(i, tc)
	}
	wg.Wait()
	return statuses
}

// cancelCase records a case that was never handed to an executor.
func (e *Engine) cancelCase(tc *model.TestCase) string {
	if err := e.store.UpdateCaseStatus(context.Background(), tc.ID, model.StepCancelled, tc.Attempts); err != nil {
		e.logger.Error("mark case cancelled", "case_id", tc.ID, "error", err)
	}
	return model.StepCancelled
}

// executeCase runs one case through its executor, retrying infrastructure
// errors per the retry policy. Every attempt is recorded as its own
// immutable step result; the case's final status is that of the last
// attempt.
func (e *Engine) executeCase(ctx context.Context, run *model.TestRun, h *runHandle, tc *model.TestCase) string {
	exec, resolveErr := e.registry.Resolve(tc.Type)
	if resolveErr != nil {
		// Unknown type: an immediate, non-retryable per-case error. Sibling
		// cases are unaffected.
		e.recordAttempt(run, tc, 1, &model.StepResult{
			Status: model.StepError,
			Detail: resolveErr.Error(),
		})
		return model.StepError
	}

	if err := e.store.UpdateCaseStatus(ctx, tc.ID, model.StatusRunning, tc.Attempts); err != nil {
		e.logger.Error("mark case running", "case_id", tc.ID, "error", err)
	}

	attempt := 0
	for {
		attempt++

		// Cancellation checkpoint before each attempt.
		if ctx.Err() != nil {
			e.recordAttempt(run, tc, attempt, &model.StepResult{Status: model.StepCancelled})
			return model.StepCancelled
		}

		res, execErr := exec.Execute(ctx, tc)
		status := res.Status
		detail := res.Detail
		if execErr != nil {
			status = model.StepError
			detail = execErr.Error()
			if res.Detail != "" {
				detail += "\n" + res.Detail
			}
		}

		e.recordAttempt(run, tc, attempt, &model.StepResult{
			Status:     status,
			Detail:     detail,
			DurationMS: res.DurationMS,
		})

		if !e.policy.ShouldRetry(status, attempt) {
			return status
		}

		select {
		case <-time.After(e.policy.DelayFor(attempt)):
		case <-ctx.Done():
			// Retries abandoned; the last recorded result stands.
			return status
		}
	}
}

// recordAttempt persists one step result, advances the case record, and
// publishes a progress event.
func (e *Engine) recordAttempt(run *model.TestRun, tc *model.TestCase, attempt int, r *model.StepResult) {
	ctx := context.Background()

	r.RunID = run.ID
	r.CaseID = tc.ID
	r.Attempt = attempt
	r.CreatedAt = time.Now().UTC()
	if err := e.store.InsertStepResult(ctx, r); err != nil {
		e.logger.Error("persist step result", "case_id", tc.ID, "attempt", attempt, "error", err)
	}

	tc.Attempts = attempt
	tc.Status = r.Status
	if err := e.store.UpdateCaseStatus(ctx, tc.ID, r.Status, attempt); err != nil {
		e.logger.Error("update case status", "case_id", tc.ID, "error", err)
	}

	caseAttemptsTotal.WithLabelValues(tc.Type, r.Status).Inc()
	e.broker.Publish(Event{
		RunID:    run.ID,
		Kind:     EventCase,
		Status:   r.Status,
		CaseID:   tc.ID,
		CaseName: tc.Name,
		Attempt:  attempt,
		At:       r.CreatedAt,
	})
}
