// Package engine implements the test run orchestration core: priority-aware
// admission against the slot manager, the run lifecycle state machine,
// dispatch of cases to type-specific executors with retry and cooperative
// cancellation, and aggregation of step results into the final run record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rcassidy/verity/internal/executor"
	"github.com/rcassidy/verity/internal/model"
	"github.com/rcassidy/verity/internal/queue"
	"github.com/rcassidy/verity/internal/slots"
	"github.com/rcassidy/verity/internal/store"
)

// Defaults for engine options left unset.
const (
	DefaultRunTimeout      = 30 * time.Minute
	DefaultReleaseGrace    = 30 * time.Second
	DefaultCaseConcurrency = 2
	DefaultSchedulerTick   = time.Second

	notifyTimeout = 10 * time.Second
)

// Options tunes run execution.
type Options struct {
	// RunTimeout is the hard per-run ceiling; exceeding it drives the same
	// cooperative cancellation path as an explicit cancel.
	RunTimeout time.Duration
	// ReleaseGrace is how long past RunTimeout the slot watchdog waits for
	// the run goroutine before force-releasing its slot.
	ReleaseGrace time.Duration
	// CaseConcurrency bounds how many cases of one run execute at once.
	CaseConcurrency int
	// SchedulerTick re-evaluates admissibility periodically so a long-queued
	// run is picked up even if no release signal arrives.
	SchedulerTick time.Duration
}

func (o Options) withDefaults() Options {
	if o.RunTimeout <= 0 {
		o.RunTimeout = DefaultRunTimeout
	}
	if o.ReleaseGrace <= 0 {
		o.ReleaseGrace = DefaultReleaseGrace
	}
	if o.CaseConcurrency <= 0 {
		o.CaseConcurrency = DefaultCaseConcurrency
	}
	if o.SchedulerTick <= 0 {
		o.SchedulerTick = DefaultSchedulerTick
	}
	return o
}

// Engine orchestrates test run admission and execution.
type Engine struct {
	store    store.Store
	registry *executor.Registry
	queue    *queue.Queue
	slots    *slots.Manager
	policy   RetryPolicy
	logger   *slog.Logger
	broker   *EventBroker
	notifier Notifier
	opts     Options

	mu   sync.Mutex
	runs map[string]*runHandle

	wg   sync.WaitGroup
	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// RetryPolicy decides whether an attempt is retried and with what delay.
type RetryPolicy interface {
	ShouldRetry(status string, attempt int) bool
	DelayFor(attempt int) time.Duration
}

// NewEngine creates the orchestration engine. notifier may be nil.
func NewEngine(s store.Store, reg *executor.Registry, sm *slots.Manager, policy RetryPolicy, notifier Notifier, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		store:    s,
		registry: reg,
		queue:    queue.New(),
		slots:    sm,
		policy:   policy,
		logger:   logger,
		broker:   NewEventBroker(),
		notifier: notifier,
		opts:     opts.withDefaults(),
		runs:     make(map[string]*runHandle),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Start launches the admission scheduler.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.schedule()
}

// Stop shuts the scheduler down and waits for in-flight runs to finish or
// ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.once.Do(func() { close(e.stop) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine stop: %w", ctx.Err())
	}
}

// Submit validates and accepts a run request: the run is persisted as queued
// and enqueued for admission. Validation failures return an *AdmissionError
// and leave no record behind.
func (e *Engine) Submit(ctx context.Context, run *model.TestRun) error {
	if !run.Scope().Valid() {
		return &AdmissionError{Reason: "org_id and project_id are required"}
	}
	if run.Priority < model.MinPriority || run.Priority > model.MaxPriority {
		return &AdmissionError{Reason: fmt.Sprintf("priority %d outside [%d, %d]", run.Priority, model.MinPriority, model.MaxPriority)}
	}
	if len(run.Cases) == 0 {
		return &AdmissionError{Reason: "run has no test cases"}
	}
	for _, tc := range run.Cases {
		if tc.Type == "" {
			return &AdmissionError{Reason: fmt.Sprintf("case %q has no type tag", tc.Name)}
		}
	}

	if run.ID == "" {
		run.ID = model.NewID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.Status = model.StatusQueued
	for _, tc := range run.Cases {
		if tc.ID == "" {
			tc.ID = model.NewID()
		}
		tc.RunID = run.ID
		tc.Status = model.StatusQueued
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	h := newRunHandle(run.ID, run.Scope())
	e.mu.Lock()
	e.runs[run.ID] = h
	e.mu.Unlock()

	e.queue.Enqueue(run.ID, run.Priority, run.Scope())
	queueDepth.Set(float64(e.queue.Depth(model.Scope{})))
	e.emit(Event{RunID: run.ID, Kind: EventStatus, Status: model.StatusQueued, At: time.Now().UTC()})

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel moves a run to cancelled from any non-terminal state. Cancelling an
// already-cancelled run is a successful no-op; cancelling a run in another
// terminal state is an invalid transition.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	h := e.handle(runID)
	if h == nil {
		return e.cancelUntracked(ctx, runID)
	}

	if h.Status() == model.StatusQueued {
		// Remove first so the scheduler cannot admit it mid-cancel. If the
		// scheduler won the race the handle is no longer queued and the
		// transition below handles the running case.
		e.queue.Remove(runID)
		queueDepth.Set(float64(e.queue.Depth(model.Scope{})))
	}

	from, err := e.transition(ctx, h, model.StatusCancelled)
	if errors.Is(err, ErrInvalidTransition) && h.Status() == model.StatusCancelled {
		return nil // idempotent second cancel
	}
	if err != nil {
		return err
	}

	// A run cancelled while still queued has no executing goroutine to
	// finalize it. Cancelled from running or paused, the goroutine owns
	// finalization (it observes the cancelled handle even if it has not
	// installed its context cancel yet).
	if from == model.StatusQueued {
		e.finalizeCancelledBeforeStart(ctx, runID)
	}
	return nil
}

// cancelUntracked handles cancel for runs with no in-memory handle: terminal
// runs and unknown IDs.
func (e *Engine) cancelUntracked(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == model.StatusCancelled {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.Status, model.StatusCancelled)
}

// finalizeCancelledBeforeStart records the terminal state of a run cancelled
// while still queued: every case is marked cancelled and the run record
// closed out.
func (e *Engine) finalizeCancelledBeforeStart(ctx context.Context, runID string) {
	defer e.dropHandle(runID)
	defer e.broker.Close(runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("load cancelled run", "run_id", runID, "error", err)
		return
	}
	for _, tc := range run.Cases {
		if err := e.store.UpdateCaseStatus(ctx, tc.ID, model.StepCancelled, tc.Attempts); err != nil {
			e.logger.Error("mark case cancelled", "case_id", tc.ID, "error", err)
		}
	}

	now := time.Now().UTC()
	run.Status = model.StatusCancelled
	run.Counts = &model.RunCounts{Cancelled: len(run.Cases)}
	run.FinishedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.Error("finalize cancelled run", "run_id", runID, "error", err)
	}
	runsTotal.WithLabelValues(model.StatusCancelled).Inc()
}

// Pause stops the run from admitting new cases; in-flight cases finish.
func (e *Engine) Pause(ctx context.Context, runID string) error {
	h := e.handle(runID)
	if h == nil {
		return e.untrackedTransitionErr(ctx, runID, model.StatusPaused)
	}
	_, err := e.transition(ctx, h, model.StatusPaused)
	return err
}

// Resume lets a paused run continue admitting cases.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	h := e.handle(runID)
	if h == nil {
		return e.untrackedTransitionErr(ctx, runID, model.StatusRunning)
	}
	h.mu.Lock()
	if h.status != model.StatusPaused {
		from := h.status
		h.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, model.StatusRunning)
	}
	h.mu.Unlock()
	_, err := e.transition(ctx, h, model.StatusRunning)
	return err
}

// untrackedTransitionErr reports the right error for control operations on
// runs the engine is not executing: NotFound for unknown IDs, otherwise an
// invalid transition from the stored terminal state.
func (e *Engine) untrackedTransitionErr(ctx context.Context, runID, to string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.Status, to)
}

// Reprioritize changes a run's priority while it is still queued. The
// entry's enqueue sequence is kept, so it does not jump ahead of
// equal-priority runs submitted before it.
func (e *Engine) Reprioritize(ctx context.Context, runID string, priority int) error {
	if priority < model.MinPriority || priority > model.MaxPriority {
		return &AdmissionError{Reason: fmt.Sprintf("priority %d outside [%d, %d]", priority, model.MinPriority, model.MaxPriority)}
	}
	h := e.handle(runID)
	if h == nil {
		return e.untrackedTransitionErr(ctx, runID, model.StatusQueued)
	}
	if !e.queue.Reprioritize(runID, priority) {
		return fmt.Errorf("%w: run %s has left the queue", ErrInvalidTransition, runID)
	}
	if err := e.store.UpdateRunPriority(ctx, runID, priority); err != nil {
		e.logger.Error("persist run priority", "run_id", runID, "error", err)
	}
	return nil
}

// QueueStatus is the observability snapshot for a scope.
type QueueStatus struct {
	Depth       int          `json:"depth"`
	OldestAgeMS int64        `json:"oldest_age_ms"`
	Active      slots.Counts `json:"active_slots"`
	Limits      slots.Limits `json:"limits"`
}

// Status reports queue depth, oldest waiting age, and held slot counts for
// the given scope.
func (e *Engine) Status(scope model.Scope) QueueStatus {
	return QueueStatus{
		Depth:       e.queue.Depth(scope),
		OldestAgeMS: e.queue.OldestAge(scope).Milliseconds(),
		Active:      e.slots.Active(scope),
		Limits:      e.slots.Limits(),
	}
}

// schedule is the admission loop: it re-evaluates the queue on slot release,
// on submission, and on a periodic tick, and never blocks waiting for
// capacity.
func (e *Engine) schedule() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.SchedulerTick)
	defer ticker.Stop()

	for {
		e.admitAll()
		select {
		case <-e.stop:
			return
		case <-e.slots.Releases():
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// admitAll admits every queued run that can acquire a slot right now, in
// strict (priority, enqueue) order.
func (e *Engine) admitAll() {
	for {
		var slot *slots.Slot
		entry := e.queue.Next(func(scope model.Scope) bool {
			s, ok := e.slots.TryAcquire(scope)
			if ok {
				slot = s
			}
			return ok
		})
		if entry == nil {
			return
		}
		queueDepth.Set(float64(e.queue.Depth(model.Scope{})))
		e.admit(entry.RunID, slot)
	}
}

// admit transitions an admitted run to running and launches its execution
// goroutine. The slot is handed to the goroutine, which owns its release.
func (e *Engine) admit(runID string, slot *slots.Slot) {
	h := e.handle(runID)
	if h == nil {
		// Cancelled between Next and here; return the capacity.
		if err := e.slots.Release(slot); err != nil {
			e.logger.Error("release slot for vanished run", "run_id", runID, "error", err)
		}
		return
	}

	ctx := context.Background()
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("load admitted run", "run_id", runID, "error", err)
		if err := e.slots.Release(slot); err != nil {
			e.logger.Error("release slot after load failure", "run_id", runID, "error", err)
		}
		return
	}

	if _, err := e.transition(ctx, h, model.StatusRunning); err != nil {
		// Lost the race with a cancel; the capacity goes back.
		if err := e.slots.Release(slot); err != nil {
			e.logger.Error("release slot after admit race", "run_id", runID, "error", err)
		}
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.executeRun(run, h, slot)
	}()
}
