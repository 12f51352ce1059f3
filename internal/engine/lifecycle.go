package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcassidy/verity/internal/model"
)

// ErrInvalidTransition is returned when a control operation requests a run
// state change the lifecycle machine does not allow. The run's state is left
// unchanged.
var ErrInvalidTransition = errors.New("invalid run state transition")

// AdmissionError rejects a run at submission; the run is never created.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string {
	return "admission rejected: " + e.Reason
}

// runHandle is the engine's in-memory ownership record for one non-terminal
// run. The engine is the sole writer of run state; every transition goes
// through the handle's mutex and is persisted before the method returns.
type runHandle struct {
	id    string
	scope model.Scope

	mu     sync.Mutex
	status string
	// resume is closed while the run is allowed to start new cases and
	// replaced with an open channel while paused.
	resume chan struct{}
	// cancel aborts the run's execution context. Set when execution starts.
	cancel context.CancelFunc
}

func newRunHandle(id string, scope model.Scope) *runHandle {
	resume := make(chan struct{})
	close(resume)
	return &runHandle{
		id:     id,
		scope:  scope,
		status: model.StatusQueued,
		resume: resume,
	}
}

// Status returns the handle's current lifecycle state.
func (h *runHandle) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// awaitResume blocks while the run is paused. It returns ctx.Err() if the
// run is cancelled or times out while waiting.
func (h *runHandle) awaitResume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.mu.Lock()
		ch := h.resume
		h.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// transition moves a run to a new state, persisting and emitting the change.
// It is the single entry point for every state change in the system. The
// prior state is returned so callers can act on what they transitioned from.
func (e *Engine) transition(ctx context.Context, h *runHandle, to string) (string, error) {
	h.mu.Lock()
	from := h.status
	if !model.ValidTransition(from, to) {
		h.mu.Unlock()
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	h.status = to

	switch to {
	case model.StatusPaused:
		h.resume = make(chan struct{})
	case model.StatusRunning:
		if from == model.StatusPaused {
			close(h.resume)
		}
	case model.StatusCancelled:
		// Unblock a paused dispatcher so it can observe cancellation.
		if from == model.StatusPaused {
			close(h.resume)
		}
		if h.cancel != nil {
			h.cancel()
		}
	}
	h.mu.Unlock()

	if err := e.store.UpdateRunStatus(ctx, h.id, to); err != nil {
		e.logger.Error("persist run status", "run_id", h.id, "status", to, "error", err)
	}
	e.emit(Event{RunID: h.id, Kind: EventStatus, Status: to, At: time.Now().UTC()})
	return from, nil
}

// emit publishes an event to the run's stream and hands it to the notifier
// sink without blocking the caller.
func (e *Engine) emit(ev Event) {
	e.broker.Publish(ev)
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		e.notifier.Notify(ctx, ev)
	}()
}

// handle returns the in-memory handle for a run, or nil if the run is not
// tracked (terminal or unknown).
func (e *Engine) handle(runID string) *runHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[runID]
}

// dropHandle removes a terminal run from the in-memory table.
func (e *Engine) dropHandle(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}
