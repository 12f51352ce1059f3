package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rcassidy/verity/internal/engine"
	"github.com/rcassidy/verity/internal/executor"
	"github.com/rcassidy/verity/internal/model"
	"github.com/rcassidy/verity/internal/retry"
	"github.com/rcassidy/verity/internal/slots"
	"github.com/rcassidy/verity/internal/store"
)

// fakeExec is a configurable mock executor for engine tests.
type fakeExec struct {
	mu         sync.Mutex
	delay      time.Duration
	status     string // final status once infraFails are exhausted; default passed
	infraFails int    // number of leading attempts that return an infrastructure error
	block      chan struct{}
	calls      map[string]int
	started    []string // run IDs in execution start order
}

func newFakeExec() *fakeExec {
	return &fakeExec{calls: make(map[string]int)}
}

func (f *fakeExec) Execute(ctx context.Context, tc *model.TestCase) (executor.Result, error) {
	f.mu.Lock()
	f.calls[tc.Name]++
	attempt := f.calls[tc.Name]
	f.started = append(f.started, tc.RunID)
	block := f.block
	delay := f.delay
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return executor.Result{Status: model.StepCancelled}, nil
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return executor.Result{Status: model.StepCancelled}, nil
		}
	}
	if ctx.Err() != nil {
		return executor.Result{Status: model.StepCancelled}, nil
	}
	if attempt <= f.infraFails {
		return executor.Result{}, errors.New("transient infra failure")
	}
	status := f.status
	if status == "" {
		status = model.StepPassed
	}
	return executor.Result{Status: status, Detail: "fake"}, nil
}

func (f *fakeExec) Capabilities() executor.Capabilities {
	return executor.Capabilities{Name: "fake", Types: []string{model.TypeE2E}}
}

func (f *fakeExec) attempts(caseName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[caseName]
}

func (f *fakeExec) startOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.started...)
}

type testRig struct {
	eng   *engine.Engine
	store store.Store
}

func newTestEngine(t *testing.T, exec executor.Executor, limits slots.Limits, opts engine.Options) *testRig {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := executor.NewRegistry()
	reg.Register(model.TypeE2E, exec)

	if opts.SchedulerTick == 0 {
		opts.SchedulerTick = 10 * time.Millisecond
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	policy := retry.NewPolicy(3, time.Millisecond, 10*time.Millisecond)
	eng := engine.NewEngine(s, reg, slots.NewManager(limits), policy, nil, logger, opts)
	eng.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	return &testRig{eng: eng, store: s}
}

func wideLimits() slots.Limits {
	return slots.Limits{Global: 16, PerOrg: 8, PerProject: 4}
}

func makeRun(caseNames ...string) *model.TestRun {
	runID := model.NewID()
	run := &model.TestRun{
		ID:        runID,
		OrgID:     "acme",
		ProjectID: "checkout",
		Priority:  5,
		CreatedAt: time.Now().UTC(),
	}
	for _, name := range caseNames {
		run.Cases = append(run.Cases, &model.TestCase{
			ID:    model.NewID(),
			RunID: runID,
			Name:  name,
			Type:  model.TypeE2E,
		})
	}
	return run
}

// waitForStatus polls the store until the run reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.TestRun {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := s.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == expected {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := s.GetRun(context.Background(), id)
	t.Fatalf("run %s did not reach status %q within %v (currently %q)", id, expected, timeout, run.Status)
	return nil
}

func TestRunPassesThroughLifecycle(t *testing.T) {
	exec := newFakeExec()
	rig := newTestEngine(t, exec, wideLimits(), engine.Options{})

	run := makeRun("a", "b", "c")
	if err := rig.eng.Submit(context.Background(), run); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitForStatus(t, rig.store, run.ID, model.StatusPassed, 5*time.Second)
	if final.Counts.Passed != 3 {
		t.Errorf("passed count = %d, want 3", final.Counts.Passed)
	}
	if final.StartedAt == nil || final.FinishedAt == nil {
		t.Error("timestamps not recorded")
	}
	if final.DurationMS == nil {
		t.Error("duration not recorded")
	}

	// Slot fully returned.
	counts := rig.eng.Status(run.Scope()).Active
	if counts.Global != 0 || counts.Org != 0 || counts.Project != 0 {
		t.Errorf("slots still held after completion: %+v", counts)
	}
}

func TestSubmitValidation(t *testing.T) {
	rig := newTestEngine(t, newFakeExec(), wideLimits(), engine.Options{})
	ctx := context.Background()

	var admissionErr *engine.AdmissionError

	noScope := makeRun("a")
	noScope.OrgID = ""
	if err := rig.eng.Submit(ctx, noScope); !errors.As(err, &admissionErr) {
		t.Errorf("missing scope error = %v, want AdmissionError", err)
	}

	badPriority := makeRun("a")
	badPriority.Priority = 1000
	if err := rig.eng.Submit(ctx, badPriority); !errors.As(err, &admissionErr) {
		t.Errorf("bad priority error = %v, want AdmissionError", err)
	}

	if err := rig.eng.Submit(ctx, makeRun()); !errors.As(err, &admissionErr) {
		t.Errorf("empty case list error = %v, want AdmissionError", err)
	}

	// Rejected runs are never created.
	if _, total, err := rig.store.ListRuns(ctx, 10, 0); err != nil || total != 0 {
		t.Errorf("ListRuns total = %d (err %v), want 0", total, err)
	}
}

func TestPriorityOverridesEnqueueOrder(t *testing.T) {
	exec := newFakeExec()
	exec.block = make(chan struct{})
	rig := newTestEngine(t, exec, slots.Limits{Global: 1, PerOrg: 1, PerProject: 1}, engine.Options{})
	ctx := context.Background()

	blocker := makeRun("hold")
	if err := rig.eng.Submit(ctx, blocker); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	waitForStatus(t, rig.store, blocker.ID, model.StatusRunning, 5*time.Second)

	lowPri := makeRun("low")
	lowPri.Priority = 5
	urgent := makeRun("urgent")
	urgent.Priority = 1
	if err := rig.eng.Submit(ctx, lowPri); err != nil {
		t.Fatalf("Submit lowPri: %v", err)
	}
	if err := rig.eng.Submit(ctx, urgent); err != nil {
		t.Fatalf("Submit urgent: %v", err)
	}

	close(exec.block)
	waitForStatus(t, rig.store, lowPri.ID, model.StatusPassed, 5*time.Second)
	waitForStatus(t, rig.store, urgent.ID, model.StatusPassed, 5*time.Second)

	// The priority-1 run enqueued second must have started before the
	// priority-5 run enqueued first.
	var order []string
	seen := map[string]bool{}
	for _, runID := range exec.startOrder() {
		if !seen[runID] {
			seen[runID] = true
			order = append(order, runID)
		}
	}
	if len(order) != 3 || order[1] != urgent.ID || order[2] != lowPri.ID {
		t.Errorf("start order = %v, want [%s %s %s]", order, blocker.ID, urgent.ID, lowPri.ID)
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	exec := newFakeExec()
	exec.block = make(chan struct{})
	rig := newTestEngine(t, exec, slots.Limits{Global: 1, PerOrg: 1, PerProject: 1}, engine.Options{})
	ctx := context.Background()

	blocker := makeRun("hold")
	if err := rig.eng.Submit(ctx, blocker); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	waitForStatus(t, rig.store, blocker.ID, model.StatusRunning, 5*time.Second)

	first := makeRun("first")
	second := makeRun("second")
	if err := rig.eng.Submit(ctx, first); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	if err := rig.eng.Submit(ctx, second); err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	close(exec.block)
	waitForStatus(t, rig.store, second.ID, model.StatusPassed, 5*time.Second)

	var order []string
	seen := map[string]bool{}
	for _, runID := range exec.startOrder() {
		if !seen[runID] {
			seen[runID] = true
			order = append(order, runID)
		}
	}
	if len(order) != 3 || order[1] != first.ID || order[2] != second.ID {
		t.Errorf("start order = %v, want FIFO", order)
	}
}

func TestCancelQueuedRunNeverRuns(t *testing.T) {
	exec := newFakeExec()
	exec.block = make(chan struct{})
	rig := newTestEngine(t, exec, slots.Limits{Global: 1, PerOrg: 1, PerProject: 1}, engine.Options{})
	ctx := context.Background()

	blocker := makeRun("hold")
	if err := rig.eng.Submit(ctx, blocker); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	waitForStatus(t, rig.store, blocker.ID, model.StatusRunning, 5*time.Second)

	queued := makeRun("never-runs")
	if err := rig.eng.Submit(ctx, queued); err != nil {
		t.Fatalf("Submit queued: %v", err)
	}
	if err := rig.eng.Cancel(ctx, queued.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final := waitForStatus(t, rig.store, queued.ID, model.StatusCancelled, 5*time.Second)
	if final.Counts.Cancelled != 1 {
		t.Errorf("cancelled count = %d, want 1", final.Counts.Cancelled)
	}
	for _, c := range final.Cases {
		if c.Status != model.StepCancelled {
			t.Errorf("case %s status = %q, want cancelled", c.Name, c.Status)
		}
	}

	close(exec.block)
	waitForStatus(t, rig.store, blocker.ID, model.StatusPassed, 5*time.Second)

	if exec.attempts("never-runs") != 0 {
		t.Error("cancelled queued run was executed")
	}
}

func TestCancelIdempotent(t *testing.T) {
	exec := newFakeExec()
	rig := newTestEngine(t, exec, wideLimits(), engine.Options{})
	ctx := context.Background()

	run := makeRun("a")
	if err := rig.eng.Submit(ctx, run); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, rig.store, run.ID, model.StatusPassed, 5*time.Second)

	// Cancel after another terminal state is an invalid transition...
	if err := rig.eng.Cancel(ctx, run.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("cancel of passed run = %v, want ErrInvalidTransition", err)
	}

	cancelled := makeRun("b")
	if err := rig.eng.Submit(ctx, cancelled); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := rig.eng.Cancel(ctx, cancelled.ID); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	waitForStatus(t, rig.store, cancelled.ID, model.StatusCancelled, 5*time.Second)
	// ...but a second cancel of a cancelled run reports success.
	if err := rig.eng.Cancel(ctx, cancelled.ID); err != nil {
		t.Errorf("second Cancel = %v, want nil", err)
	}
}

func TestCancelRunningRun(t *testing.T) {
	exec := newFakeExec()
	exec.block = make(chan struct{})
	rig := newTestEngine(t, exec, wideLimits(), engine.Options{CaseConcurrency: 1})
	ctx := context.Background()

	run := makeRun("in-flight", "unstarted-1", "unstarted-2")
	if err := rig.eng.Submit(ctx, run); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, rig.store, run.ID, model.StatusRunning, 5*time.Second)

	// Let the first case get in flight, then cancel.
	deadline := time.Now().Add(time.Second)
	for exec.attempts("in-flight") == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := rig.eng.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final := waitForStatus(t, rig.store, run.ID, model.StatusCancelled, 5*time.Second)
	if final.Counts.Cancelled != 3 {
		t.Errorf("cancelled count = %d, want 3", final.Counts.Cancelled)
	}
	if exec.attempts("unstarted-1") != 0 || exec.attempts("unstarted-2") != 0 {
		t.Error("cases were started after cancellation")
	}

	counts := rig.eng.Status(run.Scope()).Active
	if counts.Global != 0 {
		t.Errorf("slot not released after cancel: %+v", counts)
	}
}

func TestPauseStopsNewCases(t *testing.T) {
	exec := newFakeExec()
	exec.block = make(chan struct{})
	rig := newTestEngine(t, exec, wideLimits(), engine.Options{CaseConcurrency: 1})
	ctx := context.Background()

	run := makeRun("first", "second", "third")
	if err := rig.eng.Submit(ctx, run); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, rig.store, run.ID, model.StatusRunning, 5*time.Second)

	deadline := time.Now().Add(time.Second)
	for exec.attempts("first") == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := rig.eng.Pause(ctx, run.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitForStatus(t, rig.store, run.ID, model.StatusPaused, 5*time.Second)

	// The in-flight case finishes; the others must not start while paused.
	close(exec.block)
	time.Sleep(50 * time.Millisecond)
	if exec.attempts("second") != 0 {
		t.Error("new case started while paused")
	}

	if err := rig.eng.Resume(ctx, run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	final := waitForStatus(t, rig.store, run.ID, model.StatusPassed, 5*time.Second)

	// Pause affects timing only, never the outcome.
	if final.Counts.Passed != 3 {
		t.Errorf("passed count = %d, want 3", final.Counts.Passed)
	}
}

func TestPauseResumeInvalidStates(t *testing.T) {
	exec := newFakeExec()
	exec.block = make(chan struct{})
	rig := newTestEngine(t, exec, slots.Limits{Global: 1, PerOrg: 1, PerProject: 1}, engine.Options{})
	ctx := context.Background()

	blocker := makeRun("hold")
	if err := rig.eng.Submit(ctx, blocker); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, rig.store, blocker.ID, model.StatusRunning, 5*time.Second)

	queued := makeRun("waiting")
	if err := rig.eng.Submit(ctx, queued); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := rig.eng.Pause(ctx, queued.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("Pause(queued) = %v, want ErrInvalidTransition", err)
	}
	if err := rig.eng.Resume(ctx, blocker.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("Resume(running) = %v, want ErrInvalidTransition", err)
	}

	close(exec.block)
}

func TestInfraErrorsRetriedToSuccess(t *testing.T) {
	exec := newFakeExec()
	exec.infraFails = 2
	rig := newTestEngine(t, exec, wideLimits(), engine.Options{})
	ctx := context.Background()

	run := makeRun("flaky")
	if err := rig.eng.Submit(ctx, run); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, rig.store, run.ID, model.StatusPassed, 5*time.Second)

	results, err := rig.store.GetStepResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetStepResults: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3 (two errors + one pass)", len(results))
	}
	if results[0].Status != model.StepError || results[1].Status != model.StepError {
		t.Error("leading attempts not recorded as errors")
	}
	if results[2].Status != model.StepPassed || results[2].Attempt != 3 {
		t.Errorf("final attempt = %+v, want passed attempt 3", results[2])
	}
}

func TestRetriesExhaustedYieldsErrorRun(t *testing.T) {
	exec := newFakeExec()
	exec.infraFails = 99
	rig := newTestEngine(t, exec, wideLimits(), engine.Options{})
	ctx := context.Background()

	run := makeRun("doomed")
	if err := rig.eng.Submit(ctx, run); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitForStatus(t, rig.store, run.ID, model.StatusError, 5*time.Second)
	if final.Counts.Errored != 1 {
		t.Errorf("errored count = %d, want 1", final.Counts.Errored)
	}

	results, _ := rig.store.GetStepResults(ctx, run.ID)
	if len(results) != 3 {
		t.Errorf("len(results) = %d, want retry ceiling 3", len(results))
	}
}

func TestLogicFailureNotRetried(t *testing.T) {
	exec := newFakeExec()
	exec.status = model.StepFailed
	rig := newTestEngine(t, exec, wideLimits(), engine.Options{})
	ctx := context.Background()

	run := makeRun("asserting")
	if err := rig.eng.Submit(ctx, run); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitForStatus(t, rig.store, run.ID, model.StatusFailed, 5*time.Second)
	if final.Counts.Failed != 1 {
		t.Errorf("failed count = %d, want 1", final.Counts.Failed)
	}

	if got := exec.attempts("asserting"); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry of logic failures)", got)
	}
}

func TestUnknownTypeIsolatedToCase(t *testing.T) {
	exec := newFakeExec()
	rig := newTestEngine(t, exec, wideLimits(), engine.Options{})
	ctx := context.Background()

	run := makeRun("known")
	run.Cases = append(run.Cases, &model.TestCase{
		ID:    model.NewID(),
		RunID: run.ID,
		Name:  "mystery",
		Type:  "quantum-fuzzing",
	})

	if err := rig.eng.Submit(ctx, run); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitForStatus(t, rig.store, run.ID, model.StatusError, 5*time.Second)

	// The unknown type is a per-case error; the sibling still executed.
	if final.Counts.Errored != 1 || final.Counts.Passed != 1 {
		t.Errorf("counts = %+v, want 1 errored 1 passed", final.Counts)
	}
	if exec.attempts("known") != 1 {
		t.Error("sibling case did not execute")
	}
	// Unknown type is not retried.
	results, _ := rig.store.GetStepResults(ctx, run.ID)
	mysteryAttempts := 0
	for _, r := range results {
		if r.Status == model.StepError {
			mysteryAttempts++
		}
	}
	if mysteryAttempts != 1 {
		t.Errorf("unknown-type attempts = %d, want 1", mysteryAttempts)
	}
}

func TestRunTimeoutForcesError(t *testing.T) {
	exec := newFakeExec()
	exec.block = make(chan struct{})
	defer close(exec.block)
	rig := newTestEngine(t, exec, wideLimits(), engine.Options{
		RunTimeout:   100 * time.Millisecond,
		ReleaseGrace: time.Second,
	})
	ctx := context.Background()

	run := makeRun("stuck")
	if err := rig.eng.Submit(ctx, run); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitForStatus(t, rig.store, run.ID, model.StatusError, 5*time.Second)
	if final.Error == "" {
		t.Error("expected timeout error detail")
	}

	counts := rig.eng.Status(run.Scope()).Active
	if counts.Global != 0 {
		t.Errorf("slot not released after timeout: %+v", counts)
	}
}

// stubbornExec ignores context cancellation for cases named "stuck": it
// sleeps for a fixed hold regardless of ctx, modeling an executor tool that
// cannot be interrupted. Other cases pass immediately.
type stubbornExec struct {
	hold     time.Duration
	mu       sync.Mutex
	returned bool
}

func (s *stubbornExec) Execute(_ context.Context, tc *model.TestCase) (executor.Result, error) {
	if tc.Name == "stuck" {
		time.Sleep(s.hold)
		s.mu.Lock()
		s.returned = true
		s.mu.Unlock()
	}
	return executor.Result{Status: model.StepPassed}, nil
}

func (s *stubbornExec) Capabilities() executor.Capabilities {
	return executor.Capabilities{Name: "stubborn", Types: []string{model.TypeE2E}}
}

func (s *stubbornExec) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returned
}

func TestWatchdogForceReleasesSlot(t *testing.T) {
	// Capacity 1 plus an executor that never honors cancellation: without
	// the watchdog the second run would starve until the first executor
	// returns on its own.
	exec := &stubbornExec{hold: 1500 * time.Millisecond}
	rig := newTestEngine(t, exec, slots.Limits{Global: 1, PerOrg: 1, PerProject: 1}, engine.Options{
		RunTimeout:   50 * time.Millisecond,
		ReleaseGrace: 50 * time.Millisecond,
	})
	ctx := context.Background()

	stuck := makeRun("stuck")
	if err := rig.eng.Submit(ctx, stuck); err != nil {
		t.Fatalf("Submit stuck: %v", err)
	}
	waitForStatus(t, rig.store, stuck.ID, model.StatusRunning, 2*time.Second)

	follower := makeRun("follower")
	if err := rig.eng.Submit(ctx, follower); err != nil {
		t.Fatalf("Submit follower: %v", err)
	}

	// The follower must be admitted once the watchdog fires, well before the
	// stuck executor lets go of its goroutine.
	waitForStatus(t, rig.store, follower.ID, model.StatusPassed, time.Second)
	if exec.done() {
		t.Fatal("stuck executor returned before the follower finished; watchdog path not exercised")
	}

	// Once the stuck executor finally returns, the run finalizes as error
	// (its deadline expired) and the deferred release must not decrement the
	// slot a second time.
	waitForStatus(t, rig.store, stuck.ID, model.StatusError, 3*time.Second)
	counts := rig.eng.Status(stuck.Scope()).Active
	if counts.Global != 0 || counts.Org != 0 || counts.Project != 0 {
		t.Errorf("slot counts after forced release = %+v, want all zero", counts)
	}
}

func TestMultiTierAdmission(t *testing.T) {
	// Org capacity 1: two runs in sibling projects of the same org must
	// execute one at a time even though each project has capacity.
	exec := newFakeExec()
	exec.delay = 30 * time.Millisecond
	rig := newTestEngine(t, exec, slots.Limits{Global: 4, PerOrg: 1, PerProject: 1}, engine.Options{})
	ctx := context.Background()

	first := makeRun("one")
	second := makeRun("two")
	second.ProjectID = "billing"
	if err := rig.eng.Submit(ctx, first); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	if err := rig.eng.Submit(ctx, second); err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	waitForStatus(t, rig.store, first.ID, model.StatusPassed, 5*time.Second)
	waitForStatus(t, rig.store, second.ID, model.StatusPassed, 5*time.Second)

	a, _ := rig.store.GetRun(ctx, first.ID)
	b, _ := rig.store.GetRun(ctx, second.ID)
	if a.StartedAt == nil || b.StartedAt == nil || a.FinishedAt == nil || b.FinishedAt == nil {
		t.Fatal("missing timestamps")
	}
	// One of them must have started no earlier than the other finished.
	serialized := !a.FinishedAt.After(*b.StartedAt) || !b.FinishedAt.After(*a.StartedAt)
	if !serialized {
		t.Errorf("runs overlapped despite org capacity 1: a=%v..%v b=%v..%v",
			a.StartedAt, a.FinishedAt, b.StartedAt, b.FinishedAt)
	}
}

func TestReprioritizeOnlyWhileQueued(t *testing.T) {
	exec := newFakeExec()
	exec.block = make(chan struct{})
	rig := newTestEngine(t, exec, slots.Limits{Global: 1, PerOrg: 1, PerProject: 1}, engine.Options{})
	ctx := context.Background()

	running := makeRun("hold")
	if err := rig.eng.Submit(ctx, running); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, rig.store, running.ID, model.StatusRunning, 5*time.Second)

	queued := makeRun("waiting")
	if err := rig.eng.Submit(ctx, queued); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := rig.eng.Reprioritize(ctx, queued.ID, 1); err != nil {
		t.Errorf("Reprioritize(queued) = %v, want nil", err)
	}
	got, _ := rig.store.GetRun(ctx, queued.ID)
	if got.Priority != 1 {
		t.Errorf("persisted priority = %d, want 1", got.Priority)
	}

	if err := rig.eng.Reprioritize(ctx, running.ID, 1); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("Reprioritize(running) = %v, want ErrInvalidTransition", err)
	}
	if err := rig.eng.Reprioritize(ctx, "nonexistent", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Reprioritize(unknown) = %v, want ErrNotFound", err)
	}

	close(exec.block)
}

func TestQueueStatusObservability(t *testing.T) {
	exec := newFakeExec()
	exec.block = make(chan struct{})
	rig := newTestEngine(t, exec, slots.Limits{Global: 1, PerOrg: 1, PerProject: 1}, engine.Options{})
	ctx := context.Background()

	blocker := makeRun("hold")
	if err := rig.eng.Submit(ctx, blocker); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, rig.store, blocker.ID, model.StatusRunning, 5*time.Second)

	queued := makeRun("waiting")
	if err := rig.eng.Submit(ctx, queued); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	st := rig.eng.Status(blocker.Scope())
	if st.Depth != 1 {
		t.Errorf("Depth = %d, want 1", st.Depth)
	}
	if st.OldestAgeMS < 0 {
		t.Errorf("OldestAgeMS = %d, want >= 0", st.OldestAgeMS)
	}
	if st.Active.Global != 1 || st.Active.Project != 1 {
		t.Errorf("Active = %+v, want one held slot", st.Active)
	}

	close(exec.block)
}

func TestEventStreamDeliversLifecycle(t *testing.T) {
	exec := newFakeExec()
	exec.delay = 50 * time.Millisecond // keep the run alive until subscribed
	rig := newTestEngine(t, exec, wideLimits(), engine.Options{})
	ctx := context.Background()

	run := makeRun("observed")
	if err := rig.eng.Submit(ctx, run); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch, unsub := rig.eng.Broker().Subscribe(run.ID)
	defer unsub()

	waitForStatus(t, rig.store, run.ID, model.StatusPassed, 5*time.Second)

	sawTerminal := false
	deadline := time.After(2 * time.Second)
	for !sawTerminal {
		select {
		case ev, ok := <-ch:
			if !ok {
				if !sawTerminal {
					t.Fatal("event stream closed without a terminal status event")
				}
				return
			}
			if ev.Kind == engine.EventStatus && ev.Status == model.StatusPassed {
				sawTerminal = true
			}
		case <-deadline:
			t.Fatal("no terminal event observed")
		}
	}
}
