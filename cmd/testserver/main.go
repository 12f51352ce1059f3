// testserver starts a Verity API server with stub executors for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/rcassidy/verity/internal/api"
	"github.com/rcassidy/verity/internal/engine"
	"github.com/rcassidy/verity/internal/executor"
	"github.com/rcassidy/verity/internal/model"
	"github.com/rcassidy/verity/internal/retry"
	"github.com/rcassidy/verity/internal/slots"
	"github.com/rcassidy/verity/internal/store"
)

// stubExecutor is a configurable mock executor for E2E tests.
type stubExecutor struct {
	name   string
	types  []string
	delay  time.Duration
	status string
	detail string
}

func (s *stubExecutor) Execute(ctx context.Context, _ *model.TestCase) (executor.Result, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return executor.Result{Status: model.StepCancelled}, nil
	}

	return executor.Result{
		Status:     s.status,
		Detail:     s.detail,
		DurationMS: int(s.delay.Milliseconds()),
	}, nil
}

func (s *stubExecutor) Capabilities() executor.Capabilities {
	return executor.Capabilities{
		Name:  s.name,
		Types: s.types,
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("VERITY_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := executor.NewRegistry()
	reg.Register(model.TypeE2E, &stubExecutor{
		name:   "stub-browser",
		types:  []string{model.TypeE2E},
		delay:  500 * time.Millisecond,
		status: model.StepPassed,
		detail: "12 assertions passed",
	})
	reg.Register(model.TypeAPI, &stubExecutor{
		name:   "stub-probe",
		types:  []string{model.TypeAPI},
		delay:  100 * time.Millisecond,
		status: model.StepPassed,
		detail: "200 OK",
	})
	reg.Register(model.TypeVisualRegression, &stubExecutor{
		name:   "stub-visual",
		types:  []string{model.TypeVisualRegression},
		delay:  300 * time.Millisecond,
		status: model.StepFailed,
		detail: "pixel diff 3.4% over threshold",
	})

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	limits := slots.Limits{Global: 8, PerOrg: 4, PerProject: 2}
	policy := retry.NewPolicy(retry.DefaultMaxAttempts, retry.DefaultBaseDelay, retry.DefaultMaxDelay)

	eng := engine.NewEngine(db, reg, slots.NewManager(limits), policy, nil, logger, engine.Options{})
	eng.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		eng.Stop(ctx)
	}()

	srv := api.NewServer(addr, db, reg, eng, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
