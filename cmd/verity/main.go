package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rcassidy/verity/internal/api"
	"github.com/rcassidy/verity/internal/config"
	"github.com/rcassidy/verity/internal/engine"
	"github.com/rcassidy/verity/internal/executor"
	"github.com/rcassidy/verity/internal/model"
	"github.com/rcassidy/verity/internal/retry"
	"github.com/rcassidy/verity/internal/slots"
	"github.com/rcassidy/verity/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("verity: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"slots", cfg.GlobalSlots,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	limits := slots.Limits{
		Global:     cfg.GlobalSlots,
		PerOrg:     cfg.OrgSlots,
		PerProject: cfg.ProjectSlots,
	}
	if err := limits.Validate(); err != nil {
		log.Fatalf("invalid slot limits: %v", err)
	}

	reg := executor.NewRegistry()
	registerExecutors(reg, logger)

	policy := retry.NewPolicy(cfg.MaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay)

	var notifier engine.Notifier = &engine.LogNotifier{Logger: logger}
	if cfg.WebhookURL != "" {
		notifier = engine.NewWebhookNotifier(cfg.WebhookURL, &http.Client{Timeout: 10 * time.Second}, logger)
	}

	eng := engine.NewEngine(db, reg, slots.NewManager(limits), policy, notifier, logger, engine.Options{
		RunTimeout:      cfg.RunTimeout,
		ReleaseGrace:    cfg.ReleaseGrace,
		CaseConcurrency: cfg.CaseConcurrency,
		SchedulerTick:   cfg.SchedulerTick,
	})
	eng.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			logger.Error("engine shutdown", "error", err)
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// registerExecutors wires an executor for each supported case type. Command
// executors invoke the named runner binary with the case config on stdin; the
// api type is served in-process.
func registerExecutors(reg *executor.Registry, logger *slog.Logger) {
	commandTypes := map[string]string{
		model.TypeE2E:              "verity-runner-e2e",
		model.TypeVisualRegression: "verity-runner-visual",
		model.TypePerformanceAudit: "verity-runner-perf",
		model.TypeLoad:             "verity-runner-load",
		model.TypeAccessibility:    "verity-runner-a11y",
		model.TypeSecurityScan:     "verity-runner-security",
	}
	for typeTag, bin := range commandTypes {
		reg.Register(typeTag, executor.NewCommand(bin, bin, nil, []string{typeTag}, logger))
	}
	reg.Register(model.TypeAPI, executor.NewAPICheck(nil))
}
