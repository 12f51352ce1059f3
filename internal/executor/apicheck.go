package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcassidy/verity/internal/model"
)

const defaultProbeTimeout = 30 * time.Second

// APICheckExecutor probes an HTTP endpoint and asserts on the response. It
// handles the "api" case type natively rather than shelling out to a tool.
type APICheckExecutor struct {
	client *http.Client
}

// apiCheckConfig is the case configuration the api executor understands.
// The orchestrator never sees this shape; it is private to the executor.
type apiCheckConfig struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	Body         string `json:"body"`
	ExpectStatus int    `json:"expect_status"`
	BodyContains string `json:"body_contains"`
	TimeoutMS    int    `json:"timeout_ms"`
}

// NewAPICheck creates the HTTP probe executor. A nil client uses a default
// with sane timeouts.
func NewAPICheck(client *http.Client) *APICheckExecutor {
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	return &APICheckExecutor{client: client}
}

// Execute sends the configured request and compares status and body.
// Transport failures are infrastructure errors; assertion mismatches are
// authoritative logic failures.
func (a *APICheckExecutor) Execute(ctx context.Context, tc *model.TestCase) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{Status: model.StepCancelled}, nil
	}

	// A config that cannot decode will not decode on a retry either. Defects
	// in the case definition are authoritative failures, not infrastructure
	// errors, so they are reported once and never retried.
	var cfg apiCheckConfig
	if err := json.Unmarshal(tc.Config, &cfg); err != nil {
		return Result{
			Status: model.StepFailed,
			Detail: fmt.Sprintf("invalid case config: %v", err),
		}, nil
	}
	if cfg.URL == "" {
		return Result{
			Status: model.StepFailed,
			Detail: "case config has no url",
		}, nil
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.ExpectStatus == 0 {
		cfg.ExpectStatus = http.StatusOK
	}
	if cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, strings.NewReader(cfg.Body))
	if err != nil {
		return Result{
			Status: model.StepFailed,
			Detail: fmt.Sprintf("invalid request config: %v", err),
		}, nil
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	durationMS := int(time.Since(start).Milliseconds())

	if ctx.Err() == context.Canceled {
		return Result{Status: model.StepCancelled, DurationMS: durationMS}, nil
	}
	if err != nil {
		return Result{DurationMS: durationMS}, fmt.Errorf("apicheck: %s %s: %w", cfg.Method, cfg.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
	if err != nil {
		return Result{DurationMS: durationMS}, fmt.Errorf("apicheck: read response: %w", err)
	}

	if resp.StatusCode != cfg.ExpectStatus {
		return Result{
			Status:     model.StepFailed,
			Detail:     fmt.Sprintf("expected status %d, got %d", cfg.ExpectStatus, resp.StatusCode),
			DurationMS: durationMS,
		}, nil
	}
	if cfg.BodyContains != "" && !strings.Contains(string(body), cfg.BodyContains) {
		return Result{
			Status:     model.StepFailed,
			Detail:     fmt.Sprintf("response body does not contain %q", cfg.BodyContains),
			DurationMS: durationMS,
		}, nil
	}

	return Result{Status: model.StepPassed, DurationMS: durationMS}, nil
}

// Capabilities reports the api type tag.
func (a *APICheckExecutor) Capabilities() Capabilities {
	return Capabilities{
		Name:  "apicheck",
		Types: []string{model.TypeAPI},
	}
}
