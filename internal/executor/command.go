package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/rcassidy/verity/internal/model"
)

// Exit code convention for external test tools: 0 means every assertion
// passed, 1 means the tool ran to completion but the test failed. Anything
// else is treated as a tool/infrastructure error.
const (
	exitPassed = 0
	exitFailed = 1
)

// maxDetailBytes bounds how much tool output is kept in a step result.
const maxDetailBytes = 16 << 10

// CommandExecutor runs an external test tool as a subprocess, one invocation
// per case. The case name is passed as an argument and the opaque case
// configuration is written to the tool's stdin as JSON. This is how the
// browser, visual, performance, load, accessibility, and security executors
// are wired: each wraps its own CLI tool behind the same contract.
type CommandExecutor struct {
	name   string
	bin    string
	args   []string
	types  []string
	logger *slog.Logger
}

// NewCommand creates an executor invoking bin with the given base arguments
// for every listed type tag.
func NewCommand(name, bin string, args []string, types []string, logger *slog.Logger) *CommandExecutor {
	return &CommandExecutor{
		name:   name,
		bin:    bin,
		args:   args,
		types:  types,
		logger: logger,
	}
}

// Execute runs the tool for one case. Cancellation is delivered by ctx: the
// subprocess is killed and a cancelled result returned.
func (c *CommandExecutor) Execute(ctx context.Context, tc *model.TestCase) (Result, error) {
	// Checkpoint before spawning anything.
	if err := ctx.Err(); err != nil {
		return Result{Status: model.StepCancelled}, nil
	}

	args := append(append([]string{}, c.args...), "--case", tc.Name)
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Stdin = bytes.NewReader(tc.Config)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	durationMS := int(time.Since(start).Milliseconds())

	// Command killed by cancellation: report cancelled, not an error, so the
	// dispatcher does not schedule a retry.
	if ctx.Err() == context.Canceled {
		return Result{Status: model.StepCancelled, DurationMS: durationMS}, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return Result{DurationMS: durationMS}, fmt.Errorf("%s timed out running case %q", c.name, tc.Name)
	}

	detail := truncate(output.String())

	if err == nil {
		return Result{Status: model.StepPassed, Detail: detail, DurationMS: durationMS}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitFailed {
		// The tool ran and the test failed: an authoritative logic result.
		return Result{Status: model.StepFailed, Detail: detail, DurationMS: durationMS}, nil
	}

	c.logger.Error("executor tool error",
		"executor", c.name,
		"case", tc.Name,
		"error", err,
	)
	return Result{Detail: detail, DurationMS: durationMS},
		fmt.Errorf("%s: run %s: %w", c.name, c.bin, err)
}

// Capabilities reports the tool binary's supported type tags.
func (c *CommandExecutor) Capabilities() Capabilities {
	return Capabilities{
		Name:  c.name,
		Types: c.types,
	}
}

// truncate caps detail output, keeping the tail where assertion failures
// usually land.
func truncate(s string) string {
	if len(s) <= maxDetailBytes {
		return s
	}
	return "..." + s[len(s)-maxDetailBytes:]
}
