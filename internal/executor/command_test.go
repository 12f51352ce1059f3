package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/rcassidy/verity/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func shCase(name string) *model.TestCase {
	return &model.TestCase{
		ID:    model.NewID(),
		Name:  name,
		Type:  model.TypeE2E,
		RunID: model.NewID(),
	}
}

func TestCommandPassed(t *testing.T) {
	c := NewCommand("sh", "sh", []string{"-c", "echo ok; exit 0", "--"}, []string{model.TypeE2E}, discardLogger())

	res, err := c.Execute(context.Background(), shCase("passing"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != model.StepPassed {
		t.Errorf("status = %q, want passed", res.Status)
	}
	if res.Detail != "ok\n" {
		t.Errorf("detail = %q, want tool output", res.Detail)
	}
}

func TestCommandLogicFailure(t *testing.T) {
	c := NewCommand("sh", "sh", []string{"-c", "echo assertion mismatch; exit 1", "--"}, []string{model.TypeE2E}, discardLogger())

	res, err := c.Execute(context.Background(), shCase("failing"))
	if err != nil {
		t.Fatalf("Execute returned error for logic failure: %v", err)
	}
	if res.Status != model.StepFailed {
		t.Errorf("status = %q, want failed", res.Status)
	}
}

func TestCommandInfraError(t *testing.T) {
	// Exit code 2 is a tool error, not a test verdict.
	c := NewCommand("sh", "sh", []string{"-c", "exit 2", "--"}, []string{model.TypeE2E}, discardLogger())

	_, err := c.Execute(context.Background(), shCase("crashing"))
	if err == nil {
		t.Fatal("Execute did not report infrastructure error for exit 2")
	}
}

func TestCommandMissingBinary(t *testing.T) {
	c := NewCommand("ghost", "definitely-not-a-real-binary", nil, []string{model.TypeE2E}, discardLogger())

	_, err := c.Execute(context.Background(), shCase("missing"))
	if err == nil {
		t.Fatal("Execute did not report infrastructure error for missing binary")
	}
}

func TestCommandCancelled(t *testing.T) {
	c := NewCommand("sh", "sh", []string{"-c", "sleep 10", "--"}, []string{model.TypeE2E}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := c.Execute(ctx, shCase("cancelled"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != model.StepCancelled {
		t.Errorf("status = %q, want cancelled", res.Status)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation was not prompt")
	}
}

func TestCommandAlreadyCancelled(t *testing.T) {
	c := NewCommand("sh", "sh", []string{"-c", "exit 0", "--"}, []string{model.TypeE2E}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.Execute(ctx, shCase("pre-cancelled"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != model.StepCancelled {
		t.Errorf("status = %q, want cancelled", res.Status)
	}
}

func TestTruncateKeepsTail(t *testing.T) {
	long := make([]byte, maxDetailBytes*2)
	for i := range long {
		long[i] = 'a'
	}
	long[len(long)-1] = 'z'

	got := truncate(string(long))
	if len(got) > maxDetailBytes+3 {
		t.Errorf("truncate output length = %d, want <= %d", len(got), maxDetailBytes+3)
	}
	if got[len(got)-1] != 'z' {
		t.Error("truncate dropped the tail of the output")
	}
}
