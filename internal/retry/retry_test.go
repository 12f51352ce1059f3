package retry

import (
	"testing"
	"time"

	"github.com/rcassidy/verity/internal/model"
)

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(0, 0, 0)
	if p.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, DefaultMaxAttempts)
	}
	if p.BaseDelay != DefaultBaseDelay {
		t.Errorf("BaseDelay = %v, want %v", p.BaseDelay, DefaultBaseDelay)
	}
	if p.MaxDelay != DefaultMaxDelay {
		t.Errorf("MaxDelay = %v, want %v", p.MaxDelay, DefaultMaxDelay)
	}
}

func TestOnlyInfraErrorsRetry(t *testing.T) {
	p := NewPolicy(3, time.Millisecond, time.Second)

	if !p.ShouldRetry(model.StepError, 1) {
		t.Error("infra error on attempt 1 not retried")
	}
	if !p.ShouldRetry(model.StepError, 2) {
		t.Error("infra error on attempt 2 not retried")
	}

	for _, status := range []string{model.StepFailed, model.StepPassed, model.StepSkipped, model.StepCancelled} {
		if p.ShouldRetry(status, 1) {
			t.Errorf("status %q was retried", status)
		}
	}
}

func TestRetryCeiling(t *testing.T) {
	p := NewPolicy(3, time.Millisecond, time.Second)

	if p.ShouldRetry(model.StepError, 3) {
		t.Error("attempt at ceiling was retried")
	}
	if p.ShouldRetry(model.StepError, 4) {
		t.Error("attempt past ceiling was retried")
	}
}

func TestExponentialDelay(t *testing.T) {
	p := NewPolicy(5, 100*time.Millisecond, 10*time.Second)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, w := range want {
		if d := p.DelayFor(i + 1); d != w {
			t.Errorf("DelayFor(%d) = %v, want %v", i+1, d, w)
		}
	}
}

func TestDelayCap(t *testing.T) {
	p := NewPolicy(10, time.Second, 3*time.Second)

	if d := p.DelayFor(8); d != 3*time.Second {
		t.Errorf("DelayFor(8) = %v, want cap %v", d, 3*time.Second)
	}
}
