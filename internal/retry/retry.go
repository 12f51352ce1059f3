// Package retry decides whether a failed executor attempt is retried and how
// long to wait before the next attempt. Only infrastructure errors are
// retryable; logic failures (assertion mismatches, diffs over threshold,
// failed audit rules) are authoritative results.
package retry

import (
	"time"

	"github.com/rcassidy/verity/internal/model"
)

// Defaults for the policy when the corresponding config value is unset.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// Policy holds the retry ceiling and backoff curve.
type Policy struct {
	// MaxAttempts is the total number of attempts per case, including the
	// first one.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; subsequent delays
	// double, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewPolicy returns a policy with defaults filled in for zero fields.
func NewPolicy(maxAttempts int, base, max time.Duration) Policy {
	p := Policy{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: max}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// ShouldRetry reports whether a case that just produced the given step status
// on the given attempt (1-based) should be attempted again. Only the error
// status, which marks infrastructure failures, is retryable.
func (p Policy) ShouldRetry(status string, attempt int) bool {
	if status != model.StepError {
		return false
	}
	return attempt < p.MaxAttempts
}

// DelayFor returns the backoff delay to wait after the given attempt
// (1-based) before the next one: BaseDelay doubled per prior attempt,
// capped at MaxDelay.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
