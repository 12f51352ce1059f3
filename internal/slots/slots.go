// Package slots implements the concurrency slot manager. A slot is a capacity
// token spanning the global, organization, and project tiers; acquisition is
// all-or-nothing across tiers and release happens exactly once.
package slots

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rcassidy/verity/internal/model"
)

// ErrSlotReleased is returned when a slot is released more than once. Double
// release is a programming error in the caller and is reported, not ignored.
var ErrSlotReleased = errors.New("slot already released")

// Limits configures per-tier capacity. Global should be >= PerOrg >= PerProject;
// Validate enforces this.
type Limits struct {
	Global     int
	PerOrg     int
	PerProject int
}

// Validate checks that the limits are positive and properly nested.
func (l Limits) Validate() error {
	if l.Global <= 0 || l.PerOrg <= 0 || l.PerProject <= 0 {
		return errors.New("slot limits must be positive")
	}
	if l.PerOrg > l.Global {
		return fmt.Errorf("per-org limit %d exceeds global limit %d", l.PerOrg, l.Global)
	}
	if l.PerProject > l.PerOrg {
		return fmt.Errorf("per-project limit %d exceeds per-org limit %d", l.PerProject, l.PerOrg)
	}
	return nil
}

// Slot is a held capacity token. Release it exactly once via Manager.Release.
type Slot struct {
	Scope    model.Scope
	released atomic.Bool
}

// Counts reports currently held slots at each tier of a scope.
type Counts struct {
	Global  int `json:"global"`
	Org     int `json:"org"`
	Project int `json:"project"`
}

// Manager bounds concurrent run execution per scope tier. It is the sole
// owner of slot accounting; all mutation goes through its mutex.
type Manager struct {
	limits Limits

	mu        sync.Mutex
	global    int
	byOrg     map[string]int
	byProject map[model.Scope]int

	releaseCh chan struct{}
}

// NewManager creates a slot manager with the given limits.
func NewManager(limits Limits) *Manager {
	return &Manager{
		limits:    limits,
		byOrg:     make(map[string]int),
		byProject: make(map[model.Scope]int),
		releaseCh: make(chan struct{}, 1),
	}
}

// TryAcquire attempts to take one slot at every tier for the scope. It never
// blocks: if any tier is at capacity, no tier is charged and ok is false.
func (m *Manager) TryAcquire(scope model.Scope) (*Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.global >= m.limits.Global {
		return nil, false
	}
	if m.byOrg[scope.OrgID] >= m.limits.PerOrg {
		return nil, false
	}
	if m.byProject[scope] >= m.limits.PerProject {
		return nil, false
	}

	m.global++
	m.byOrg[scope.OrgID]++
	m.byProject[scope]++
	activeSlots.Inc()
	acquiresTotal.Inc()

	return &Slot{Scope: scope}, true
}

// Release returns a slot's capacity at every tier. Releasing the same slot
// twice returns ErrSlotReleased and leaves the accounting untouched.
func (m *Manager) Release(s *Slot) error {
	if s == nil {
		return errors.New("release of nil slot")
	}
	if !s.released.CompareAndSwap(false, true) {
		doubleReleaseTotal.Inc()
		return ErrSlotReleased
	}

	m.mu.Lock()
	m.global--
	m.byOrg[s.Scope.OrgID]--
	if m.byOrg[s.Scope.OrgID] == 0 {
		delete(m.byOrg, s.Scope.OrgID)
	}
	m.byProject[s.Scope]--
	if m.byProject[s.Scope] == 0 {
		delete(m.byProject, s.Scope)
	}
	m.mu.Unlock()

	activeSlots.Dec()
	releasesTotal.Inc()

	// Wake the scheduler without blocking; one pending signal is enough.
	select {
	case m.releaseCh <- struct{}{}:
	default:
	}
	return nil
}

// Releases returns a channel that receives a signal whenever capacity frees
// up. The signal is coalesced: the scheduler re-evaluates the whole queue on
// each wake.
func (m *Manager) Releases() <-chan struct{} {
	return m.releaseCh
}

// Active reports held slot counts for the given scope.
func (m *Manager) Active(scope model.Scope) Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counts{
		Global:  m.global,
		Org:     m.byOrg[scope.OrgID],
		Project: m.byProject[scope],
	}
}

// Limits returns the configured per-tier capacities.
func (m *Manager) Limits() Limits {
	return m.limits
}
