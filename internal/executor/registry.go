package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs an executor name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered executors keyed by test case type tag. Dispatch
// is registry-based only: a tag without a registered executor is reported as
// an unknown type, never routed through a fallback path.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[string]Executor),
	}
}

// Register maps a type tag to an executor. A later registration for the same
// tag replaces the earlier one.
func (r *Registry) Register(typeTag string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[typeTag] = e
}

// Resolve returns the executor registered for the given type tag.
func (r *Registry) Resolve(typeTag string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byType[typeTag]
	if !ok {
		return nil, fmt.Errorf("no executor registered for type %q (known: %v)", typeTag, r.knownLocked())
	}
	return e, nil
}

// List returns information about all registered executors, sorted by type
// tag for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.byType))
	for tag, e := range r.byType {
		infos = append(infos, Info{
			Name:         tag,
			Capabilities: e.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// knownLocked returns the registered tags sorted. Caller holds r.mu.
func (r *Registry) knownLocked() []string {
	tags := make([]string, 0, len(r.byType))
	for tag := range r.byType {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
