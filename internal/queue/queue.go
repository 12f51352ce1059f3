// Package queue implements the priority queue that orders pending runs for
// admission. Entries are ordered by (priority, enqueue sequence): strictly
// lower priority numbers first, FIFO within the same priority.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rcassidy/verity/internal/model"
)

// Entry is one pending run awaiting admission.
type Entry struct {
	RunID      string
	Priority   int
	Scope      model.Scope
	EnqueuedAt time.Time

	// seq is the enqueue sequence number. It breaks priority ties and is
	// deliberately preserved across reprioritization so a deprioritized run
	// cannot jump ahead of equal-priority peers enqueued after it.
	seq   uint64
	index int
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is a priority queue of pending runs. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	heap    entryHeap
	byRunID map[string]*Entry
	nextSeq uint64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{byRunID: make(map[string]*Entry)}
}

// Enqueue adds a run to the queue and returns its entry.
func (q *Queue) Enqueue(runID string, priority int, scope model.Scope) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &Entry{
		RunID:      runID,
		Priority:   priority,
		Scope:      scope,
		EnqueuedAt: time.Now().UTC(),
		seq:        q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.heap, e)
	q.byRunID[runID] = e
	return e
}

// Next pops and returns the highest-priority entry whose scope the admit
// callback accepts, or nil if no entry is currently admissible. Entries are
// considered in strict (priority, seq) order; an entry whose scope is at
// capacity is skipped so runs in other scopes are not blocked behind it.
func (q *Queue) Next(admit func(model.Scope) bool) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	// The heap is not in fully sorted order, so walk a sorted snapshot of
	// candidates. Queue depths are small enough that this stays cheap.
	for _, e := range q.sortedLocked() {
		if admit(e.Scope) {
			heap.Remove(&q.heap, e.index)
			delete(q.byRunID, e.RunID)
			return e
		}
	}
	return nil
}

// Remove deletes a pending run from the queue, reporting whether it was
// present. Used for cancel-while-queued.
func (q *Queue) Remove(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byRunID[runID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byRunID, runID)
	return true
}

// Reprioritize re-homes a pending run at a new priority without changing its
// sequence number. Returns false if the run is not queued.
func (q *Queue) Reprioritize(runID string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byRunID[runID]
	if !ok {
		return false
	}
	e.Priority = priority
	heap.Fix(&q.heap, e.index)
	return true
}

// Depth returns the number of pending runs in the given scope. A zero scope
// counts every pending run.
func (q *Queue) Depth(scope model.Scope) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if scope == (model.Scope{}) {
		return len(q.heap)
	}
	n := 0
	for _, e := range q.heap {
		if e.Scope == scope {
			n++
		}
	}
	return n
}

// OldestAge returns how long the longest-waiting pending run in the scope has
// been queued, or zero if the scope has no pending runs. A zero scope spans
// all pending runs.
func (q *Queue) OldestAge(scope model.Scope) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest time.Time
	for _, e := range q.heap {
		if scope != (model.Scope{}) && e.Scope != scope {
			continue
		}
		if oldest.IsZero() || e.EnqueuedAt.Before(oldest) {
			oldest = e.EnqueuedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

// sortedLocked returns the entries in admission order. Caller holds q.mu.
func (q *Queue) sortedLocked() []*Entry {
	out := make([]*Entry, len(q.heap))
	copy(out, q.heap)
	// Insertion sort: candidate lists are short and often nearly ordered.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}
