package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event kinds published on the run event stream.
const (
	EventStatus = "status"
	EventCase   = "case"
)

// Event is one lifecycle or case-progress notification for a run.
type Event struct {
	RunID    string    `json:"run_id"`
	Kind     string    `json:"kind"`
	Status   string    `json:"status"`
	CaseID   string    `json:"case_id,omitempty"`
	CaseName string    `json:"case_name,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	At       time.Time `json:"at"`
}

// EventBroker manages per-run event streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a run finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected run volume.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives events for the given run and an
// unsubscribe function. If the run has already finished (Close was called),
// the returned channel is immediately closed.
func (b *EventBroker) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[runID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given run.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.RunID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more events will be published for the given run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *EventBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[runID] = &eventTopic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Notifier receives lifecycle transition events for delivery to external
// sinks (chat, webhooks, observability). Implementations are invoked from a
// separate goroutine and must tolerate being slow or failing; a failed
// delivery never blocks or fails a run.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes transition events to the structured log. It is the
// default sink when no external delivery is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the event.
func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	n.Logger.Info("run event",
		"run_id", ev.RunID,
		"kind", ev.Kind,
		"status", ev.Status,
		"case_id", ev.CaseID,
	)
}
