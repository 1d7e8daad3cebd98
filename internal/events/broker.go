// Package events distributes task-run state transitions to subscribers, one
// topic per flow run. The API layer streams them to clients over SSE.
package events

import (
	"sync"
	"time"

	"github.com/nparley/prefect/internal/model"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is one state transition observed by the task runner.
type Event struct {
	FlowRunID string          `json:"flow_run_id"`
	TaskRunID string          `json:"task_run_id,omitempty"`
	TaskName  string          `json:"task_name,omitempty"`
	StateType model.StateType `json:"state_type"`
	StateName string          `json:"state_name"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Broker manages per-flow-run event streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a flow run finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected flow-run volume.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for the given flow run and
// an unsubscribe function. If the flow run has already finished (Close was
// called), the returned channel is immediately closed.
func (b *Broker) Subscribe(flowRunID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[flowRunID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[flowRunID] = t
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

// Publish sends an event to all subscribers of its flow run.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.FlowRunID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop event for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more events will be published for the given flow run.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(flowRunID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[flowRunID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[flowRunID] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
