// Package events is the executor's outbound event stream.  Publishing
// never blocks: a subscriber that falls behind its buffer loses events.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event.
type Type string

const (
	JobStarted     Type = "job_execution_started"
	JobCompleted   Type = "job_execution_completed"
	JobFailed      Type = "job_execution_failed"
	JobRetry       Type = "job_execution_retry"
	JobCancelled   Type = "job_execution_cancelled"
	PlanCompleted  Type = "execution_plan_completed"
	BatchSubmitted Type = "batch_submitted"
	Started        Type = "executor_started"
	Stopped        Type = "executor_stopped"
	MetricsUpdated Type = "metrics_updated"
)

// Event is one notification.  Data carries the snapshot of the affected
// execution, plan or metrics; its concrete type depends on Type.
type Event struct {
	Type   Type      `json:"type"`
	At     time.Time `json:"at"`
	PlanID string    `json:"planId,omitempty"`
	JobID  string    `json:"jobId,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// DefaultBuffer is the per-subscriber channel size used when Subscribe
// is given a non-positive buffer.
const DefaultBuffer = 64

// Bus fans events out to subscribers.  It is safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it.  After Close the returned channel is already closed.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber with room in its buffer.  A zero
// At is stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries skipped because a subscriber was
// full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel.  Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
