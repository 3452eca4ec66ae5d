// Package completions retrieves model outputs for scenario-variant cells,
// retrying transient provider failures with jittered exponential backoff and
// streaming partial output to live subscribers.
package completions

import (
	"sync"

	"github.com/google/uuid"
)

// EventType distinguishes stream events for one cell.
type EventType string

const (
	// EventChunk carries one partial-output delta.
	EventChunk EventType = "chunk"
	// EventRetry announces a scheduled retry after a transient failure.
	EventRetry EventType = "retry"
	// EventComplete is the final event of a successful retrieval.
	EventComplete EventType = "complete"
	// EventError is the final event of a terminal failure.
	EventError EventType = "error"
)

// Event is one item in a cell's output stream.
type Event struct {
	Type    EventType `json:"type"`
	Delta   string    `json:"delta,omitempty"`
	Message string    `json:"message,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
}

// Broadcaster fans one cell's stream events out to any number of subscribers.
// Events are delivered to every subscriber in publish order. A subscriber that
// stops draining its buffer is evicted so a stalled consumer can never wedge
// the publisher or other subscribers of the same cell.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan Event]struct{}
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uuid.UUID]map[chan Event]struct{})}
}

const subscriberBuffer = 64

// Subscribe registers a listener for one cell's stream. The channel is closed
// when the cell reaches a terminal state, or earlier if the listener falls
// more than subscriberBuffer events behind. The returned cancel function must
// be called when the listener stops reading.
func (b *Broadcaster) Subscribe(cellID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[cellID] == nil {
		b.subs[cellID] = make(map[chan Event]struct{})
	}
	b.subs[cellID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[cellID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, cellID)
			}
		}
	}
	return ch, cancel
}

// HasSubscribers reports whether the cell currently has any listeners.
func (b *Broadcaster) HasSubscribers(cellID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[cellID]) > 0
}

// Publish delivers the event to every current subscriber of the cell. A
// subscriber whose buffer is full is closed and removed instead of blocking
// the publisher, so Publish never stalls behind a dead consumer.
func (b *Broadcaster) Publish(cellID uuid.UUID, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[cellID]
	for ch := range set {
		select {
		case ch <- ev:
		default:
			delete(set, ch)
			close(ch)
		}
	}
	if len(set) == 0 {
		delete(b.subs, cellID)
	}
}

// Finish closes every subscriber channel for the cell. Publish must not be
// called for the cell afterwards.
func (b *Broadcaster) Finish(cellID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[cellID] {
		close(ch)
	}
	delete(b.subs, cellID)
}
