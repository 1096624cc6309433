package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the batch driver.
const (
	TypePairStarted   = "pair.started"
	TypePairCompleted = "pair.completed"
	TypePairSkipped   = "pair.skipped"
	TypeBatchDone     = "batch.completed"
)

// Event is a progress notification for one recipe/version pair.
type Event struct {
	ID            int64     `json:"id"`
	Type          string    `json:"type"`
	Bibcode       string    `json:"bibcode,omitempty"`
	TargetVersion string    `json:"target_version,omitempty"`
	TerminalState string    `json:"terminal_state,omitempty"`
	At            time.Time `json:"at"`
}

// Broker is an in-memory fan-out bus for batch progress events. The CLI
// progress printer and the SSE endpoint both subscribe to it.
type Broker struct {
	mu     sync.RWMutex
	nextID atomic.Int64
	nextCh int64
	subs   map[int64]chan Event
}

// NewBroker creates a Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int64]chan Event)}
}

// Publish broadcasts an event to all subscribers. Slow subscribers drop
// events instead of blocking the batch workers.
func (b *Broker) Publish(evt Event) {
	evt.ID = b.nextID.Add(1)
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel
// func that closes it.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	id := atomic.AddInt64(&b.nextCh, 1)
	ch := make(chan Event, 32)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}
