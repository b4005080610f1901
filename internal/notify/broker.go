// Package notify fans QC events out to listeners: an in-process broker for
// SSE subscribers and tests, and a Redis pub/sub publisher for other
// processes.
package notify

import (
	"context"
	"sync"

	"trialsage/api/internal/qc"
)

// Broker is an in-process fan-out of QC events. Publish never blocks: a
// subscriber that cannot keep up has the event dropped.
type Broker struct {
	mu          sync.Mutex
	subscribers map[int]chan qc.Event
	nextID      int
	buffer      int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{
		subscribers: make(map[int]chan qc.Event),
		buffer:      buffer,
	}
}

func (b *Broker) Publish(_ context.Context, event qc.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a listener. The returned cancel function must be
// called when the listener goes away; it closes the channel.
func (b *Broker) Subscribe() (<-chan qc.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan qc.Event, b.buffer)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Fanout publishes to several publishers in order, keeping the first error
// but attempting all of them.
type Fanout []qc.Publisher

func (f Fanout) Publish(ctx context.Context, event qc.Event) error {
	var first error
	for _, publisher := range f {
		if err := publisher.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
