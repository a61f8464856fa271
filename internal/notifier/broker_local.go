package notifier

import (
	"context"
	"sync"
)

// LocalBroker loops events back to subscribers in the same process.
type LocalBroker struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Event)
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[int]func(Event))}
}

func (b *LocalBroker) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, deliver := range b.handlers {
		deliver(e)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, deliver func(Event)) (func() error, error) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = deliver
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
		return nil
	}, nil
}
