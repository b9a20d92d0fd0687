package pubsub

import (
	"context"
	"sync"

	"github.com/relaymesh/relay/internal/bundle"
)

// Handler receives update events from a Bus subscription.
type Handler func(ctx context.Context, e bundle.UpdateEvent)

// Bus carries update events between server instances. A single-instance
// deployment uses LocalBus; clustered servers share a NATS bus so every
// instance fans out to its own connected clients.
type Bus interface {
	Publish(ctx context.Context, e bundle.UpdateEvent) error
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
	Close() error
}

type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewLocalBus() *LocalBus { return &LocalBus{handlers: map[string][]Handler{}} }

func (b *LocalBus) Publish(ctx context.Context, e bundle.UpdateEvent) error {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[e.Topic]...)
	b.mu.RUnlock()
	// Synchronous dispatch: publish order per topic is the delivery order.
	for _, h := range hs {
		h(ctx, e)
	}
	return nil
}

func (b *LocalBus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], h)
	idx := len(b.handlers[topic]) - 1
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[topic]
		if idx >= 0 && idx < len(hs) {
			b.handlers[topic] = append(hs[:idx], hs[idx+1:]...)
		}
	}, nil
}

func (b *LocalBus) Close() error { return nil }
