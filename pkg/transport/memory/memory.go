// Package memory is an in-process transport. Every publish is recorded and
// delivered to all subscribers, the way a wildcard subscription on a real
// broker would echo the bridge's own requests back to it.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/morezero/action-bridge/pkg/transport"
)

const logPrefix = "memory:bus"

// Bus is an in-process transport.Transport.
type Bus struct {
	mu         sync.Mutex
	handlers   []transport.Handler
	published  []transport.Delivery
	publishErr error
	onPublish  func(transport.Delivery)
	closed     bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Publish records the message and hands it to every subscriber synchronously.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return fmt.Errorf("%s - publish to %s: %w", logPrefix, topic, err)
	}
	d := transport.Delivery{Topic: topic, Payload: append([]byte(nil), payload...)}
	b.published = append(b.published, d)
	handlers := append([]transport.Handler(nil), b.handlers...)
	hook := b.onPublish
	b.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	for _, h := range handlers {
		h(d)
	}
	return nil
}

// Subscribe adds handler for every subsequent publish and injection.
func (b *Bus) Subscribe(_ context.Context, handler transport.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	b.handlers = append(b.handlers, handler)
	return nil
}

// Close drops all subscribers. Further publishes fail with transport.ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}

// Inject delivers a message to subscribers without recording it as published,
// as if some other party had sent it.
func (b *Bus) Inject(topic string, payload []byte) {
	b.mu.Lock()
	handlers := append([]transport.Handler(nil), b.handlers...)
	b.mu.Unlock()

	d := transport.Delivery{Topic: topic, Payload: payload}
	for _, h := range handlers {
		h(d)
	}
}

// FailPublishes makes every Publish fail with err until called with nil.
func (b *Bus) FailPublishes(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// OnPublish registers a hook that sees each successful publish before the
// subscribers do. Tests use it to play a remote worker.
func (b *Bus) OnPublish(hook func(transport.Delivery)) {
	b.mu.Lock()
	b.onPublish = hook
	b.mu.Unlock()
}

// Published returns a copy of every recorded publish in order.
func (b *Bus) Published() []transport.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Delivery(nil), b.published...)
}

// PublishedTo returns the recorded publishes on topic.
func (b *Bus) PublishedTo(topic string) []transport.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []transport.Delivery
	for _, d := range b.published {
		if d.Topic == topic {
			out = append(out, d)
		}
	}
	return out
}
