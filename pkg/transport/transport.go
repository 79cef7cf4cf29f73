// Package transport defines the publish/subscribe contract the bridge runs on.
//
// Topics are slash separated strings ("outbound/lights/on"). Each adapter maps
// them onto its own naming and back, so everything above this package sees
// one topic shape regardless of broker.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("transport: closed")

// Delivery is one inbound message: the topic it arrived on and its raw bytes.
type Delivery struct {
	Topic   string
	Payload []byte
}

// Handler receives inbound deliveries. Adapters call it from their own
// receive goroutine; handlers that block hold up further deliveries.
type Handler func(Delivery)

// Publisher sends a payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Transport is a publish/subscribe connection. Subscribe registers a handler
// for every topic the connection can see; the bridge filters by topic itself.
type Transport interface {
	Publisher
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}
