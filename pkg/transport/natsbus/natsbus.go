// Package natsbus runs the bridge over COMMS (NATS). Slash topics become
// dotted subjects on the way out and are mapped back on the way in; the
// bridge subscribes to the full wildcard ">".
package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/action-bridge/pkg/commsutil"
	"github.com/morezero/action-bridge/pkg/transport"
)

const logPrefix = "natsbus:bus"

// WildcardSubject matches every subject on the connection.
const WildcardSubject = ">"

// Bus is a transport.Transport over a COMMS connection.
type Bus struct {
	nc      *comms.Conn
	ownConn bool

	mu   sync.Mutex
	subs []*comms.Subscription
}

// New wraps an existing connection. Close unsubscribes but leaves nc open.
func New(nc *comms.Conn) *Bus {
	return &Bus{nc: nc}
}

// Dial connects with params and returns a Bus that owns the connection.
func Dial(params commsutil.ConnectParams) (*Bus, error) {
	nc, err := commsutil.Connect(params)
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc, ownConn: true}, nil
}

// Publish sends payload on the subject for topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.nc.IsClosed() {
		return transport.ErrClosed
	}

	subject := commsutil.TopicToSubject(topic)
	if err := b.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", logPrefix, subject, err)
	}
	return nil
}

// Subscribe delivers every message on the connection to handler.
func (b *Bus) Subscribe(_ context.Context, handler transport.Handler) error {
	if b.nc.IsClosed() {
		return transport.ErrClosed
	}

	sub, err := b.nc.Subscribe(WildcardSubject, func(msg *comms.Msg) {
		handler(transport.Delivery{
			Topic:   commsutil.SubjectToTopic(msg.Subject),
			Payload: msg.Data,
		})
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, WildcardSubject, err)
	}
	// The subscription must be registered with the server before Subscribe
	// returns, or a reply racing the first request could be missed.
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("%s - failed to flush subscription: %w", logPrefix, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, WildcardSubject))
	return nil
}

// Close drains subscriptions and, if the Bus dialed the connection, closes it.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && b.nc.IsConnected() {
			slog.Warn(fmt.Sprintf("%s - failed to unsubscribe: %v", logPrefix, err))
		}
	}
	if b.ownConn && !b.nc.IsClosed() {
		b.nc.Close()
	}
	return nil
}

// Conn exposes the underlying connection (health checks).
func (b *Bus) Conn() *comms.Conn {
	return b.nc
}
