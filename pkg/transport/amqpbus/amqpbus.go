// Package amqpbus runs the bridge over a RabbitMQ topic exchange.
//
// Topics are published as routing keys ("outbound/lights/on" becomes
// "outbound.lights.on"). Subscribe declares a server-named exclusive queue
// bound with "#" so the bridge sees everything on the exchange.
package amqpbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/morezero/action-bridge/pkg/commsutil"
	"github.com/morezero/action-bridge/pkg/transport"
)

const logPrefix = "amqpbus:bus"

const (
	// DefaultExchange is the topic exchange used when Config.Exchange is empty.
	DefaultExchange = "bridge"
	// BindAll is the binding key that matches every routing key.
	BindAll = "#"
)

// Config holds connection parameters for Dial.
type Config struct {
	URL      string
	Exchange string
	// Name is sent as the connection_name client property.
	Name string
}

// Bus is a transport.Transport over an AMQP 0-9-1 connection.
type Bus struct {
	conn     *amqp.Connection
	exchange string

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu      sync.Mutex
	subChs  []*amqp.Channel
	wg      sync.WaitGroup
	closing bool
}

// Dial connects, opens a publish channel and declares the exchange.
func Dial(cfg Config) (*Bus, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}

	slog.Info(fmt.Sprintf("%s - Connecting to AMQP broker, exchange %s", logPrefix, cfg.Exchange))

	amqpCfg := amqp.Config{Properties: amqp.NewConnectionProperties()}
	if cfg.Name != "" {
		amqpCfg.Properties.SetClientConnectionName(cfg.Name)
	}
	conn, err := amqp.DialConfig(cfg.URL, amqpCfg)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect: %w", logPrefix, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s - failed to open channel: %w", logPrefix, err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s - failed to declare exchange %s: %w", logPrefix, cfg.Exchange, err)
	}

	go func() {
		if err, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)); ok && err != nil {
			slog.Warn(fmt.Sprintf("%s - connection closed: %v", logPrefix, err))
		}
	}()

	return &Bus{conn: conn, exchange: cfg.Exchange, pubCh: ch}, nil
}

// Publish sends payload to the exchange with the routing key for topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.conn.IsClosed() {
		return transport.ErrClosed
	}

	key := RoutingKey(topic)
	msg := amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	}

	// amqp channels are not safe for concurrent publishes.
	b.pubMu.Lock()
	err := b.pubCh.PublishWithContext(ctx, b.exchange, key, false, false, msg)
	b.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", logPrefix, key, err)
	}
	return nil
}

// Subscribe declares an exclusive queue bound to everything on the exchange
// and feeds its deliveries to handler until Close or ctx is done.
func (b *Bus) Subscribe(ctx context.Context, handler transport.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing || b.conn.IsClosed() {
		return transport.ErrClosed
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("%s - failed to open channel: %w", logPrefix, err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("%s - failed to declare queue: %w", logPrefix, err)
	}

	if err := ch.QueueBind(q.Name, BindAll, b.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("%s - failed to bind queue %s: %w", logPrefix, q.Name, err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("%s - failed to consume from %s: %w", logPrefix, q.Name, err)
	}

	b.subChs = append(b.subChs, ch)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				ch.Close()
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				handler(transport.Delivery{Topic: TopicFromKey(d.RoutingKey), Payload: d.Body})
			}
		}
	}()

	slog.Info(fmt.Sprintf("%s - Consuming %s bound %s on %s", logPrefix, q.Name, BindAll, b.exchange))
	return nil
}

// Close closes subscription channels, waits for their consumers and closes
// the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closing = true
	chs := b.subChs
	b.subChs = nil
	b.mu.Unlock()

	for _, ch := range chs {
		ch.Close()
	}
	b.wg.Wait()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("%s - failed to close connection: %w", logPrefix, err)
	}
	return nil
}

// RoutingKey maps a slash topic to an AMQP routing key.
func RoutingKey(topic string) string {
	return commsutil.TopicToSubject(topic)
}

// TopicFromKey maps a routing key back to a slash topic.
func TopicFromKey(key string) string {
	return commsutil.SubjectToTopic(key)
}
