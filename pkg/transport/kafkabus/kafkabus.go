// Package kafkabus runs the bridge over Kafka with franz-go.
//
// Kafka topic names cannot hold '/', so slash topics are stored dotted
// ("outbound/lights/on" becomes "outbound.lights.on"). Subscribe consumes every
// topic matching a regular expression, starting at the log end, without a
// consumer group: each bridge instance sees every message.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/morezero/action-bridge/pkg/commsutil"
	"github.com/morezero/action-bridge/pkg/transport"
)

const logPrefix = "kafkabus:bus"

// DefaultTopicPattern skips Kafka's internal double-underscore topics.
const DefaultTopicPattern = `^[^_].*`

// Config holds client parameters for Dial.
type Config struct {
	Brokers []string
	// TopicPattern is the regular expression Subscribe consumes.
	TopicPattern string
	ClientID     string
}

// Bus is a transport.Transport over Kafka.
type Bus struct {
	cfg      Config
	producer *kgo.Client

	mu        sync.Mutex
	consumers []*kgo.Client
	wg        sync.WaitGroup
	closed    bool
}

// Dial creates the producing client. No broker is contacted until first use.
func Dial(cfg Config) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%s - at least one broker is required", logPrefix)
	}
	if cfg.TopicPattern == "" {
		cfg.TopicPattern = DefaultTopicPattern
	}

	producer, err := kgo.NewClient(append(baseOpts(cfg), kgo.AllowAutoTopicCreation())...)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create producer: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Kafka client ready for %v", logPrefix, cfg.Brokers))
	return &Bus{cfg: cfg, producer: producer}, nil
}

func baseOpts(cfg Config) []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	return opts
}

// Publish produces payload to the Kafka topic for topic and waits for the ack.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return transport.ErrClosed
	}

	name := TopicName(topic)
	err := b.producer.ProduceSync(ctx, &kgo.Record{Topic: name, Value: payload}).FirstErr()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%s - failed to produce to %s: %w", logPrefix, name, err)
	}
	return nil
}

// Subscribe starts a consumer over every topic matching the configured
// pattern and feeds records to handler until Close or ctx is done.
func (b *Bus) Subscribe(ctx context.Context, handler transport.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}

	consumer, err := kgo.NewClient(append(baseOpts(b.cfg),
		kgo.ConsumeTopics(b.cfg.TopicPattern),
		kgo.ConsumeRegex(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)...)
	if err != nil {
		return fmt.Errorf("%s - failed to create consumer: %w", logPrefix, err)
	}
	b.consumers = append(b.consumers, consumer)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.poll(ctx, consumer, handler)
	}()

	slog.Info(fmt.Sprintf("%s - Consuming topics matching %s", logPrefix, b.cfg.TopicPattern))
	return nil
}

func (b *Bus) poll(ctx context.Context, consumer *kgo.Client, handler transport.Handler) {
	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Warn(fmt.Sprintf("%s - fetch error on %s/%d: %v", logPrefix, topic, partition, err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			handler(transport.Delivery{Topic: TopicFromName(rec.Topic), Payload: rec.Value})
		})
	}
}

// Close stops every consumer, waits for their poll loops and closes the producer.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.consumers = nil
	b.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	b.wg.Wait()
	b.producer.Close()
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// TopicName maps a slash topic to a Kafka topic name.
func TopicName(topic string) string {
	return commsutil.TopicToSubject(topic)
}

// TopicFromName maps a Kafka topic name back to a slash topic.
func TopicFromName(name string) string {
	return commsutil.SubjectToTopic(name)
}
