package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/action-bridge/pkg/commsutil"
	"github.com/morezero/action-bridge/pkg/transport"
)

const transportPublisherLogPrefix = "events:transport_publisher"

// TransportPublisher publishes change events on <eventPrefix>/<service>.
type TransportPublisher struct {
	pub    transport.Publisher
	topics commsutil.Topics
}

// NewTransportPublisher creates a TransportPublisher. Empty topic fields use defaults.
func NewTransportPublisher(pub transport.Publisher, topics commsutil.Topics) *TransportPublisher {
	return &TransportPublisher{pub: pub, topics: topics.WithDefaults()}
}

// PublishChanged encodes event and publishes it on the service's event topic.
func (p *TransportPublisher) PublishChanged(ctx context.Context, event *ServiceChangedEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", transportPublisherLogPrefix, err)
	}

	topic := p.topics.Event(event.Service)
	if err := p.pub.Publish(ctx, topic, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", transportPublisherLogPrefix, topic, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published change event for %s", transportPublisherLogPrefix, event.Service))
	return nil
}
