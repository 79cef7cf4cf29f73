// Package router classifies every message the bridge receives and feeds it to
// the registry or the correlation table.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/morezero/action-bridge/pkg/commsutil"
	"github.com/morezero/action-bridge/pkg/correlation"
	"github.com/morezero/action-bridge/pkg/registry"
	"github.com/morezero/action-bridge/pkg/telemetry"
	"github.com/morezero/action-bridge/pkg/transport"
)

const logPrefix = "router:router"

// Kind is how a delivery was classified.
type Kind string

const (
	KindSelf         Kind = "self"
	KindAnnouncement Kind = "announcement"
	KindReply        Kind = "reply"
	KindMalformed    Kind = "malformed"
)

// Router is the inbound side of the bridge.
type Router struct {
	registry *registry.Registry
	table    *correlation.Table
	topics   commsutil.Topics
	sink     metrics.MetricSink

	// ctx is handed to registry change-event publishes.
	ctx context.Context

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewRouterParams holds parameters for NewRouter.
type NewRouterParams struct {
	Registry   *registry.Registry
	Table      *correlation.Table
	Topics     commsutil.Topics
	MetricSink metrics.MetricSink
	// Context bounds work started by deliveries; nil means Background.
	Context context.Context
}

// NewRouter creates a new Router.
func NewRouter(params NewRouterParams) *Router {
	ctx := params.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &Router{
		registry: params.Registry,
		table:    params.Table,
		topics:   params.Topics.WithDefaults(),
		sink:     telemetry.SinkOrBlackhole(params.MetricSink),
		ctx:      ctx,
	}
}

// Deliver is a transport.Handler. Announcements are applied inline so the
// registry sees them in delivery order; every other delivery runs on its own
// goroutine. Deliveries after Close are dropped.
func (r *Router) Deliver(d transport.Delivery) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	if r.topics.IsAnnouncement(d.Topic) {
		defer r.wg.Done()
		r.Handle(d)
		return
	}

	go func() {
		defer r.wg.Done()
		r.Handle(d)
	}()
}

// Close stops accepting deliveries and waits for in-flight ones to finish.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

// Handle classifies and applies one delivery synchronously. It never panics
// on external input; malformed messages are logged and dropped.
func (r *Router) Handle(d transport.Delivery) Kind {
	kind := r.handle(d)
	r.sink.IncrCounterWithLabels(telemetry.MetricDeliveryCount, 1, []metrics.Label{
		telemetry.LabelKind.M(string(kind)),
	})
	return kind
}

func (r *Router) handle(d transport.Delivery) Kind {
	if r.topics.IsSelf(d.Topic) {
		return KindSelf
	}

	if r.topics.IsAnnouncement(d.Topic) {
		desc, err := registry.ParseAnnouncement(d.Payload)
		if err != nil {
			r.drop(d, "announcement", err)
			return KindMalformed
		}
		r.registry.Register(r.ctx, desc)
		return KindAnnouncement
	}

	reply, err := decodeReply(d.Payload)
	if err != nil {
		r.drop(d, "reply", err)
		return KindMalformed
	}

	id, err := correlation.ParseCallID(reply.id)
	if err != nil {
		r.drop(d, "reply", err)
		return KindMalformed
	}

	var matched bool
	if reply.failure != "" {
		matched = r.table.Fail(id, reply.failure)
	} else {
		matched = r.table.Resolve(id, reply.payload)
	}
	if !matched {
		r.sink.IncrCounter(telemetry.MetricLateReplyCount, 1)
		slog.Debug(fmt.Sprintf("%s - No pending call for %s on %s, dropped", logPrefix, id, d.Topic))
	}
	return KindReply
}

func (r *Router) drop(d transport.Delivery, as string, err error) {
	r.sink.IncrCounterWithLabels(telemetry.MetricDeliveryDroppedCount, 1, []metrics.Label{
		telemetry.LabelReason.M(as),
	})
	slog.Warn(fmt.Sprintf("%s - Dropped malformed %s on %s: %v", logPrefix, as, d.Topic, err))
}

type decodedReply struct {
	id      string
	payload json.RawMessage
	failure string
}

// decodeReply accepts the envelope form {id, payload, error?}. A reply with
// no payload field is taken as a flat object: everything except id (and a
// string error) is the payload.
func decodeReply(data []byte) (decodedReply, error) {
	fields, err := commsutil.DecodeObject(data)
	if err != nil {
		return decodedReply{}, err
	}

	rawID, ok := fields["id"]
	if !ok {
		return decodedReply{}, fmt.Errorf("missing id")
	}
	var out decodedReply
	if err := json.Unmarshal(rawID, &out.id); err != nil {
		return decodedReply{}, fmt.Errorf("id is not a string")
	}

	if rawErr, ok := fields["error"]; ok && !bytes.Equal(bytes.TrimSpace(rawErr), []byte("null")) {
		if err := json.Unmarshal(rawErr, &out.failure); err != nil {
			return decodedReply{}, fmt.Errorf("error is not a string")
		}
		delete(fields, "error")
	}

	if payload, ok := fields["payload"]; ok {
		out.payload = payload
		return out, nil
	}

	delete(fields, "id")
	flat, err := json.Marshal(fields)
	if err != nil {
		return decodedReply{}, err
	}
	out.payload = flat
	return out, nil
}
