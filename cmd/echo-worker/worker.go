package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/action-bridge/pkg/commsutil"
	"github.com/morezero/action-bridge/pkg/dispatcher"
	"github.com/morezero/action-bridge/pkg/registry"
)

const workerLogPrefix = "echo-worker:worker"

// Actions the echo worker serves.
const (
	actionEcho = "echo"
	actionPing = "ping"
	actionFail = "fail"
)

// worker answers bridge requests for one service over NATS.
type worker struct {
	nc      *comms.Conn
	service string
	version string
	topics  commsutil.Topics

	mu  sync.Mutex
	sub *comms.Subscription
}

type newWorkerParams struct {
	Conn    *comms.Conn
	Service string
	Version string
	Topics  commsutil.Topics
}

func newWorker(params newWorkerParams) *worker {
	return &worker{
		nc:      params.Conn,
		service: params.Service,
		version: params.Version,
		topics:  params.Topics.WithDefaults(),
	}
}

// announcement is what the worker publishes on the announce topic.
func (w *worker) announcement() registry.Announcement {
	return registry.Announcement{
		Service:      w.service,
		Capabilities: []string{actionEcho, actionPing, actionFail},
		Version:      w.version,
		Schemas: map[string]registry.ActionSchema{
			actionFail: {Required: []string{"reason"}},
		},
	}
}

// Start subscribes to the service's request topics.
func (w *worker) Start() error {
	subject := commsutil.TopicToSubject(commsutil.JoinTopic(w.topics.OutboundPrefix, w.service)) + ".*"
	sub, err := w.nc.Subscribe(subject, w.handle)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", workerLogPrefix, subject, err)
	}
	if err := w.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("%s - failed to flush subscription: %w", workerLogPrefix, err)
	}
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - Serving %s on %s", workerLogPrefix, w.service, subject))
	return nil
}

// Announce publishes the worker's announcement.
func (w *worker) Announce() error {
	data, err := commsutil.EncodePayload(w.announcement())
	if err != nil {
		return fmt.Errorf("%s - failed to encode announcement: %w", workerLogPrefix, err)
	}
	subject := commsutil.TopicToSubject(w.topics.AnnounceTopic)
	if err := w.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%s - failed to announce on %s: %w", workerLogPrefix, subject, err)
	}
	return w.nc.Flush()
}

// Stop unsubscribes.
func (w *worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		w.sub.Unsubscribe()
		w.sub = nil
	}
}

func (w *worker) handle(msg *comms.Msg) {
	var req dispatcher.RequestEnvelope
	if err := commsutil.DecodePayload(msg.Data, &req); err != nil || req.ID == "" {
		slog.Warn(fmt.Sprintf("%s - ignoring malformed request on %s: %v", workerLogPrefix, msg.Subject, err))
		return
	}
	action := req.Action
	if action == "" {
		action = msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	}

	reply := respond(action, req)
	data, err := commsutil.EncodePayload(reply)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode reply for %s: %v", workerLogPrefix, req.ID, err))
		return
	}
	subject := commsutil.TopicToSubject(commsutil.ReplyTopic(w.service, action))
	if err := w.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to reply on %s: %v", workerLogPrefix, subject, err))
	}
}

// respond builds the reply for one request.
func respond(action string, req dispatcher.RequestEnvelope) dispatcher.ReplyEnvelope {
	reply := dispatcher.ReplyEnvelope{ID: req.ID}
	switch action {
	case actionPing:
		fields := map[string]json.RawMessage{}
		if obj, err := commsutil.DecodeObject(req.Payload); err == nil {
			fields = obj
		}
		fields["pong"] = json.RawMessage("true")
		reply.Payload, _ = json.Marshal(fields)
	case actionFail:
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(req.Payload, &body)
		if body.Reason == "" {
			body.Reason = "failed on request"
		}
		reply.Error = body.Reason
	default:
		reply.Payload = commsutil.RawOrNull(req.Payload)
	}
	return reply
}
