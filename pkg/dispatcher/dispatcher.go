package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/morezero/action-bridge/pkg/commsutil"
	"github.com/morezero/action-bridge/pkg/correlation"
	"github.com/morezero/action-bridge/pkg/registry"
	"github.com/morezero/action-bridge/pkg/semver"
	"github.com/morezero/action-bridge/pkg/telemetry"
	"github.com/morezero/action-bridge/pkg/transport"
)

const logPrefix = "dispatcher:dispatch"

// Dispatcher is the bridge entry point.
type Dispatcher struct {
	registry  *registry.Registry
	table     *correlation.Table
	publisher transport.Publisher
	topics    commsutil.Topics
	recorder  Recorder
	sink      metrics.MetricSink
	now       func() time.Time
}

// NewDispatcherParams holds parameters for NewDispatcher.
type NewDispatcherParams struct {
	Registry  *registry.Registry
	Table     *correlation.Table
	Publisher transport.Publisher
	// Topics controls the request topic; empty fields use defaults.
	Topics     commsutil.Topics
	Recorder   Recorder
	MetricSink metrics.MetricSink
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(params NewDispatcherParams) *Dispatcher {
	rec := params.Recorder
	if rec == nil {
		rec = NoOpRecorder{}
	}
	return &Dispatcher{
		registry:  params.Registry,
		table:     params.Table,
		publisher: params.Publisher,
		topics:    params.Topics.WithDefaults(),
		recorder:  rec,
		sink:      telemetry.SinkOrBlackhole(params.MetricSink),
		now:       time.Now,
	}
}

// Invoke performs action on service with payload and waits up to timeout for
// the reply. The returned payload is the worker's reply payload; the
// correlation id never appears in it.
//
// Validation failures (unknown service, unsupported action, bad payload,
// non-positive timeout) return before anything is published.
func (d *Dispatcher) Invoke(ctx context.Context, service, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return d.invoke(ctx, service, "", action, payload, timeout)
}

// InvokeRef is Invoke with a service reference of the form name or
// name@range. The call fails with VERSION_MISMATCH, without publishing, when
// the registered version is outside the range.
func (d *Dispatcher) InvokeRef(ctx context.Context, ref, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	parsed, err := semver.ParseServiceRef(ref)
	if err != nil {
		return nil, d.reject("", action, newError(CodeInvalidArgument, err, "invalid service reference %q", ref))
	}
	if parsed.Range != "" {
		if err := semver.ValidateRange(parsed.Range); err != nil {
			return nil, d.reject(parsed.Name, action, newError(CodeInvalidArgument, err, "invalid version range %q", parsed.Range))
		}
	}
	return d.invoke(ctx, parsed.Name, parsed.Range, action, payload, timeout)
}

func (d *Dispatcher) invoke(ctx context.Context, service, versionRange, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		return nil, d.reject(service, action, newError(CodeInvalidArgument, nil, "timeout must be positive, got %s", timeout))
	}

	desc, ok := d.registry.Lookup(service)
	if !ok {
		return nil, d.reject(service, action, newError(CodeUnknownService, nil, "service %q is not registered", service))
	}
	if !desc.SatisfiesVersion(versionRange) {
		return nil, d.reject(service, action, newError(CodeVersionMismatch, nil,
			"service %q version %q does not satisfy %q", service, desc.Version, versionRange))
	}
	capability, ok := desc.Capability(action)
	if !ok {
		return nil, d.reject(service, action, newError(CodeUnsupportedAction, nil,
			"service %q does not support action %q", service, action))
	}

	payload = commsutil.RawOrNull(payload)
	if !json.Valid(payload) {
		return nil, d.reject(service, action, newError(CodeInvalidPayload, nil, "payload is not valid JSON"))
	}
	if err := capability.CheckPayload(payload); err != nil {
		return nil, d.reject(service, action, newError(CodeInvalidPayload, err, "%v", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, d.reject(service, action, newError(CodeCancelled, err, "call cancelled before publish"))
	}

	started := d.now()
	id := d.table.Begin()

	data, err := commsutil.EncodePayload(&RequestEnvelope{
		ID:      id.String(),
		Service: service,
		Action:  action,
		Payload: payload,
	})
	if err != nil {
		d.table.Discard(id)
		return nil, d.reject(service, action, newError(CodeInvalidPayload, err, "failed to encode request"))
	}

	topic := d.topics.Request(service, action)
	slog.Debug(fmt.Sprintf("%s - Publishing call %s to %s", logPrefix, id, topic))

	if err := d.publisher.Publish(ctx, topic, data); err != nil {
		d.table.Discard(id)
		slog.Error(fmt.Sprintf("%s - failed to publish call %s to %s: %v", logPrefix, id, topic, err))
		derr := newError(CodeTransportError, err, "failed to publish to %s", topic)
		if ctx.Err() != nil {
			derr = newError(CodeCancelled, err, "call cancelled during publish")
		}
		d.finish(id, service, action, started, OutcomePublishFailed, derr)
		return nil, derr
	}

	reply, err := d.table.Await(ctx, id, timeout)
	if err == nil {
		d.finish(id, service, action, started, OutcomeResolved, nil)
		return reply, nil
	}

	var failed *correlation.FailedError
	switch {
	case errors.Is(err, correlation.ErrTimeout):
		derr := newError(CodeTimeout, err, "no reply from %s/%s within %s", service, action, timeout)
		d.finish(id, service, action, started, OutcomeTimeout, derr)
		return nil, derr
	case errors.As(err, &failed):
		derr := newError(CodeRemoteError, err, "%s", failed.Reason)
		d.finish(id, service, action, started, OutcomeFailed, derr)
		return nil, derr
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		derr := newError(CodeCancelled, err, "call cancelled while waiting for reply")
		d.finish(id, service, action, started, OutcomeCancelled, derr)
		return nil, derr
	default:
		// Only ErrUnknownCall is left, which Begin rules out.
		derr := newError(CodeTransportError, err, "call %s lost", id)
		d.finish(id, service, action, started, OutcomeFailed, derr)
		return nil, derr
	}
}

// reject counts a call refused before it reached the correlation table.
func (d *Dispatcher) reject(service, action string, derr *DispatchError) *DispatchError {
	slog.Debug(fmt.Sprintf("%s - Rejected %s/%s: %v", logPrefix, service, action, derr))
	d.sink.IncrCounterWithLabels(telemetry.MetricCallRejectedCount, 1, []metrics.Label{
		telemetry.LabelService.M(service),
		telemetry.LabelCode.M(derr.Code),
	})
	return derr
}

// finish records a call that reached the correlation table.
func (d *Dispatcher) finish(id correlation.CallID, service, action string, started time.Time, outcome string, derr *DispatchError) {
	elapsed := d.now().Sub(started)
	labels := []metrics.Label{
		telemetry.LabelService.M(service),
		telemetry.LabelAction.M(action),
		telemetry.LabelOutcome.M(outcome),
	}
	d.sink.IncrCounterWithLabels(telemetry.MetricCallCount, 1, labels)
	d.sink.AddSampleWithLabels(telemetry.MetricCallLatencyMs, float32(elapsed.Milliseconds()), labels)

	rec := CallRecord{
		ID:        id.String(),
		Service:   service,
		Action:    action,
		Outcome:   outcome,
		StartedAt: started,
		Duration:  elapsed,
	}
	if derr != nil {
		rec.Code = derr.Code
		rec.Error = derr.Message
		slog.Info(fmt.Sprintf("%s - Call %s to %s/%s ended %s after %s: %s", logPrefix, id, service, action, outcome, elapsed, derr.Message))
	} else {
		slog.Debug(fmt.Sprintf("%s - Call %s to %s/%s resolved after %s", logPrefix, id, service, action, elapsed))
	}
	d.recorder.Record(rec)
}

// Pending returns how many calls are waiting for replies.
func (d *Dispatcher) Pending() int {
	return d.table.Len()
}
