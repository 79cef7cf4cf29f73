package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/morezero/action-bridge/pkg/correlation"
	"github.com/morezero/action-bridge/pkg/registry"
	"github.com/morezero/action-bridge/pkg/telemetry"
	"github.com/morezero/action-bridge/pkg/transport"
	"github.com/morezero/action-bridge/pkg/transport/memory"
)

// harness wires a Dispatcher to an in-process bus.
type harness struct {
	reg     *registry.Registry
	table   *correlation.Table
	bus     *memory.Bus
	sink    *telemetry.CountingSink
	records chan CallRecord
	d       *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:     registry.NewRegistry(registry.NewRegistryParams{}),
		table:   correlation.NewTable(),
		bus:     memory.New(),
		sink:    telemetry.NewCountingSink(),
		records: make(chan CallRecord, 16),
	}
	h.d = NewDispatcher(NewDispatcherParams{
		Registry:   h.reg,
		Table:      h.table,
		Publisher:  h.bus,
		Recorder:   RecorderFunc(func(rec CallRecord) { h.records <- rec }),
		MetricSink: h.sink,
	})
	return h
}

func (h *harness) register(desc registry.ServiceDescriptor) {
	h.reg.Register(context.Background(), desc)
}

// decodeRequest parses a published request envelope.
func decodeRequest(t *testing.T, d transport.Delivery) RequestEnvelope {
	t.Helper()
	var req RequestEnvelope
	if err := json.Unmarshal(d.Payload, &req); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - published request is not an envelope: %v", err)
	}
	return req
}

// lastRecord returns the recorded call, failing if none arrived.
func (h *harness) lastRecord(t *testing.T) CallRecord {
	t.Helper()
	select {
	case rec := <-h.records:
		return rec
	default:
		t.Fatal("dispatcher:dispatcher_test - no call record")
		return CallRecord{}
	}
}
