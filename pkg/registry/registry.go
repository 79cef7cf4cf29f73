package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/morezero/action-bridge/pkg/events"
	"github.com/morezero/action-bridge/pkg/semver"
	"github.com/morezero/action-bridge/pkg/telemetry"
)

const logPrefix = "registry:registry"

// Registry is the in-memory service table. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	services map[string]ServiceDescriptor

	publisher events.EventPublisher
	sink      metrics.MetricSink
	now       func() time.Time
}

// NewRegistryParams holds parameters for NewRegistry.
type NewRegistryParams struct {
	// Publisher receives a change event per Register. Nil disables events.
	Publisher  events.EventPublisher
	MetricSink metrics.MetricSink
}

// NewRegistry creates an empty Registry.
func NewRegistry(params NewRegistryParams) *Registry {
	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	return &Registry{
		services:  make(map[string]ServiceDescriptor),
		publisher: pub,
		sink:      telemetry.SinkOrBlackhole(params.MetricSink),
		now:       time.Now,
	}
}

// Register inserts desc or replaces the existing entry with the same name in
// one step; readers see either the old descriptor or the new one. It always
// succeeds. A change event is published afterwards; a publish failure is
// logged and does not undo the registration.
func (r *Registry) Register(ctx context.Context, desc ServiceDescriptor) {
	stored := desc.clone()
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = r.now().UTC()
	}
	if stored.Source == "" {
		stored.Source = events.SourceAnnouncement
	}

	r.mu.Lock()
	_, replaced := r.services[stored.Name]
	r.services[stored.Name] = stored
	r.mu.Unlock()

	r.sink.IncrCounterWithLabels(telemetry.MetricAnnouncementCount, 1, []metrics.Label{
		telemetry.LabelService.M(stored.Name),
		telemetry.LabelKind.M(stored.Source),
	})

	if replaced {
		slog.Info(fmt.Sprintf("%s - Replaced service %s with actions %v", logPrefix, stored.Name, stored.ActionNames()))
	} else {
		slog.Info(fmt.Sprintf("%s - Registered service %s with actions %v", logPrefix, stored.Name, stored.ActionNames()))
	}

	event := &events.ServiceChangedEvent{
		Service:      stored.Name,
		Version:      stored.Version,
		Capabilities: stored.ActionNames(),
		Replaced:     replaced,
		Source:       stored.Source,
		Timestamp:    stored.RegisteredAt.Format(time.RFC3339),
	}
	if err := r.publisher.PublishChanged(ctx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish change event for %s: %v", logPrefix, stored.Name, err))
	}
}

// Lookup returns a snapshot of the descriptor for name.
func (r *Registry) Lookup(name string) (ServiceDescriptor, bool) {
	r.mu.RLock()
	desc, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return ServiceDescriptor{}, false
	}
	return desc.clone(), true
}

// List returns a snapshot of every known service, sorted by name.
func (r *Registry) List() []ServiceDescriptor {
	r.mu.RLock()
	out := make([]ServiceDescriptor, 0, len(r.services))
	for _, desc := range r.services {
		out = append(out, desc.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of known services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// SatisfiesVersion reports whether the descriptor's version is inside
// rangeStr. An empty range matches every descriptor; a descriptor without a
// version matches only the empty range.
func (d ServiceDescriptor) SatisfiesVersion(rangeStr string) bool {
	return semver.SatisfiesRange(d.Version, rangeStr)
}
