package telemetry

import (
	"strings"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// CountingSink is a MetricSink that totals counters and keeps the last gauge
// value per key (for tests and in-process inspection). Labels are ignored.
type CountingSink struct {
	metrics.BlackholeSink

	mu       sync.Mutex
	counters map[string]float32
	gauges   map[string]float32
	samples  map[string]int
}

// NewCountingSink creates a new CountingSink.
func NewCountingSink() *CountingSink {
	return &CountingSink{
		counters: make(map[string]float32),
		gauges:   make(map[string]float32),
		samples:  make(map[string]int),
	}
}

func (s *CountingSink) IncrCounter(key []string, val float32) {
	s.IncrCounterWithLabels(key, val, nil)
}

func (s *CountingSink) IncrCounterWithLabels(key []string, val float32, _ []metrics.Label) {
	s.mu.Lock()
	s.counters[strings.Join(key, ".")] += val
	s.mu.Unlock()
}

func (s *CountingSink) SetGauge(key []string, val float32) {
	s.SetGaugeWithLabels(key, val, nil)
}

func (s *CountingSink) SetGaugeWithLabels(key []string, val float32, _ []metrics.Label) {
	s.mu.Lock()
	s.gauges[strings.Join(key, ".")] = val
	s.mu.Unlock()
}

func (s *CountingSink) AddSample(key []string, val float32) {
	s.AddSampleWithLabels(key, val, nil)
}

func (s *CountingSink) AddSampleWithLabels(key []string, _ float32, _ []metrics.Label) {
	s.mu.Lock()
	s.samples[strings.Join(key, ".")]++
	s.mu.Unlock()
}

// Counter returns the running total for key.
func (s *CountingSink) Counter(key []string) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[strings.Join(key, ".")]
}

// Gauge returns the last value set for key.
func (s *CountingSink) Gauge(key []string) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gauges[strings.Join(key, ".")]
}

// Samples returns how many samples were added for key.
func (s *CountingSink) Samples(key []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples[strings.Join(key, ".")]
}
