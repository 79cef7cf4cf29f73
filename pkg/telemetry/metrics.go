// Package telemetry holds the metric keys and labels emitted by the bridge.
package telemetry

import (
	"github.com/hashicorp/go-metrics"
)

var (
	// MetricCallCount counts terminal call outcomes, labelled by service, action and outcome.
	MetricCallCount = []string{"bridge", "call", "count"}
	// MetricCallLatencyMs samples the time from begin to outcome in milliseconds.
	MetricCallLatencyMs = []string{"bridge", "call", "latency", "ms"}
	// MetricCallRejectedCount counts calls refused before publish (validation failures).
	MetricCallRejectedCount = []string{"bridge", "call", "rejected", "count"}
	// MetricPendingCalls is the number of live correlation entries.
	MetricPendingCalls = []string{"bridge", "pending", "calls"}
	// MetricDeliveryCount counts inbound deliveries, labelled by kind.
	MetricDeliveryCount = []string{"bridge", "delivery", "count"}
	// MetricDeliveryDroppedCount counts inbound deliveries dropped as malformed.
	MetricDeliveryDroppedCount = []string{"bridge", "delivery", "dropped", "count"}
	// MetricLateReplyCount counts replies that matched no pending call.
	MetricLateReplyCount = []string{"bridge", "reply", "unmatched", "count"}
	// MetricAnnouncementCount counts applied service announcements.
	MetricAnnouncementCount = []string{"bridge", "announcement", "count"}
	// MetricJournalDroppedCount counts call records dropped because the journal queue was full.
	MetricJournalDroppedCount = []string{"bridge", "journal", "dropped", "count"}
)

type TelemetryLabel string

var (
	LabelService TelemetryLabel = "service"
	LabelAction  TelemetryLabel = "action"
	LabelOutcome TelemetryLabel = "outcome"
	LabelKind    TelemetryLabel = "kind"
	LabelReason  TelemetryLabel = "reason"
	LabelCode    TelemetryLabel = "code"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// SinkOrBlackhole returns sink, or a sink that discards everything when sink is nil.
func SinkOrBlackhole(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return &metrics.BlackholeSink{}
	}
	return sink
}
