package molecule

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricRequestTotal           = []string{"molecule", "request", "total"}
	MetricRequestErrorTotal      = []string{"molecule", "request", "error", "total"}
	MetricRequestDuration        = []string{"molecule", "request", "duration", "ms"}
	MetricRequestTimeoutTotal    = []string{"molecule", "request", "timeout", "total"}
	MetricRequestRetryTotal      = []string{"molecule", "request", "retry", "total"}
	MetricRequestFallbackTotal   = []string{"molecule", "request", "fallback", "total"}
	MetricBulkheadInflight       = []string{"molecule", "request", "bulkhead", "inflight"}
	MetricBulkheadQueueSize      = []string{"molecule", "request", "bulkhead", "queue", "size"}
	MetricBulkheadRejectedTotal  = []string{"molecule", "request", "bulkhead", "rejected", "total"}
	MetricCircuitBreakerOpened   = []string{"molecule", "circuit", "breaker", "opened", "total"}
	MetricCircuitBreakerHalfOpen = []string{"molecule", "circuit", "breaker", "half", "opened", "total"}
	MetricCircuitBreakerClosed   = []string{"molecule", "circuit", "breaker", "closed", "total"}
	MetricEventTotal             = []string{"molecule", "event", "received", "total"}
	MetricEventErrorTotal        = []string{"molecule", "event", "error", "total"}
	MetricTransitPacketsSent     = []string{"molecule", "transit", "packets", "sent", "total"}
	MetricTransitPacketsReceived = []string{"molecule", "transit", "packets", "received", "total"}
	MetricTransitRequestsPending = []string{"molecule", "transit", "requests", "pending"}
	MetricRegistryNodes          = []string{"molecule", "registry", "nodes", "total"}
)

// TelemetryLabel is a key shared by logs and metrics.
type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelNodeID    TelemetryLabel = "node_id"
	LabelAction    TelemetryLabel = "action"
	LabelEvent     TelemetryLabel = "event"
	LabelGroup     TelemetryLabel = "group"
	LabelService   TelemetryLabel = "service"
	LabelPacket    TelemetryLabel = "packet"
	LabelCaller    TelemetryLabel = "caller"
	LabelState     TelemetryLabel = "state"
	LabelDuration  TelemetryLabel = "duration"
	LabelAttempt   TelemetryLabel = "attempt"
	LabelRequestID TelemetryLabel = "request_id"
	LabelFailures  TelemetryLabel = "failures"
	LabelLocal     TelemetryLabel = "local"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels appends extra labels to the static ones without aliasing the
// static slice.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}
