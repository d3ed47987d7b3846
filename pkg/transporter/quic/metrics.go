package quic

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

var (
	MetricDatagramInBytes        = []string{"molecule", "quic", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount   = []string{"molecule", "quic", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes       = []string{"molecule", "quic", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount  = []string{"molecule", "quic", "datagram", "out", "error", "count"}
	MetricStreamEstInCount       = []string{"molecule", "quic", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"molecule", "quic", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"molecule", "quic", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"molecule", "quic", "stream", "establishment", "out", "error", "count"}
	MetricUDPBufferSizeBytes     = []string{"molecule", "quic", "udp", "buffer", "size", "bytes"}
	MetricConnErrorCount         = []string{"molecule", "quic", "connection", "error", "count"}
	MetricConnEstCount           = []string{"molecule", "quic", "connection", "established", "count"}
	MetricHostNameChanges        = []string{"molecule", "quic", "host", "name", "changes"}
	MetricHostConflictsCount     = []string{"molecule", "quic", "host", "name", "conflicts", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelPeerName TelemetryLabel = "peer_name"
	LabelStreamID TelemetryLabel = "stream_id"
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

// LabelsForAddr describes a memberlist address as metric labels.
func LabelsForAddr(addr memberlist.Address) []metrics.Label {
	labels := []metrics.Label{LabelPeerAddr.M(addr.Addr)}
	if addr.Name != "" {
		labels = append(labels, LabelPeerName.M(addr.Name))
	}
	return labels
}

func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}
