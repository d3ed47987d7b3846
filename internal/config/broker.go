package config

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/molecule"
)

// Env carries what a node shares between its broker and its transporter.
type Env struct {
	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	Transporters *Transporters
	Serializers  *Serializers
}

// MetricLabels are the static labels from the `metrics` section, sorted by
// name.
func (c Config) MetricLabels() []metrics.Label {
	labels := make([]metrics.Label, 0, len(c.Metrics.Labels))
	for _, name := range slices.Sorted(maps.Keys(c.Metrics.Labels)) {
		labels = append(labels, metrics.Label{Name: name, Value: c.Metrics.Labels[name]})
	}
	return labels
}

// BrokerOptions translates the configuration into `molecule.Create`
// options. The transporter, if any, is built through env.Transporters.
func (c Config) BrokerOptions(env Env) ([]molecule.Option, error) {
	serializer, err := env.Serializers.Resolve(c.Serializer, nil)
	if err != nil {
		return nil, err
	}

	opts := []molecule.Option{
		molecule.WithLog(env.LogHandler),
		molecule.WithMetricSink(env.MetricSink),
		molecule.WithMetricLabels(c.MetricLabels()),
		molecule.WithMetadata(c.Metadata),
		molecule.WithSerializer(serializer),
		molecule.WithStrategy(c.Strategy.Name, c.Strategy.Options),
		molecule.WithPreferLocal(c.Strategy.PreferLocal),
		molecule.WithRequestTimeout(c.RequestTimeout),
		molecule.WithMaxCallLevel(c.MaxCallLevel),
		molecule.WithHeartbeat(c.Heartbeat.Interval, c.Heartbeat.Timeout),
		molecule.WithNodeCleanupTimeout(c.NodeCleanupTimeout),
		molecule.WithRetryPolicy(molecule.RetryPolicy{
			Enabled:  c.Retry.Enabled,
			Retries:  c.Retry.Retries,
			Delay:    c.Retry.Delay,
			MaxDelay: c.Retry.MaxDelay,
			Factor:   c.Retry.Factor,
		}),
		molecule.WithBulkhead(molecule.BulkheadPolicy{
			Enabled:      c.Bulkhead.Enabled,
			Concurrency:  c.Bulkhead.Concurrency,
			MaxQueueSize: c.Bulkhead.MaxQueueSize,
		}),
		molecule.WithCircuitBreaker(molecule.CircuitBreakerPolicy{
			Enabled:          c.CircuitBreaker.Enabled,
			MaxFailures:      c.CircuitBreaker.MaxFailures,
			Threshold:        c.CircuitBreaker.Threshold,
			WindowTime:       c.CircuitBreaker.WindowTime,
			MinRequestCount:  c.CircuitBreaker.MinRequestCount,
			HalfOpenTime:     c.CircuitBreaker.HalfOpenTime,
			FailureOnTimeout: c.CircuitBreaker.FailureOnTimeout,
			FailureOnReject:  c.CircuitBreaker.FailureOnReject,
		}),
	}
	if c.NodeID != "" {
		opts = append(opts, molecule.WithNodeID(c.NodeID))
	}

	if c.Transporter.Type != "" && c.Transporter.Type != "none" {
		tr, err := env.Transporters.Resolve(c.Transporter.Type, c.Transporter.Options)
		if err != nil {
			return nil, fmt.Errorf("transporter %q: %w", c.Transporter.Type, err)
		}
		opts = append(opts, molecule.WithTransporter(tr))
	}
	return opts, nil
}
