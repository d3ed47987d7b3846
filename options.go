package molecule

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/molecule/pkg/factory"
	"github.com/raskyld/molecule/pkg/packet"
	"github.com/raskyld/molecule/pkg/transporter"
)

type config struct {
	nodeID       string
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	metadata     map[string]any

	transporter transporter.Transporter
	serializer  packet.Serializer

	strategies   *factory.Registry[Strategy]
	strategy     string
	strategyOpts map[string]any
	preferLocal  bool

	requestTimeout time.Duration
	maxCallLevel   int
	retry          RetryPolicy
	bulkhead       BulkheadPolicy
	circuitBreaker CircuitBreakerPolicy

	heartbeatInterval  time.Duration
	heartbeatTimeout   time.Duration
	nodeCleanupTimeout time.Duration

	middlewares           []Middleware
	noInternalMiddlewares bool
}

func defaultConfig() config {
	cfg := config{
		serializer:         packet.JSON{},
		strategies:         factory.New[Strategy]("strategy"),
		strategy:           "RoundRobin",
		preferLocal:        true,
		retry:              DefaultRetryPolicy(),
		bulkhead:           DefaultBulkheadPolicy(),
		circuitBreaker:     DefaultCircuitBreakerPolicy(),
		heartbeatInterval:  10 * time.Second,
		heartbeatTimeout:   30 * time.Second,
		nodeCleanupTimeout: 10 * time.Minute,
	}
	registerStrategies(cfg.strategies)
	return cfg
}

// Option to pass to `Create`
type Option func(*config) error

// WithNodeID sets the ID advertised to other nodes. It MUST be unique in
// the mesh. When unset, the hostname suffixed with the PID is used.
func WithNodeID(nodeID string) Option {
	return func(c *config) error {
		c.nodeID = nodeID
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Broker`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Broker.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithMetadata attaches free-form metadata to the local node. It is
// advertised in INFO packets.
func WithMetadata(md map[string]any) Option {
	return func(c *config) error {
		c.metadata = md
		return nil
	}
}

// WithTransporter connects the broker to other nodes. Without a
// transporter, the broker only serves local calls.
func WithTransporter(tr transporter.Transporter) Option {
	return func(c *config) error {
		c.transporter = tr
		return nil
	}
}

// WithSerializer chooses the packet encoding. Every node of a mesh MUST
// use the same one.
func WithSerializer(s packet.Serializer) Option {
	return func(c *config) error {
		if s == nil {
			return errors.New("nil serializer")
		}
		c.serializer = s
		return nil
	}
}

// WithStrategyFactory registers a strategy constructor under name, so it
// can then be chosen with `WithStrategy`.
func WithStrategyFactory(name string, ctor factory.Constructor[Strategy]) Option {
	return func(c *config) error {
		return c.strategies.Register(name, ctor)
	}
}

// WithStrategy selects, by name, the strategy every endpoint list uses.
// Built-in ones are "RoundRobin" and "Random".
func WithStrategy(name string, opts map[string]any) Option {
	return func(c *config) error {
		if !c.strategies.Has(name) {
			return fmt.Errorf("%w: strategy %q", factory.ErrUnknown, name)
		}
		c.strategy = name
		c.strategyOpts = opts
		return nil
	}
}

// WithPreferLocal controls whether a local endpoint is always picked when
// one is available. It is enabled by default.
func WithPreferLocal(prefer bool) Option {
	return func(c *config) error {
		c.preferLocal = prefer
		return nil
	}
}

// WithRequestTimeout is the default timeout of action calls. Zero means
// calls never time out unless the action or the caller says otherwise.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("negative request timeout")
		}
		c.requestTimeout = timeout
		return nil
	}
}

// WithMaxCallLevel limits how deep nested calls can go. Zero disables the
// limit.
func WithMaxCallLevel(level int) Option {
	return func(c *config) error {
		c.maxCallLevel = level
		return nil
	}
}

// WithRetryPolicy sets the broker-wide retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *config) error {
		c.retry = policy.withDefaults(DefaultRetryPolicy())
		return c.retry.validate()
	}
}

// WithBulkhead sets the broker-wide bulkhead policy.
func WithBulkhead(policy BulkheadPolicy) Option {
	return func(c *config) error {
		c.bulkhead = policy.withDefaults(DefaultBulkheadPolicy())
		return c.bulkhead.validate()
	}
}

// WithCircuitBreaker sets the broker-wide circuit breaker policy.
func WithCircuitBreaker(policy CircuitBreakerPolicy) Option {
	return func(c *config) error {
		c.circuitBreaker = policy.withDefaults(DefaultCircuitBreakerPolicy())
		return c.circuitBreaker.validate()
	}
}

// WithHeartbeat controls how often heartbeats are sent and how long a
// silent node is still considered alive.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 || timeout <= 0 {
			return errors.New("heartbeat interval and timeout must be positive")
		}
		if timeout <= interval {
			return errors.New("heartbeat timeout must be greater than the interval")
		}
		c.heartbeatInterval = interval
		c.heartbeatTimeout = timeout
		return nil
	}
}

// WithNodeCleanupTimeout controls how long offline nodes are remembered.
func WithNodeCleanupTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return errors.New("node cleanup timeout must be positive")
		}
		c.nodeCleanupTimeout = timeout
		return nil
	}
}

// WithMiddlewares appends user middlewares. They are listed outermost
// first and all run inside the built-in ones.
func WithMiddlewares(mws ...Middleware) Option {
	return func(c *config) error {
		for _, mw := range mws {
			if mw.Name == "" {
				return errors.New("middleware without a name")
			}
		}
		c.middlewares = append(c.middlewares, mws...)
		return nil
	}
}

// WithoutInternalMiddlewares disables the built-in resilience and metrics
// middlewares. Only the ones given through `WithMiddlewares` remain.
func WithoutInternalMiddlewares() Option {
	return func(c *config) error {
		c.noInternalMiddlewares = true
		return nil
	}
}
