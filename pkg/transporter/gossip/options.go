package gossip

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/molecule/pkg/transporter/quic"
)

type config struct {
	mlCfg        *memberlist.Config
	trCfg        quic.TransportConfig
	logHandler   slog.Handler
	neighbours   []string
	leaveTimeout time.Duration

	// advertised is set by WithAdvertise, otherwise the bound port is
	// advertised.
	advertised bool
}

func defaultConfig() config {
	return config{
		mlCfg:        memberlist.DefaultLANConfig(),
		leaveTimeout: 5 * time.Second,
	}
}

// Option to pass to `New`
type Option func(*config) error

// WithProfile replaces the memberlist timings with one of memberlist's
// presets: "lan" (default), "wan" or "local". Apply it first since it resets
// addresses too.
func WithProfile(profile string) Option {
	return func(c *config) error {
		switch profile {
		case "", "lan":
			c.mlCfg = memberlist.DefaultLANConfig()
		case "wan":
			c.mlCfg = memberlist.DefaultWANConfig()
		case "local":
			c.mlCfg = memberlist.DefaultLocalConfig()
		default:
			return fmt.Errorf("%w: unknown profile %q", ErrInvalidCfg, profile)
		}
		return nil
	}
}

// WithListenOn specifies where the gossip protocol listens. A zero port
// picks an ephemeral one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertise overrides the address announced to peers, useful behind
// NAT. A zero port announces the bound one.
func WithAdvertise(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.AdvertiseAddr = addr
		c.mlCfg.AdvertisePort = port
		c.advertised = true
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// transporter.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.trCfg.MetricLabels = labels

		// memberlist still reports through armon/go-metrics.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the QUIC layer.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithTLSConfig switches memberlist from plain UDP/TCP to mTLS QUIC. Peer
// certificates MUST carry the node ID as their Common Name.
func WithTLSConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return quic.ErrNoTLSConfig
		}
		c.trCfg.TLSConfig = tlsConf.Clone()
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.mlCfg.TCPTimeout = timeout
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Disconnect for QUIC
// buffers to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithLeaveTimeout bounds how long Disconnect waits for the leave intent to
// propagate.
func WithLeaveTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.leaveTimeout = timeout
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithSecretKey enables memberlist's symmetric gossip encryption. It is
// redundant when QUIC is used.
func WithSecretKey(key []byte) Option {
	return func(c *config) error {
		switch len(key) {
		case 0:
			c.mlCfg.SecretKey = nil
		case 16, 24, 32:
			c.mlCfg.SecretKey = key
		default:
			return fmt.Errorf("%w: secret key must be 16, 24 or 32 bytes", ErrInvalidCfg)
		}
		return nil
	}
}
