package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/molecule/pkg/factory"
	"github.com/raskyld/molecule/pkg/packet"
	"github.com/raskyld/molecule/pkg/transporter"
	"github.com/raskyld/molecule/pkg/transporter/gossip"
	"github.com/raskyld/molecule/pkg/transporter/local"
	"github.com/raskyld/molecule/pkg/transporter/mqtt"
	"github.com/raskyld/molecule/pkg/transporter/redis"
)

type (
	Transporters = factory.Registry[transporter.Transporter]
	Serializers  = factory.Registry[packet.Serializer]
)

// NewSerializers registers "json" and "proto".
func NewSerializers() *Serializers {
	r := factory.New[packet.Serializer]("serializer")
	r.MustRegister("json", func(map[string]any) (packet.Serializer, error) {
		return packet.JSON{}, nil
	})
	r.MustRegister("proto", func(map[string]any) (packet.Serializer, error) {
		return packet.Proto{}, nil
	})
	return r
}

type TLSOptions struct {
	CA   string `mapstructure:"ca"`
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

// Config loads the PEM files. Peers are authenticated against CA both ways.
// It returns nil when no file is set.
func (o TLSOptions) Config() (*tls.Config, error) {
	if o.CA == "" && o.Cert == "" && o.Key == "" {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS13}
	if o.Cert != "" || o.Key != "" {
		cert, err := tls.LoadX509KeyPair(o.Cert, o.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOptions, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if o.CA != "" {
		pem, err := os.ReadFile(o.CA)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOptions, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificate in %s", ErrOptions, o.CA)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

type RedisOptions struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type MQTTOptions struct {
	URL            string        `mapstructure:"url"`
	Prefix         string        `mapstructure:"prefix"`
	QoS            int           `mapstructure:"qos"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	TLS            TLSOptions    `mapstructure:"tls"`
}

type GossipOptions struct {
	Profile       string        `mapstructure:"profile"`
	BindAddr      string        `mapstructure:"bind_addr"`
	BindPort      int           `mapstructure:"bind_port"`
	AdvertiseAddr string        `mapstructure:"advertise_addr"`
	AdvertisePort int           `mapstructure:"advertise_port"`
	Neighbours    []string      `mapstructure:"neighbours"`
	SecretKey     string        `mapstructure:"secret_key"`
	LeaveTimeout  time.Duration `mapstructure:"leave_timeout"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	// TLS switches the gossip transport to QUIC.
	TLS TLSOptions `mapstructure:"tls"`
}

// NewTransporters registers "local", "redis", "mqtt" and "gossip". Every
// "local" transporter built from the same registry shares one in-process
// bus.
func NewTransporters(logHandler slog.Handler, sink metrics.MetricSink, labels []metrics.Label) *Transporters {
	r := factory.New[transporter.Transporter]("transporter")
	bus := local.NewBus()

	r.MustRegister("local", func(opts map[string]any) (transporter.Transporter, error) {
		if err := Decode(opts, &struct{}{}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOptions, err)
		}
		return local.New(bus), nil
	})

	r.MustRegister("redis", func(opts map[string]any) (transporter.Transporter, error) {
		o := RedisOptions{Address: "localhost:6379", Prefix: transporter.DefaultPrefix}
		if err := Decode(opts, &o); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOptions, err)
		}
		return redis.New(o.Address, o.Password, o.DB, redis.WithPrefix(o.Prefix), redis.WithLog(logHandler)), nil
	})

	r.MustRegister("mqtt", func(opts map[string]any) (transporter.Transporter, error) {
		o := MQTTOptions{URL: "tcp://localhost:1883", Prefix: transporter.DefaultPrefix}
		if err := Decode(opts, &o); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOptions, err)
		}
		if o.QoS < 0 || o.QoS > 2 {
			return nil, fmt.Errorf("%w: qos must be 0, 1 or 2", ErrOptions)
		}
		tlsCfg, err := o.TLS.Config()
		if err != nil {
			return nil, err
		}
		return mqtt.New(o.URL,
			mqtt.WithPrefix(o.Prefix),
			mqtt.WithQoS(byte(o.QoS)),
			mqtt.WithCredentials(o.Username, o.Password),
			mqtt.WithConnectTimeout(o.ConnectTimeout),
			mqtt.WithTLSConfig(tlsCfg),
			mqtt.WithLog(logHandler),
		), nil
	})

	r.MustRegister("gossip", func(opts map[string]any) (transporter.Transporter, error) {
		o := GossipOptions{BindAddr: "0.0.0.0", BindPort: 7946}
		if err := Decode(opts, &o); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOptions, err)
		}

		gopts := []gossip.Option{
			gossip.WithProfile(o.Profile),
			gossip.WithListenOn(o.BindAddr, o.BindPort),
			gossip.WithLog(logHandler),
			gossip.WithMetricSink(sink),
			gossip.WithMetricLabels(slices.Clone(labels)),
			gossip.WithNeighbours(o.Neighbours),
		}
		if o.AdvertiseAddr != "" {
			gopts = append(gopts, gossip.WithAdvertise(o.AdvertiseAddr, o.AdvertisePort))
		}
		if o.SecretKey != "" {
			key, err := base64.StdEncoding.DecodeString(o.SecretKey)
			if err != nil {
				return nil, fmt.Errorf("%w: secret_key: %w", ErrOptions, err)
			}
			gopts = append(gopts, gossip.WithSecretKey(key))
		}
		if o.LeaveTimeout > 0 {
			gopts = append(gopts, gossip.WithLeaveTimeout(o.LeaveTimeout))
		}
		if o.DialTimeout > 0 {
			gopts = append(gopts, gossip.WithDialTimeout(o.DialTimeout))
		}
		if o.GracePeriod > 0 {
			gopts = append(gopts, gossip.WithGracePeriod(o.GracePeriod))
		}
		tlsCfg, err := o.TLS.Config()
		if err != nil {
			return nil, err
		}
		if tlsCfg != nil {
			gopts = append(gopts, gossip.WithTLSConfig(tlsCfg))
		}
		tr, err := gossip.New(gopts...)
		if err != nil {
			return nil, err
		}
		return tr, nil
	})

	return r
}
