// Package mqtt is a transporter on top of an MQTT broker. Topics use `/` as
// separator, e.g. `MOL/REQ/node-1`.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/raskyld/molecule/pkg/transporter"
)

var (
	ErrConnect   = errors.New("mqtt: could not connect")
	ErrSubscribe = errors.New("mqtt: could not subscribe")
	ErrPublish   = errors.New("mqtt: could not publish")
)

var _ transporter.Transporter = (*Transporter)(nil)

// ClientFactory builds the underlying client, tests swap it for a fake.
type ClientFactory func(opts *paho.ClientOptions) paho.Client

type Transporter struct {
	broker         string
	prefix         string
	qos            byte
	username       string
	password       string
	tlsCfg         *tls.Config
	connectTimeout time.Duration
	newClient      ClientFactory
	logger         *slog.Logger

	lk      sync.Mutex
	client  paho.Client
	inbox   *transporter.Inbox
	filters map[string]byte
	onMsg   paho.MessageHandler

	// sessions counts successful connections of the current client.
	sessions int
}

type Option func(*Transporter)

// WithPrefix sets the topic prefix, `MOL` by default.
func WithPrefix(prefix string) Option {
	return func(t *Transporter) {
		t.prefix = prefix
	}
}

// WithQoS sets the quality of service of subscriptions and publications.
// Values above 2 are clamped.
func WithQoS(qos byte) Option {
	return func(t *Transporter) {
		t.qos = min(qos, 2)
	}
}

func WithCredentials(username, password string) Option {
	return func(t *Transporter) {
		t.username = username
		t.password = password
	}
}

func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *Transporter) {
		t.tlsCfg = cfg
	}
}

// WithConnectTimeout bounds how long Connect waits for the broker to accept
// the session and the subscriptions. Defaults to 10 seconds.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transporter) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

func WithClientFactory(factory ClientFactory) Option {
	return func(t *Transporter) {
		if factory != nil {
			t.newClient = factory
		}
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(t *Transporter) {
		if handler != nil {
			t.logger = slog.New(handler)
		}
	}
}

// New creates a transporter for the broker at url, e.g.
// `tcp://localhost:1883`.
func New(url string, opts ...Option) *Transporter {
	t := &Transporter{
		broker:         url,
		prefix:         transporter.DefaultPrefix,
		connectTimeout: 10 * time.Second,
		newClient:      paho.NewClient,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "mqtt"))
	return t
}

func (t *Transporter) clientOptions(nodeID string) *paho.ClientOptions {
	o := paho.NewClientOptions().
		AddBroker(t.broker).
		SetClientID(t.prefix + "-" + nodeID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(t.connectTimeout).
		// Callbacks only queue into the inbox so they never block paho.
		SetOrderMatters(true).
		SetOnConnectHandler(t.resubscribe).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			t.logger.Warn("connection to broker lost", slog.String("error", err.Error()))
		})
	if t.username != "" {
		o.SetUsername(t.username)
		o.SetPassword(t.password)
	}
	if t.tlsCfg != nil {
		o.SetTLSConfig(t.tlsCfg)
	}
	return o
}

func (t *Transporter) Connect(ctx context.Context, nodeID string, handler transporter.Handler) error {
	t.lk.Lock()
	defer t.lk.Unlock()
	if t.client != nil {
		return transporter.ErrAlreadyConnected
	}

	ctx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	t.sessions = 0
	client := t.newClient(t.clientOptions(nodeID))
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	topics := transporter.NewTopicIndex(t.prefix, "/", transporter.Subscriptions(nodeID))
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics.Topics() {
		filters[topic] = t.qos
	}

	inbox := transporter.NewInbox()
	onMsg := func(_ paho.Client, m paho.Message) {
		typ, err := topics.Lookup(m.Topic())
		if err != nil {
			t.logger.Warn("dropping message", slog.String("topic", m.Topic()), slog.String("error", err.Error()))
			return
		}
		data := m.Payload()
		inbox.Push(func() {
			handler(transporter.Message{Type: typ, Data: data})
		})
	}

	if err := wait(ctx, client.SubscribeMultiple(filters, onMsg)); err != nil {
		client.Disconnect(0)
		inbox.Close()
		return fmt.Errorf("%w: %w", ErrSubscribe, err)
	}

	t.client = client
	t.inbox = inbox
	t.filters = filters
	t.onMsg = onMsg
	return nil
}

// resubscribe restores subscriptions after an automatic reconnection, the
// session being clean.
func (t *Transporter) resubscribe(client paho.Client) {
	t.lk.Lock()
	t.sessions++
	first := t.sessions == 1
	filters, onMsg := t.filters, t.onMsg
	t.lk.Unlock()
	if first || filters == nil {
		return
	}

	go func() {
		tok := client.SubscribeMultiple(filters, onMsg)
		if !tok.WaitTimeout(t.connectTimeout) || tok.Error() != nil {
			t.logger.Error("could not restore subscriptions", slog.Any("error", tok.Error()))
			return
		}
		t.logger.Info("subscriptions restored after reconnection")
	}()
}

func (t *Transporter) Publish(ctx context.Context, msg transporter.Message) error {
	t.lk.Lock()
	client := t.client
	t.lk.Unlock()
	if client == nil {
		return transporter.ErrNotConnected
	}

	tok := client.Publish(transporter.PublishTopic(t.prefix, "/", msg), t.qos, false, msg.Data)
	if err := wait(ctx, tok); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

func (t *Transporter) Disconnect(ctx context.Context) error {
	t.lk.Lock()
	client, inbox := t.client, t.inbox
	t.client, t.inbox, t.filters, t.onMsg = nil, nil, nil, nil
	t.lk.Unlock()
	if client == nil {
		return nil
	}

	var quiesce uint = 250
	if deadline, ok := ctx.Deadline(); ok {
		quiesce = uint(max(0, min(250, time.Until(deadline).Milliseconds())))
	}
	client.Disconnect(quiesce)
	inbox.Close()
	return nil
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
