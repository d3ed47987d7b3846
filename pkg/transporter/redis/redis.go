// Package redis is a transporter on top of Redis pub/sub. Every packet type
// has a broadcast channel and a per-node channel, e.g. `MOL.REQ.node-1`.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raskyld/molecule/pkg/transporter"
	backend "github.com/redis/go-redis/v9"
)

var ErrSubscribe = errors.New("redis: could not subscribe")

var _ transporter.Transporter = (*Transporter)(nil)

type Transporter struct {
	client    backend.UniversalClient
	ownClient bool
	prefix    string
	logger    *slog.Logger

	lk  sync.Mutex
	sub *backend.PubSub
	wg  sync.WaitGroup
}

type Option func(*Transporter)

// WithPrefix sets the channel prefix, `MOL` by default. Meshes sharing a
// Redis server are isolated by their prefix.
func WithPrefix(prefix string) Option {
	return func(t *Transporter) {
		t.prefix = prefix
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

// New creates a transporter owning its Redis client.
func New(address, password string, db int, opts ...Option) *Transporter {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	t := NewFromClient(rdb, opts...)
	t.ownClient = true
	return t
}

// NewFromClient creates a transporter from an existing client, which is
// left open on Disconnect.
func NewFromClient(client backend.UniversalClient, opts ...Option) *Transporter {
	t := &Transporter{
		client: client,
		prefix: transporter.DefaultPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "redis"))
	return t
}

func (t *Transporter) Connect(ctx context.Context, nodeID string, handler transporter.Handler) error {
	t.lk.Lock()
	defer t.lk.Unlock()
	if t.sub != nil {
		return transporter.ErrAlreadyConnected
	}

	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", transporter.ErrNotConnected, err)
	}

	topics := transporter.NewTopicIndex(t.prefix, ".", transporter.Subscriptions(nodeID))
	names := topics.Topics()
	sub := t.client.Subscribe(ctx, names...)

	// Wait for every subscription to be acknowledged, so nothing published
	// after Connect returns is missed.
	for confirmed := 0; confirmed < len(names); {
		msg, err := sub.Receive(ctx)
		if err != nil {
			sub.Close()
			return fmt.Errorf("%w: %w", ErrSubscribe, err)
		}
		if _, ok := msg.(*backend.Subscription); ok {
			confirmed++
		}
	}

	t.sub = sub

	t.wg.Add(1)
	go t.receive(sub.Channel(), topics, handler)
	return nil
}

func (t *Transporter) receive(ch <-chan *backend.Message, topics transporter.TopicIndex, handler transporter.Handler) {
	defer t.wg.Done()
	for m := range ch {
		typ, err := topics.Lookup(m.Channel)
		if err != nil {
			t.logger.Warn("dropping message", slog.String("channel", m.Channel), slog.String("error", err.Error()))
			continue
		}
		handler(transporter.Message{Type: typ, Data: []byte(m.Payload)})
	}
}

func (t *Transporter) Publish(ctx context.Context, msg transporter.Message) error {
	t.lk.Lock()
	connected := t.sub != nil
	t.lk.Unlock()
	if !connected {
		return transporter.ErrNotConnected
	}
	return t.client.Publish(ctx, transporter.PublishTopic(t.prefix, ".", msg), msg.Data).Err()
}

func (t *Transporter) Disconnect(ctx context.Context) error {
	t.lk.Lock()
	sub := t.sub
	t.sub = nil
	t.lk.Unlock()
	if sub == nil {
		return nil
	}

	var errs []error
	if err := sub.Close(); err != nil {
		errs = append(errs, err)
	}
	t.wg.Wait()
	if t.ownClient {
		if err := t.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
