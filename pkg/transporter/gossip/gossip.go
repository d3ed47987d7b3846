// Package gossip is a transporter built on memberlist: membership and failure
// detection come from the SWIM protocol, packets travel as memberlist
// reliable user messages. With a TLS config, memberlist itself runs over
// mutually authenticated QUIC.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/molecule/pkg/transporter"
	"github.com/raskyld/molecule/pkg/transporter/quic"
)

var (
	ErrInvalidCfg    = errors.New("gossip: invalid options")
	ErrJoinCluster   = errors.New("gossip: could not join cluster")
	ErrTransportQUIC = errors.New("gossip: could not start QUIC transport")
)

var _ transporter.Transporter = (*Transporter)(nil)
var _ transporter.MembershipNotifier = (*Transporter)(nil)

type Transporter struct {
	config config
	logger *slog.Logger

	ml      *memberlist.Memberlist
	handler transporter.Handler

	// inbox serializes inbound messages and membership changes so a peer's
	// DISCONNECT is handled before memberlist reports it gone.
	inbox *transporter.Inbox

	lk         sync.Mutex
	onLeft     []func(string)
	connecting bool
	connected  bool
}

// New validates opts. Nothing is bound before Connect.
func New(opts ...Option) (*Transporter, error) {
	t := &Transporter{config: defaultConfig()}
	for _, opt := range opts {
		if err := opt(&t.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if t.config.logHandler != nil {
		t.logger = slog.New(t.config.logHandler)
	} else {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With(slog.String("component", "gossip"))
	return t, nil
}

func (t *Transporter) Connect(ctx context.Context, nodeID string, handler transporter.Handler) error {
	t.lk.Lock()
	if t.connected || t.connecting {
		t.lk.Unlock()
		return transporter.ErrAlreadyConnected
	}
	t.connecting = true
	t.lk.Unlock()

	ml, err := t.join(nodeID, handler)

	t.lk.Lock()
	defer t.lk.Unlock()
	t.connecting = false
	if err != nil {
		return err
	}
	t.ml = ml
	t.connected = true
	return nil
}

func (t *Transporter) join(nodeID string, handler transporter.Handler) (*memberlist.Memberlist, error) {
	mlCfg := *t.config.mlCfg
	mlCfg.Name = nodeID
	mlCfg.Delegate = &delegate{t: t}
	mlCfg.Events = &events{t: t, logger: t.logger}
	mlCfg.LogOutput = nil
	if t.config.logHandler != nil {
		mlCfg.Logger = slog.NewLogLogger(t.config.logHandler, slog.LevelDebug)
	} else {
		mlCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}

	var qtr *quic.Transport
	if t.config.trCfg.TLSConfig != nil {
		trCfg := t.config.trCfg
		var err error
		qtr, err = quic.NewTransport(&trCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransportQUIC, err)
		}
		mlCfg.Transport = qtr
		mlCfg.UDPBufferSize = quic.MaxPacketSize
		// The transport already owns the socket, memberlist must know the
		// port it picked.
		mlCfg.BindPort = qtr.LocalAddr().Port
	}
	// Profiles default to advertising 7946. When memberlist owns the socket
	// a zero port is replaced by the one it auto-binds.
	if !t.config.advertised || mlCfg.AdvertisePort == 0 {
		mlCfg.AdvertisePort = mlCfg.BindPort
	}

	t.handler = handler
	t.inbox = transporter.NewInbox()

	ml, err := memberlist.Create(&mlCfg)
	if err != nil {
		t.inbox.Close()
		if qtr != nil {
			qtr.Shutdown()
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	if len(t.config.neighbours) > 0 {
		joined, err := ml.Join(t.config.neighbours)
		if err != nil {
			// memberlist shuts its transport down.
			ml.Shutdown()
			t.inbox.Close()
			return nil, fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		t.logger.Info("cluster joined", "peers", joined)
		if len(t.config.neighbours) != joined {
			t.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(t.config.neighbours),
			)
		}
	}
	return ml, nil
}

func (t *Transporter) Publish(ctx context.Context, msg transporter.Message) error {
	t.lk.Lock()
	ml := t.ml
	connected := t.connected
	t.lk.Unlock()
	if !connected {
		return transporter.ErrNotConnected
	}

	frame := transporter.EncodeFrame(msg)
	if msg.Target != "" {
		for _, node := range ml.Members() {
			if node.Name == msg.Target {
				return ml.SendReliable(node, frame)
			}
		}
		return fmt.Errorf("%w: %s", transporter.ErrUnknownPeer, msg.Target)
	}

	var errs []error
	local := ml.LocalNode().Name
	for _, node := range ml.Members() {
		if node.Name == local {
			continue
		}
		if err := ml.SendReliable(node, frame); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transporter) Disconnect(ctx context.Context) error {
	t.lk.Lock()
	if !t.connected {
		t.lk.Unlock()
		return nil
	}
	t.connected = false
	ml := t.ml
	t.lk.Unlock()

	timeout := t.config.leaveTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, max(0, time.Until(dl)))
	}

	var errs []error
	if err := ml.Leave(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := ml.Shutdown(); err != nil {
		errs = append(errs, err)
	}

	t.inbox.Close()
	return errors.Join(errs...)
}

func (t *Transporter) OnPeerLeft(fn func(nodeID string)) {
	t.lk.Lock()
	defer t.lk.Unlock()
	t.onLeft = append(t.onLeft, fn)
}

// Addr is the advertised `host:port` of this node, to use as a neighbour by
// the others. Empty until connected.
func (t *Transporter) Addr() string {
	t.lk.Lock()
	defer t.lk.Unlock()
	if t.ml == nil {
		return ""
	}
	return t.ml.LocalNode().Address()
}

// Members lists the names of live members, this node included.
func (t *Transporter) Members() []string {
	t.lk.Lock()
	ml := t.ml
	t.lk.Unlock()
	if ml == nil {
		return nil
	}
	members := ml.Members()
	names := make([]string, 0, len(members))
	for _, node := range members {
		names = append(names, node.Name)
	}
	return names
}

func (t *Transporter) peerLeft(nodeID string) {
	t.lk.Lock()
	callbacks := append([]func(string){}, t.onLeft...)
	t.lk.Unlock()
	for _, fn := range callbacks {
		fn(nodeID)
	}
}

// delegate carries molecule frames as memberlist user messages. The gossip
// state itself is left to memberlist.
type delegate struct {
	t *Transporter
}

func (d *delegate) NodeMeta(limit int) []byte {
	return nil
}

func (d *delegate) NotifyMsg(buf []byte) {
	msg, err := transporter.DecodeFrame(buf)
	if err != nil {
		d.t.logger.Warn("dropping invalid frame", slog.String("error", err.Error()))
		return
	}
	d.t.inbox.Push(func() { d.t.handler(msg) })
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (d *delegate) LocalState(join bool) []byte {
	return nil
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}
