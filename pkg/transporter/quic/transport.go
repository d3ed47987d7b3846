// Package quic runs memberlist over mutually authenticated QUIC: gossip
// packets travel as QUIC datagrams and memberlist streams as QUIC streams,
// multiplexed on a single UDP socket per node.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/hashicorp/memberlist"
	quicgo "github.com/quic-go/quic-go"
)

const (
	// ALPN negotiated between peers when the TLS config does not set one.
	ALPN = "molecule"

	// MaxPacketSize is the largest memberlist packet that fits in a QUIC
	// datagram. Gossip layers MUST configure memberlist's UDPBufferSize
	// accordingly.
	MaxPacketSize = 1100

	defaultBufferSize  = 2 << 20
	defaultMaxStreams  = 10_000
	defaultDialTimeout = 10 * time.Second
)

var _ memberlist.NodeAwareTransport = (*Transport)(nil)

// TransportConfig configures a Transport.
type TransportConfig struct {
	// TLSConfig is mandatory, peers authenticate each other with it.
	TLSConfig *tls.Config

	// HostnameResolver maps a peer certificate to its node name,
	// CommonNameResolver by default.
	HostnameResolver HostnameResolver

	// BindAddr and BindPort are where the UDP socket listens. A zero port
	// picks an ephemeral one.
	BindAddr string
	BindPort int

	// BufferSize is the UDP read buffer asked to the kernel. Unless
	// EnforceBufferSize is set, it is halved until the kernel accepts it.
	BufferSize        int
	EnforceBufferSize bool

	// HintMaxStreams bounds the inbound streams a peer may open at once.
	HintMaxStreams int64

	DialTimeout time.Duration

	// GracePeriod lets in-flight streams flush on Shutdown.
	GracePeriod time.Duration

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// Transport is a memberlist.NodeAwareTransport on top of QUIC.
type Transport struct {
	cfg    TransportConfig
	logger *slog.Logger
	sink   metrics.MetricSink

	closing atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	lk    sync.RWMutex
	peers peerBook

	packets chan *memberlist.Packet
	streams chan net.Conn

	tls  *tls.Config
	qcfg *quicgo.Config
	sock *net.UDPConn
	qtr  *quicgo.Transport
	ln   *quicgo.Listener
}

func NewTransport(cfg *TransportConfig) (*Transport, error) {
	if cfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t := &Transport{
		cfg:     *cfg,
		logger:  slog.Default(),
		sink:    cfg.MetricSink,
		done:    make(chan struct{}),
		peers:   newPeerBook(),
		packets: make(chan *memberlist.Packet),
		streams: make(chan net.Conn),
	}
	if cfg.LogHandler != nil {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With(slog.String("component", "quic"))
	if t.sink == nil {
		t.sink = metrics.Default()
	}
	if t.cfg.DialTimeout == 0 {
		t.cfg.DialTimeout = defaultDialTimeout
	}
	if t.cfg.HostnameResolver == nil {
		t.cfg.HostnameResolver = CommonNameResolver
	}

	if err := t.listen(); err != nil {
		t.Shutdown()
		return nil, err
	}

	t.wg.Add(1)
	go t.accept()
	return t, nil
}

func (t *Transport) listen() error {
	ip := net.ParseIP(t.cfg.BindAddr)
	if ip == nil {
		ip = net.IPv4zero
	}

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: t.cfg.BindPort})
	if err != nil {
		return fmt.Errorf("quic: failed to allocate UDP listener: %w", err)
	}
	t.sock = sock

	size := t.cfg.BufferSize
	if size == 0 {
		size = defaultBufferSize
	}
	if err := t.setReadBuffer(size); err != nil {
		return err
	}

	t.tls = t.cfg.TLSConfig.Clone()
	if len(t.tls.NextProtos) == 0 {
		t.tls.NextProtos = []string{ALPN}
	}

	streams := t.cfg.HintMaxStreams
	if streams == 0 {
		streams = defaultMaxStreams
	}
	t.qcfg = &quicgo.Config{
		Versions:              []quicgo.Version{quicgo.Version2, quicgo.Version1},
		EnableDatagrams:       true,
		MaxIncomingStreams:    streams,
		MaxIncomingUniStreams: streams,
		MaxIdleTimeout:        time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}

	t.qtr = &quicgo.Transport{Conn: sock}
	ln, err := t.qtr.Listen(t.tls, t.qcfg)
	if err != nil {
		return fmt.Errorf("quic: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln
	return nil
}

func (t *Transport) setReadBuffer(want int) error {
	for size := want; size > 0; size /= 2 {
		if err := t.sock.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				break
			}
			continue
		}
		if size != want {
			t.logger.Warn("using smaller than expected UDP buffer", slog.Int("bytes", size))
		}
		t.sink.SetGaugeWithLabels(MetricUDPBufferSizeBytes, float32(size), t.cfg.MetricLabels)
		return nil
	}
	return ErrBufferSize
}

// count increments a counter, labelled with the transport's static labels,
// the given ones, and the reason when there is one.
func (t *Transport) count(key []string, val float32, reason string, labels ...metrics.Label) {
	if reason != "" {
		labels = append(labels, LabelError.M(reason))
	}
	t.sink.IncrCounterWithLabels(key, val, withLabels(t.cfg.MetricLabels, labels...))
}

// LocalAddr is the address of the UDP socket.
func (t *Transport) LocalAddr() *net.UDPAddr {
	if t.sock == nil {
		return nil
	}
	return t.sock.LocalAddr().(*net.UDPAddr)
}

// Hosts returns the peers currently known, keyed by hostname.
func (t *Transport) Hosts() map[Hostname]Host {
	t.lk.RLock()
	defer t.lk.RUnlock()
	return t.peers.snapshot()
}

func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	local := t.LocalAddr()
	if local == nil {
		return nil, 0, ErrUdpNotAvailable
	}
	if port == 0 {
		port = local.Port
	}

	var addr net.IP
	switch {
	case ip != "":
		if addr = net.ParseIP(ip); addr == nil {
			return nil, 0, fmt.Errorf("%w: %q", ErrInvalidAddr, ip)
		}
	case !local.IP.IsUnspecified():
		addr = local.IP
	default:
		private, err := sockaddr.GetPrivateIP()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrAdvertiseAddr, err)
		}
		if addr = net.ParseIP(private); addr == nil {
			return nil, 0, ErrAdvertiseAddr
		}
	}

	if v4 := addr.To4(); v4 != nil {
		addr = v4
	}
	return addr, port, nil
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{Addr: addr})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	pc, err := t.connTo(ctx, addr)
	if err != nil {
		return time.Time{}, err
	}

	sent := time.Now()
	if err := pc.SendDatagram(b); err != nil {
		t.count(MetricDatagramOutErrorCount, 1, "", LabelsForAddr(addr)...)
		return sent, err
	}
	t.count(MetricDatagramOutBytes, float32(len(b)), "", LabelsForAddr(addr)...)
	return sent, nil
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packets
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{Addr: addr}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, reason, err := t.openStream(ctx, addr)
	if err != nil {
		t.count(MetricStreamEstOutErrorCount, 1, reason, LabelsForAddr(addr)...)
		return nil, err
	}
	t.count(MetricStreamEstOutCount, 1, "", LabelsForAddr(addr)...)
	return conn, nil
}

func (t *Transport) openStream(ctx context.Context, addr memberlist.Address) (net.Conn, string, error) {
	pc, err := t.connTo(ctx, addr)
	if err != nil {
		return nil, "no_conn_to_host", err
	}

	stream, err := pc.OpenStreamSync(ctx)
	if err != nil {
		return nil, "cannot_open_stream", err
	}
	conn := wrapStream(pc, stream)

	// The peer only learns about the stream once something is written.
	if _, err := stream.Write([]byte{streamModeGossip}); err != nil {
		conn.Close()
		return nil, "cannot_send_init_frame", fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return conn, "", nil
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streams
}

func (t *Transport) Shutdown() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)

	t.lk.Lock()
	t.peers.each(func(pc peerConn) { close(pc.drain) })
	t.lk.Unlock()

	// quic-go has no linger, give streams a chance to flush.
	if t.cfg.GracePeriod > 0 {
		time.Sleep(t.cfg.GracePeriod)
	}

	t.lk.Lock()
	t.peers.each(func(pc peerConn) { QErrShutdown.Close(pc.Connection, "node leaving") })
	t.lk.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.qtr != nil {
		t.qtr.Close()
	}
	if t.sock != nil {
		t.sock.Close()
	}
	t.wg.Wait()
	return nil
}

// connTo returns a live connection to addr, dialing one if needed.
func (t *Transport) connTo(ctx context.Context, addr memberlist.Address) (peerConn, error) {
	if t.closing.Load() {
		return peerConn{}, ErrShutdown
	}

	t.lk.RLock()
	name, known := unique.Make(Hostname(addr.Name)), addr.Name != ""
	if !known {
		name, known = t.peers.byAddr[addr.Addr]
	}
	var pc peerConn
	var ok bool
	if known {
		pc, ok = t.peers.live(name)
	}
	t.lk.RUnlock()
	if ok {
		return pc, nil
	}
	return t.dial(ctx, addr.Addr)
}

func (t *Transport) dial(ctx context.Context, target string) (peerConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return peerConn{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err := t.qtr.Dial(ctx, udpAddr, t.tls, t.qcfg)
	if t.closing.Load() {
		if conn != nil {
			QErrShutdown.Close(conn, "node leaving")
		}
		return peerConn{}, ErrShutdown
	}
	if err != nil {
		return peerConn{}, err
	}
	return t.adopt(conn)
}

func (t *Transport) accept() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			// Accept only fails once the listener is closed.
			if !t.closing.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}
		t.adopt(conn)
	}
}

// adopt authenticates a new connection, records the peer and starts serving
// its datagrams and streams.
func (t *Transport) adopt(conn quicgo.Connection) (peerConn, error) {
	peer := conn.RemoteAddr().String()
	host := Host{Addr: peer}
	if udp, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		host.Addr, host.Port = udp.IP.String(), udp.Port
	}
	logger := t.logger.With(LabelPeerAddr.L(peer))

	name, err := t.cfg.HostnameResolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", LabelError.L(err))
		t.count(MetricConnErrorCount, 1, "name_resolution", LabelPeerAddr.M(peer))
		QErrHostname.Close(conn, err.Error())
		return peerConn{}, fmt.Errorf("%w: %w", ErrHostnameResolve, err)
	}
	host.Name = unique.Make(name)
	logger = logPeer(t.logger, host)

	pc := peerConn{
		Connection: conn,
		drain:      make(chan struct{}),
	}

	t.lk.Lock()
	res := t.peers.record(peer, host, pc)
	t.lk.Unlock()

	switch {
	case res.discovered:
		logger.Info("new peer discovered")
	case res.renamedFrom != "":
		logger.Warn("a peer changed its name", slog.String("old", res.renamedFrom))
		t.count(MetricHostNameChanges, 1, "", LabelPeerAddr.M(peer))
	}
	if len(res.conflicts) > 0 {
		logger.Error("two nodes share a name, node IDs must be unique or a certificate leaked")
		t.count(MetricHostConflictsCount, 1, "", LabelPeerAddr.M(peer))
		for _, old := range res.conflicts {
			QErrNameConflict.Close(old.Connection, "node name conflict in the cluster")
		}
	}

	t.count(MetricConnEstCount, 1, "", LabelPeerAddr.M(peer), LabelPeerName.M(string(name)))

	t.wg.Add(2)
	go t.readDatagrams(pc, logger)
	go t.acceptStreams(pc, logger)
	return pc, nil
}
