// Package local is an in-process transporter: brokers sharing a Bus talk to
// each other as if they were on a network, which makes multi-node tests
// deterministic.
package local

import (
	"context"
	"sync"

	"github.com/raskyld/molecule/pkg/transporter"
)

var _ transporter.Transporter = (*Transporter)(nil)
var _ transporter.MembershipNotifier = (*Transporter)(nil)

// Bus connects local transporters.
type Bus struct {
	lk    sync.RWMutex
	peers map[string]*peer
}

func NewBus() *Bus {
	return &Bus{peers: make(map[string]*peer)}
}

// Crash removes nodeID from the bus without any DISCONNECT packet, as a
// process crash would. Other peers are told through OnPeerLeft.
func (bus *Bus) Crash(nodeID string) {
	bus.lk.Lock()
	p, ok := bus.peers[nodeID]
	if ok {
		delete(bus.peers, nodeID)
	}
	others := bus.snapshot()
	bus.lk.Unlock()

	if !ok {
		return
	}
	p.close()
	for _, other := range others {
		other.left(nodeID)
	}
}

// Peers returns the IDs of connected nodes.
func (bus *Bus) Peers() []string {
	bus.lk.RLock()
	defer bus.lk.RUnlock()
	ids := make([]string, 0, len(bus.peers))
	for id := range bus.peers {
		ids = append(ids, id)
	}
	return ids
}

func (bus *Bus) snapshot() []*peer {
	peers := make([]*peer, 0, len(bus.peers))
	for _, p := range bus.peers {
		peers = append(peers, p)
	}
	return peers
}

func (bus *Bus) join(p *peer) error {
	bus.lk.Lock()
	defer bus.lk.Unlock()
	if _, ok := bus.peers[p.nodeID]; ok {
		return transporter.ErrAlreadyConnected
	}
	bus.peers[p.nodeID] = p
	return nil
}

func (bus *Bus) leave(p *peer) {
	bus.lk.Lock()
	defer bus.lk.Unlock()
	if bus.peers[p.nodeID] == p {
		delete(bus.peers, p.nodeID)
	}
}

func (bus *Bus) deliver(msg transporter.Message) {
	bus.lk.RLock()
	defer bus.lk.RUnlock()
	if msg.Target != "" {
		if p, ok := bus.peers[msg.Target]; ok {
			p.push(msg)
		}
		return
	}
	for _, p := range bus.peers {
		p.push(msg)
	}
}

// peer owns an unbounded FIFO so Publish never blocks on a slow receiver,
// and a single goroutine draining it so delivery order is kept.
type peer struct {
	nodeID  string
	handler transporter.Handler

	lk      sync.Mutex
	queue   []transporter.Message
	signal  chan struct{}
	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup

	onLeft []func(string)
}

func (p *peer) push(msg transporter.Message) {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return
	}
	data := make([]byte, len(msg.Data))
	copy(data, msg.Data)
	msg.Data = data
	p.queue = append(p.queue, msg)
	p.lk.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *peer) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeCh:
			return
		case <-p.signal:
		}

		for {
			p.lk.Lock()
			if p.closed || len(p.queue) == 0 {
				p.lk.Unlock()
				break
			}
			msg := p.queue[0]
			p.queue[0] = transporter.Message{}
			p.queue = p.queue[1:]
			p.lk.Unlock()

			p.handler(msg)
		}
	}
}

func (p *peer) left(nodeID string) {
	p.lk.Lock()
	callbacks := append([]func(string){}, p.onLeft...)
	p.lk.Unlock()
	for _, fn := range callbacks {
		fn(nodeID)
	}
}

func (p *peer) isClosed() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.closed
}

func (p *peer) close() {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	close(p.closeCh)
	p.lk.Unlock()
}

// Transporter attaches one broker to a Bus.
type Transporter struct {
	bus    *Bus
	lk     sync.Mutex
	self   *peer
	onLeft []func(string)
}

func New(bus *Bus) *Transporter {
	return &Transporter{bus: bus}
}

func (t *Transporter) Connect(_ context.Context, nodeID string, handler transporter.Handler) error {
	t.lk.Lock()
	defer t.lk.Unlock()
	if t.self != nil {
		return transporter.ErrAlreadyConnected
	}

	p := &peer{
		nodeID:  nodeID,
		handler: handler,
		signal:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		onLeft:  append([]func(string){}, t.onLeft...),
	}
	if err := t.bus.join(p); err != nil {
		return err
	}
	p.wg.Add(1)
	go p.run()
	t.self = p
	return nil
}

func (t *Transporter) Publish(_ context.Context, msg transporter.Message) error {
	t.lk.Lock()
	p := t.self
	t.lk.Unlock()
	if p == nil || p.isClosed() {
		return transporter.ErrNotConnected
	}
	t.bus.deliver(msg)
	return nil
}

func (t *Transporter) Disconnect(_ context.Context) error {
	t.lk.Lock()
	p := t.self
	t.self = nil
	t.lk.Unlock()
	if p == nil {
		return nil
	}

	t.bus.leave(p)
	p.close()
	p.wg.Wait()
	return nil
}

func (t *Transporter) OnPeerLeft(fn func(nodeID string)) {
	t.lk.Lock()
	defer t.lk.Unlock()
	t.onLeft = append(t.onLeft, fn)
	if t.self != nil {
		t.self.lk.Lock()
		t.self.onLeft = append(t.self.onLeft, fn)
		t.self.lk.Unlock()
	}
}
