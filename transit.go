package molecule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/raskyld/molecule/pkg/packet"
	"github.com/raskyld/molecule/pkg/transporter"
)

// Transit speaks the packet protocol on top of a Transporter: discovery,
// liveness, requests and events.
type Transit struct {
	b      *Broker
	tr     transporter.Transporter
	ser    packet.Serializer
	logger *slog.Logger

	lk        sync.Mutex
	connected bool
	pending   map[string]*pendingRequest
	pings     map[string]chan *packet.Pong
}

type pendingRequest struct {
	nodeID string
	action string
	result chan *packet.Response
	err    chan error
}

func newTransit(b *Broker, tr transporter.Transporter, ser packet.Serializer) *Transit {
	return &Transit{
		b:       b,
		tr:      tr,
		ser:     ser,
		logger:  b.logger.With(slog.String("component", "transit")),
		pending: make(map[string]*pendingRequest),
		pings:   make(map[string]chan *packet.Pong),
	}
}

// Connect attaches to the transporter and asks the mesh who is there.
func (t *Transit) Connect(ctx context.Context) error {
	if err := t.tr.Connect(ctx, t.b.NodeID(), t.handleMessage); err != nil {
		return fmt.Errorf("%w: %w", ErrTransitClosed, err)
	}
	if notifier, ok := t.tr.(transporter.MembershipNotifier); ok {
		notifier.OnPeerLeft(func(nodeID string) {
			t.b.nodeDisconnected(nodeID, true)
		})
	}

	t.lk.Lock()
	t.connected = true
	t.lk.Unlock()

	return t.Discover(ctx, "")
}

// Disconnect says goodbye, rejects pending requests and detaches from the
// transporter.
func (t *Transit) Disconnect(ctx context.Context) error {
	t.lk.Lock()
	if !t.connected {
		t.lk.Unlock()
		return nil
	}
	t.lk.Unlock()

	if err := t.publish(ctx, packet.TypeDisconnect, "", &packet.Disconnect{}); err != nil {
		t.logger.Warn("cannot announce disconnection", LabelError.L(err))
	}

	t.lk.Lock()
	t.connected = false
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.lk.Unlock()

	for _, pr := range pending {
		pr.err <- NewBrokerDisconnectedError()
	}
	t.reportPending()
	return t.tr.Disconnect(ctx)
}

func (t *Transit) isConnected() bool {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.connected
}

func (t *Transit) publish(ctx context.Context, typ packet.Type, target string, payload any) error {
	p, err := packet.New(typ, target, payload)
	if err != nil {
		return err
	}
	p.Sender = t.b.NodeID()

	data, err := t.ser.Serialize(p)
	if err != nil {
		return err
	}
	err = t.tr.Publish(ctx, transporter.Message{Type: typ, Target: target, Data: data})
	if err != nil {
		return err
	}
	t.b.msink.IncrCounterWithLabels(
		MetricTransitPacketsSent,
		1,
		withLabels(t.b.config.metricLabels, LabelPacket.M(string(typ))),
	)
	return nil
}

// Discover asks nodeID, or every node when empty, for its INFO.
func (t *Transit) Discover(ctx context.Context, nodeID string) error {
	return t.publish(ctx, packet.TypeDiscover, nodeID, &packet.Discover{})
}

// SendNodeInfo advertises the local node to nodeID, or to every node when
// empty.
func (t *Transit) SendNodeInfo(ctx context.Context, nodeID string) error {
	return t.publish(ctx, packet.TypeInfo, nodeID, t.b.registry.LocalNodeInfo())
}

func (t *Transit) SendHeartbeat(ctx context.Context) error {
	return t.publish(ctx, packet.TypeHeartbeat, "", &packet.Heartbeat{})
}

// SendEvent delivers an event to nodeID.
func (t *Transit) SendEvent(ctx *Context, nodeID string, groups []string) error {
	return t.publish(ctx, packet.TypeEvent, nodeID, &packet.Event{
		ID:        ctx.ID,
		Event:     ctx.EventName,
		Data:      ctx.Params,
		Groups:    groups,
		Broadcast: ctx.Broadcast,
		Meta:      ctx.Meta,
		Level:     ctx.Level,
		ParentID:  ctx.ParentID,
		RequestID: ctx.RequestID,
		Caller:    ctx.Caller,
	})
}

// Request calls an action on ctx.NodeID and waits for its response, for
// ctx to be done, for the node to leave or for the transit to disconnect.
func (t *Transit) Request(ctx *Context) (any, error) {
	action := ctx.actionName()
	id := newID()
	pr := &pendingRequest{
		nodeID: ctx.NodeID,
		action: action,
		result: make(chan *packet.Response, 1),
		err:    make(chan error, 1),
	}

	t.lk.Lock()
	if !t.connected {
		t.lk.Unlock()
		return nil, NewBrokerDisconnectedError()
	}
	t.pending[id] = pr
	t.lk.Unlock()
	t.reportPending()

	req := &packet.Request{
		ID:        id,
		Action:    action,
		Params:    ctx.Params,
		Meta:      ctx.Meta,
		Level:     ctx.Level,
		ParentID:  ctx.ParentID,
		RequestID: ctx.RequestID,
		Caller:    ctx.Caller,
		Tracing:   ctx.Span != nil,
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.Timeout = max(time.Until(deadline).Milliseconds(), 1)
	}

	if err := t.publish(ctx, packet.TypeRequest, ctx.NodeID, req); err != nil {
		t.forget(id)
		if errors.Is(err, transporter.ErrNotConnected) {
			return nil, NewBrokerDisconnectedError().WithCause(err)
		}
		return nil, NewRequestRejectedError(action, ctx.NodeID).WithCause(err)
	}

	select {
	case res := <-pr.result:
		maps.Copy(ctx.Meta, res.Meta)
		if !res.Success {
			return nil, ErrorFromPayload(res.Error)
		}
		return res.Data, nil
	case err := <-pr.err:
		return nil, err
	case <-ctx.Done():
		t.forget(id)
		return nil, callError(ctx.Err(), action, ctx.NodeID)
	}
}

func (t *Transit) forget(id string) {
	t.lk.Lock()
	delete(t.pending, id)
	t.lk.Unlock()
	t.reportPending()
}

// rejectPending fails requests waiting on nodeID.
func (t *Transit) rejectPending(nodeID string) {
	var rejected []*pendingRequest
	t.lk.Lock()
	for id, pr := range t.pending {
		if pr.nodeID == nodeID {
			rejected = append(rejected, pr)
			delete(t.pending, id)
		}
	}
	t.lk.Unlock()

	for _, pr := range rejected {
		pr.err <- NewRequestRejectedError(pr.action, nodeID)
	}
	if len(rejected) > 0 {
		t.logger.Warn(
			"rejected pending requests of a departed node",
			LabelNodeID.L(nodeID),
			slog.Int("count", len(rejected)),
		)
		t.reportPending()
	}
}

func (t *Transit) reportPending() {
	t.lk.Lock()
	n := len(t.pending)
	t.lk.Unlock()
	t.b.msink.SetGaugeWithLabels(MetricTransitRequestsPending, float32(n), t.b.config.metricLabels)
}

// Ping measures the round trip to nodeID.
func (t *Transit) Ping(ctx context.Context, nodeID string) (time.Duration, error) {
	id := newID()
	ch := make(chan *packet.Pong, 1)
	t.lk.Lock()
	t.pings[id] = ch
	t.lk.Unlock()
	defer func() {
		t.lk.Lock()
		delete(t.pings, id)
		t.lk.Unlock()
	}()

	start := time.Now()
	if err := t.publish(ctx, packet.TypePing, nodeID, &packet.Ping{ID: id, Time: start.UnixMilli()}); err != nil {
		return 0, err
	}
	select {
	case <-ch:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// handleMessage runs on the transporter delivery goroutine, anything that
// may block is moved to its own goroutine.
func (t *Transit) handleMessage(msg transporter.Message) {
	p, err := t.ser.Deserialize(msg.Type, msg.Data)
	if err != nil {
		t.logger.Warn("dropping invalid packet", LabelPacket.L(string(msg.Type)), LabelError.L(err))
		return
	}
	if p.Sender == t.b.NodeID() {
		return
	}
	t.b.msink.IncrCounterWithLabels(
		MetricTransitPacketsReceived,
		1,
		withLabels(t.b.config.metricLabels, LabelPacket.M(string(msg.Type))),
	)

	ctx := t.b.lifecycleCtx()
	switch payload := p.Payload.(type) {
	case *packet.Discover:
		if err := t.SendNodeInfo(ctx, p.Sender); err != nil {
			t.logger.Warn("cannot answer discovery", LabelNodeID.L(p.Sender), LabelError.L(err))
		}
	case *packet.Info:
		t.b.registry.ProcessNodeInfo(p.Sender, payload)
	case *packet.Heartbeat:
		if !t.b.registry.Heartbeat(p.Sender, payload) {
			if err := t.Discover(ctx, p.Sender); err != nil {
				t.logger.Warn("cannot discover node", LabelNodeID.L(p.Sender), LabelError.L(err))
			}
		}
	case *packet.Disconnect:
		t.b.nodeDisconnected(p.Sender, false)
	case *packet.Request:
		t.b.goTracked(func() {
			t.serveRequest(p.Sender, payload)
		})
	case *packet.Response:
		t.resolve(payload)
	case *packet.Event:
		t.b.goTracked(func() {
			t.b.handleRemoteEvent(p.Sender, payload)
		})
	case *packet.Ping:
		pong := &packet.Pong{ID: payload.ID, Time: payload.Time, Arrived: time.Now().UnixMilli()}
		if err := t.publish(ctx, packet.TypePong, p.Sender, pong); err != nil {
			t.logger.Warn("cannot answer ping", LabelNodeID.L(p.Sender), LabelError.L(err))
		}
	case *packet.Pong:
		t.lk.Lock()
		ch, ok := t.pings[payload.ID]
		t.lk.Unlock()
		if ok {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

func (t *Transit) resolve(res *packet.Response) {
	t.lk.Lock()
	pr, ok := t.pending[res.ID]
	delete(t.pending, res.ID)
	t.lk.Unlock()

	if !ok {
		// The caller gave up already.
		t.logger.Debug("dropping late response", LabelRequestID.L(res.ID))
		return
	}
	pr.result <- res
	t.reportPending()
}

func (t *Transit) serveRequest(sender string, req *packet.Request) {
	data, meta, err := t.b.handleRemoteRequest(sender, req)
	res := &packet.Response{ID: req.ID, Meta: meta}
	if err != nil {
		merr := AsError(err)
		payload := merr.Payload()
		if payload.NodeID == "" {
			payload.NodeID = t.b.NodeID()
		}
		res.Error = payload
	} else {
		res.Success = true
		res.Data = data
	}

	if err := t.publish(t.b.lifecycleCtx(), packet.TypeResponse, sender, res); err != nil {
		t.logger.Warn(
			"cannot send response",
			LabelNodeID.L(sender),
			LabelAction.L(req.Action),
			LabelError.L(err),
		)
	}
}
