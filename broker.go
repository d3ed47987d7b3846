package molecule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/molecule/pkg/packet"
	"golang.org/x/sync/errgroup"
)

// Names of the broker lifecycle events, broadcast locally.
const (
	EventBrokerStarted = "$broker.started"
	EventBrokerStopped = "$broker.stopped"
)

type brokerState int

const (
	stateCreated brokerState = iota
	stateStarting
	stateStarted
	stateStopping
	stateStopped
)

// Broker hosts services and routes calls to them, locally or across the
// mesh.
type Broker struct {
	config      config
	logger      *slog.Logger
	msink       metrics.MetricSink
	nodeID      string
	middlewares []Middleware

	registry  *Registry
	transit   *Transit
	scheduler *Scheduler

	// ctx lives as long as the broker, remote requests run under it.
	ctx    context.Context
	cancel context.CancelFunc

	lk       sync.Mutex
	state    brokerState
	services []*ServiceItem
	dropped  bool
	wg       sync.WaitGroup
}

// Create a broker. Nothing is connected nor started before `Start`.
func Create(opts ...Option) (*Broker, error) {
	b := &Broker{
		config:    defaultConfig(),
		scheduler: NewScheduler(),
	}

	for _, opt := range opts {
		err := opt(&b.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if b.config.logHandler != nil {
		b.logger = slog.New(b.config.logHandler)
	} else {
		b.logger = slog.Default()
	}

	// Metrics implementations.
	if b.config.msink == nil {
		b.config.msink = metrics.Default()
	}
	b.msink = b.config.msink

	b.nodeID = b.config.nodeID
	if b.nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "node"
		}
		b.nodeID = fmt.Sprintf("%s-%d", strings.ToLower(hostname), os.Getpid())
	}
	b.logger = b.logger.With(LabelNodeID.L(b.nodeID))
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if !b.config.noInternalMiddlewares {
		b.middlewares = internalMiddlewares(b)
	}
	b.middlewares = append(b.middlewares, b.config.middlewares...)

	env := endpointEnv{
		sched:  b.scheduler,
		notify: b.circuitChanged,
	}
	b.registry = newRegistry(
		newLocalNode(b.nodeID, b.config.metadata),
		&b.config,
		b.logger.With(slog.String("component", "registry")),
		b.msink,
		env,
		b.broadcastInternal,
		b.remoteAction,
	)

	if b.config.transporter != nil {
		b.transit = newTransit(b, b.config.transporter, b.config.serializer)
	}

	for _, mw := range b.middlewares {
		if mw.Created == nil {
			continue
		}
		if err := mw.Created(b); err != nil {
			return nil, fmt.Errorf("%w: middleware %q: %w", ErrInvalidCfg, mw.Name, err)
		}
	}

	if err := b.AddService(nodeService(b)); err != nil {
		return nil, err
	}
	return b, nil
}

// NodeID of the local node.
func (b *Broker) NodeID() string {
	return b.nodeID
}

// Logger of the broker, for services.
func (b *Broker) Logger() *slog.Logger {
	return b.logger
}

func (b *Broker) Registry() *Registry {
	return b.registry
}

// Transit is nil when the broker has no transporter.
func (b *Broker) Transit() *Transit {
	return b.transit
}

func (b *Broker) Scheduler() *Scheduler {
	return b.scheduler
}

// MiddlewareNames lists the composed middlewares, outermost first.
func (b *Broker) MiddlewareNames() []string {
	names := make([]string, len(b.middlewares))
	for i, mw := range b.middlewares {
		names[i] = mw.Name
	}
	return names
}

func (b *Broker) lifecycleCtx() context.Context {
	return b.ctx
}

// goTracked runs fn in a goroutine the broker waits for when stopping. It
// is a no-op once the broker dropped its work.
func (b *Broker) goTracked(fn func()) bool {
	b.lk.Lock()
	if b.dropped {
		b.lk.Unlock()
		return false
	}
	b.wg.Add(1)
	b.lk.Unlock()

	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

// AddService registers a service. On a started broker, the service is
// started right away and advertised to the mesh.
func (b *Broker) AddService(schema Service) error {
	if err := schema.validate(); err != nil {
		return err
	}

	b.lk.Lock()
	state := b.state
	b.lk.Unlock()
	if state >= stateStopping {
		return ErrBrokerClosed
	}

	svc := newServiceItem(b.nodeID, true, schema.Name, schema.Version)
	svc.Settings = schema.Settings
	svc.Metadata = schema.Metadata
	svc.methods = schema.Methods
	svc.schema = &schema

	for _, act := range schema.Actions {
		def := b.config.resolveAction(svc, act)
		handler := act.Handler
		def.handler = ComposeAction(b.middlewares, func(ctx *Context) (any, error) {
			return safeCall(handler, ctx)
		}, def)
		svc.actions[def.Name] = def
	}
	for _, ev := range schema.Events {
		def := b.config.resolveEvent(svc, ev)
		handler := ev.Handler
		def.handler = ComposeEvent(b.middlewares, func(ctx *Context) error {
			return safeEventCall(handler, ctx)
		}, def)
		svc.events[eventKey(def.Name, def.Group)] = def
	}

	b.lk.Lock()
	dup := b.hasServiceLocked(svc.FullName)
	b.lk.Unlock()
	if dup {
		return fmt.Errorf("%w: %q", ErrServiceDuplicate, svc.FullName)
	}

	if schema.Created != nil {
		if err := schema.Created(b); err != nil {
			return fmt.Errorf("%w: %q created hook: %w", ErrServiceInvalid, svc.FullName, err)
		}
	}

	// Checked again: Created ran unlocked.
	b.lk.Lock()
	dup = b.hasServiceLocked(svc.FullName)
	if !dup {
		b.services = append(b.services, svc)
	}
	started := b.state == stateStarted
	b.lk.Unlock()
	if dup {
		return fmt.Errorf("%w: %q", ErrServiceDuplicate, svc.FullName)
	}

	b.logger.Debug("service added", LabelService.L(svc.FullName))
	if started {
		if err := b.startService(b.ctx, svc); err != nil {
			return err
		}
		b.advertise()
	}
	return nil
}

func (b *Broker) hasServiceLocked(fullName string) bool {
	return slices.ContainsFunc(b.services, func(svc *ServiceItem) bool {
		return svc.FullName == fullName
	})
}

// Start connects to the mesh and starts every service.
func (b *Broker) Start(ctx context.Context) error {
	b.lk.Lock()
	if b.state != stateCreated {
		b.lk.Unlock()
		return ErrBrokerStarted
	}
	b.state = stateStarting
	services := slices.Clone(b.services)
	b.lk.Unlock()

	for _, mw := range b.middlewares {
		if mw.Started == nil {
			continue
		}
		if err := mw.Started(b); err != nil {
			return fmt.Errorf("middleware %q: %w", mw.Name, err)
		}
	}

	if b.transit != nil {
		if err := b.transit.Connect(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error {
			return b.startService(gctx, svc)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if b.transit != nil {
		b.advertise()
		b.scheduler.Every(b.config.heartbeatInterval, b.heartbeat)
		b.scheduler.Every(b.config.heartbeatInterval, b.checkNodes)
		b.scheduler.Every(min(b.config.nodeCleanupTimeout, time.Minute), b.cleanupNodes)
	}

	b.lk.Lock()
	b.state = stateStarted
	b.lk.Unlock()

	b.logger.Info("broker started", slog.Int("services", len(services)))
	b.broadcastInternal(EventBrokerStarted, nil)
	return nil
}

func (b *Broker) startService(ctx context.Context, svc *ServiceItem) error {
	schema := svc.schema
	if len(schema.Dependencies) > 0 {
		b.logger.Info(
			"waiting for dependencies",
			LabelService.L(svc.FullName),
			slog.Any("dependencies", schema.Dependencies),
		)
		if err := b.WaitForServices(ctx, schema.Dependencies...); err != nil {
			return fmt.Errorf("%q dependencies: %w", svc.FullName, err)
		}
	}
	if schema.Started != nil {
		if err := schema.Started(newContext(b, ctx, nil, CallOptions{})); err != nil {
			return fmt.Errorf("%q started hook: %w", svc.FullName, err)
		}
	}

	// Only started services are visible, to this node and to the mesh.
	if err := b.registry.RegisterLocalService(svc); err != nil {
		return fmt.Errorf("%w: %q", err, svc.FullName)
	}
	b.logger.Debug("service started", LabelService.L(svc.FullName))
	return nil
}

// Stop leaves the mesh and stops services. Work in flight is given until
// ctx is done to complete.
func (b *Broker) Stop(ctx context.Context) error {
	b.lk.Lock()
	if b.state == stateStopping || b.state == stateStopped {
		b.lk.Unlock()
		return nil
	}
	b.state = stateStopping
	services := slices.Clone(b.services)
	b.lk.Unlock()

	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		if svc.schema.Stopped == nil {
			continue
		}
		g.Go(func() error {
			if err := svc.schema.Stopped(newContext(b, gctx, nil, CallOptions{})); err != nil {
				return fmt.Errorf("%q stopped hook: %w", svc.FullName, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if b.transit != nil {
		if err := b.transit.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.scheduler.Stop()
	b.registry.disconnectAll()
	b.broadcastInternal(EventBrokerStopped, nil)

	// Phase two: no new work is accepted, then cancel what remains.
	b.lk.Lock()
	b.dropped = true
	b.lk.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.cancel()
		<-done
	}
	b.cancel()

	for _, mw := range b.middlewares {
		if mw.Stopped == nil {
			continue
		}
		if err := mw.Stopped(b); err != nil {
			errs = append(errs, fmt.Errorf("middleware %q: %w", mw.Name, err))
		}
	}

	b.lk.Lock()
	b.state = stateStopped
	b.lk.Unlock()
	b.logger.Info("broker stopped")
	return errors.Join(errs...)
}

func (b *Broker) isStopped() bool {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.state == stateStopped
}

// WaitForServices blocks until every named service (full name) is hosted
// by an available node.
func (b *Broker) WaitForServices(ctx context.Context, names ...string) error {
	for {
		missing := b.missingServices(names)
		if len(missing) == 0 {
			return nil
		}
		if err := b.scheduler.Sleep(ctx, 100*time.Millisecond); err != nil {
			return fmt.Errorf("%w: missing %s", err, strings.Join(missing, ", "))
		}
	}
}

func (b *Broker) missingServices(names []string) []string {
	have := make(map[string]struct{})
	for _, sum := range b.registry.Services() {
		have[sum.FullName] = struct{}{}
	}
	var missing []string
	for _, name := range names {
		if _, ok := have[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Call an action. parent may be a *Context, the call is then nested under
// it: request ID, meta and call level are inherited.
func (b *Broker) Call(parent context.Context, action string, params any, opts ...CallOption) (any, error) {
	o := CallOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	var ctx *Context
	if o.parent != nil {
		ctx = o.parent.WithContext(o.parent.Context)
		o.parent = nil
		ctx.Options = o
		ctx.Endpoint = nil
	} else {
		ctx = newContext(b, parent, params, o)
	}

	if b.isStopped() {
		return nil, NewBrokerDisconnectedError().WithCause(ErrBrokerClosed)
	}
	if max := b.config.maxCallLevel; max > 0 && ctx.Level > max {
		return nil, NewMaxCallLevelError(b.nodeID, ctx.Level)
	}

	ep, err := b.findEndpoint(ctx, action)
	if err != nil {
		b.logger.Debug("no endpoint", LabelAction.L(action), LabelError.L(err))
		return nil, err
	}
	def := ep.Action()
	ctx.Action = def
	ctx.Endpoint = ep
	ctx.NodeID = ep.NodeID
	if ctx.Span != nil {
		ctx.Span.Name = def.Name
	}

	return ep.actionHandler()(ctx)
}

func (b *Broker) findEndpoint(ctx *Context, action string) (*Endpoint, error) {
	list := b.registry.ActionEndpoints(action)
	if list == nil {
		return nil, NewServiceNotFoundError(action, ctx.Options.NodeID)
	}
	if nodeID := ctx.Options.NodeID; nodeID != "" {
		ep := list.EndpointByNodeID(nodeID)
		if ep == nil {
			return nil, NewServiceNotAvailableError(action, nodeID)
		}
		return ep, nil
	}
	ep := list.Next(ctx)
	if ep == nil {
		return nil, NewServiceNotAvailableError(action, "")
	}
	return ep, nil
}

// remoteAction builds the caller-side definition of an action hosted on
// another node.
func (b *Broker) remoteAction(svc *ServiceItem, info packet.ActionInfo) *ActionDef {
	def := b.config.resolveRemoteAction(svc, info)
	def.handler = ComposeAction(b.middlewares, b.remoteCall, def)
	return def
}

func (b *Broker) remoteCall(ctx *Context) (any, error) {
	if b.transit == nil {
		return nil, NewBrokerDisconnectedError().WithCause(ErrNoTransporter)
	}
	return b.transit.Request(ctx)
}

// handleRemoteRequest serves a request another node sent to us. Retries
// are owned by the caller, so they are disabled here.
func (b *Broker) handleRemoteRequest(sender string, req *packet.Request) (any, map[string]any, error) {
	parent := b.ctx
	var cancel context.CancelFunc = func() {}
	if req.Timeout > 0 {
		parent, cancel = context.WithTimeout(parent, time.Duration(req.Timeout)*time.Millisecond)
	}
	defer cancel()

	noRetry := 0
	ctx := &Context{
		Context:   parent,
		ID:        req.ID,
		RequestID: req.RequestID,
		ParentID:  req.ParentID,
		Level:     req.Level,
		Caller:    req.Caller,
		NodeID:    b.nodeID,
		Params:    req.Params,
		Meta:      req.Meta,
		Options: CallOptions{
			Timeout: time.Duration(req.Timeout) * time.Millisecond,
			Retries: &noRetry,
			Tracing: req.Tracing,
		},
		broker: b,
	}
	if ctx.Meta == nil {
		ctx.Meta = map[string]any{}
	}
	if ctx.Caller == "" {
		ctx.Caller = sender
	}
	if ctx.RequestID == "" {
		ctx.RequestID = ctx.ID
	}

	if max := b.config.maxCallLevel; max > 0 && ctx.Level > max {
		return nil, ctx.Meta, NewMaxCallLevelError(b.nodeID, ctx.Level)
	}

	list := b.registry.ActionEndpoints(req.Action)
	if list == nil {
		return nil, ctx.Meta, NewServiceNotFoundError(req.Action, b.nodeID)
	}
	ep := list.NextLocal(ctx)
	if ep == nil {
		return nil, ctx.Meta, NewServiceNotAvailableError(req.Action, b.nodeID)
	}
	ctx.Action = ep.Action()
	ctx.Endpoint = ep

	res, err := ep.actionHandler()(ctx)
	return res, ctx.Meta, callError(err, req.Action, b.nodeID)
}

// Emit sends an event to one listener of each group. Without groups, every
// group listening to the event receives it.
func (b *Broker) Emit(parent context.Context, event string, payload any, groups ...string) error {
	if strings.HasPrefix(event, "$") {
		return b.BroadcastLocal(parent, event, payload, groups...)
	}

	ctx := b.eventContext(parent, event, payload, groups, false)
	remote := make(map[string][]string)
	for _, list := range b.registry.EventEndpoints(event) {
		if len(groups) > 0 && !slices.Contains(groups, list.Group) {
			continue
		}
		ep := list.Next(ctx)
		if ep == nil {
			continue
		}
		if ep.Local {
			b.dispatchLocalEvent(ctx, ep)
		} else {
			remote[ep.NodeID] = append(remote[ep.NodeID], list.Group)
		}
	}
	return b.sendRemoteEvents(ctx, remote)
}

// Broadcast sends an event to every listener of every node.
func (b *Broker) Broadcast(parent context.Context, event string, payload any, groups ...string) error {
	if strings.HasPrefix(event, "$") {
		return b.BroadcastLocal(parent, event, payload, groups...)
	}

	ctx := b.eventContext(parent, event, payload, groups, true)
	remote := make(map[string][]string)
	for _, list := range b.registry.EventEndpoints(event) {
		if len(groups) > 0 && !slices.Contains(groups, list.Group) {
			continue
		}
		for _, ep := range list.Endpoints() {
			if !ep.Local && ep.IsAvailable() {
				remote[ep.NodeID] = groups
			}
		}
	}
	if err := b.BroadcastLocal(ctx, event, payload, groups...); err != nil {
		return err
	}
	return b.sendRemoteEvents(ctx, remote)
}

// BroadcastLocal sends an event to every local listener.
func (b *Broker) BroadcastLocal(parent context.Context, event string, payload any, groups ...string) error {
	ctx := b.eventContext(parent, event, payload, groups, true)
	for _, list := range b.registry.EventEndpoints(event) {
		if len(groups) > 0 && !slices.Contains(groups, list.Group) {
			continue
		}
		for _, ep := range list.Endpoints() {
			if ep.Local {
				b.dispatchLocalEvent(ctx, ep)
			}
		}
	}
	return nil
}

func (b *Broker) broadcastInternal(event string, payload any) {
	if err := b.BroadcastLocal(b.ctx, event, payload); err != nil {
		b.logger.Warn("cannot broadcast internal event", LabelEvent.L(event), LabelError.L(err))
	}
}

func (b *Broker) circuitChanged(state CircuitState, ev CircuitBreakerEvent) {
	var (
		event string
		key   []string
	)
	switch state {
	case CircuitOpen:
		event, key = EventCircuitBreakerOpened, MetricCircuitBreakerOpened
		b.logger.Warn("circuit breaker opened", LabelNodeID.L(ev.NodeID), LabelAction.L(ev.Action), LabelFailures.L(ev.Failures))
	case CircuitHalfOpen:
		event, key = EventCircuitBreakerHalfOpened, MetricCircuitBreakerHalfOpen
		b.logger.Info("circuit breaker half-opened", LabelNodeID.L(ev.NodeID), LabelAction.L(ev.Action))
	case CircuitClosed:
		event, key = EventCircuitBreakerClosed, MetricCircuitBreakerClosed
		b.logger.Info("circuit breaker closed", LabelNodeID.L(ev.NodeID), LabelAction.L(ev.Action))
	default:
		return
	}
	b.msink.IncrCounterWithLabels(
		key,
		1,
		withLabels(b.config.metricLabels, LabelAction.M(ev.Action), LabelNodeID.M(ev.NodeID)),
	)
	b.broadcastInternal(event, ev)
}

func (b *Broker) eventContext(parent context.Context, event string, payload any, groups []string, broadcast bool) *Context {
	ctx := newContext(b, parent, payload, CallOptions{})
	ctx.EventName = event
	ctx.Groups = groups
	ctx.Broadcast = broadcast
	return ctx
}

func (b *Broker) sendRemoteEvents(ctx *Context, remote map[string][]string) error {
	if len(remote) == 0 {
		return nil
	}
	if b.transit == nil {
		return ErrNoTransporter
	}
	var errs []error
	for nodeID, groups := range remote {
		if err := b.transit.SendEvent(ctx, nodeID, groups); err != nil {
			errs = append(errs, fmt.Errorf("event to %q: %w", nodeID, err))
		}
	}
	return errors.Join(errs...)
}

// dispatchLocalEvent runs a local listener in its own goroutine. Errors are
// logged: events have no caller to report to.
func (b *Broker) dispatchLocalEvent(parent *Context, ep *Endpoint) {
	handler := ep.eventHandler()
	if handler == nil {
		return
	}
	ctx := parent.WithContext(b.ctx)
	ctx.Event = ep.Event()
	ctx.Endpoint = ep
	ctx.NodeID = b.nodeID

	b.goTracked(func() {
		if err := handler(ctx); err != nil {
			b.logger.Warn(
				"event handler failed",
				LabelEvent.L(ctx.EventName),
				LabelGroup.L(ctx.Event.Group),
				LabelError.L(err),
			)
		}
	})
}

func (b *Broker) handleRemoteEvent(sender string, ev *packet.Event) {
	ctx := &Context{
		Context:   b.ctx,
		ID:        ev.ID,
		RequestID: ev.RequestID,
		ParentID:  ev.ParentID,
		Level:     ev.Level,
		Caller:    ev.Caller,
		EventName: ev.Event,
		Groups:    ev.Groups,
		Broadcast: ev.Broadcast,
		Params:    ev.Data,
		Meta:      ev.Meta,
		broker:    b,
	}
	if ctx.Caller == "" {
		ctx.Caller = sender
	}
	if ctx.Meta == nil {
		ctx.Meta = map[string]any{}
	}

	for _, list := range b.registry.EventEndpoints(ev.Event) {
		if len(ev.Groups) > 0 && !slices.Contains(ev.Groups, list.Group) {
			continue
		}
		if ev.Broadcast {
			for _, ep := range list.Endpoints() {
				if ep.Local {
					b.dispatchLocalEvent(ctx, ep)
				}
			}
			continue
		}
		if ep := list.NextLocal(ctx); ep != nil {
			b.dispatchLocalEvent(ctx, ep)
		}
	}
}

// nodeDisconnected is the single entry point for node departures, whatever
// detected them.
func (b *Broker) nodeDisconnected(nodeID string, unexpected bool) {
	b.registry.NodeDisconnected(nodeID, unexpected)
	if b.transit != nil {
		b.transit.rejectPending(nodeID)
	}
}

func (b *Broker) advertise() {
	if b.transit == nil {
		return
	}
	if err := b.transit.SendNodeInfo(b.ctx, ""); err != nil {
		b.logger.Warn("cannot advertise node", LabelError.L(err))
	}
}

func (b *Broker) heartbeat() {
	if err := b.transit.SendHeartbeat(b.ctx); err != nil {
		b.logger.Warn("cannot send heartbeat", LabelError.L(err))
	}
}

func (b *Broker) checkNodes() {
	for _, nodeID := range b.registry.CheckRemoteNodes(b.config.heartbeatTimeout) {
		b.transit.rejectPending(nodeID)
	}
}

func (b *Broker) cleanupNodes() {
	b.registry.CheckOfflineNodes(b.config.nodeCleanupTimeout)
}

// Ping measures the round trip to a remote node.
func (b *Broker) Ping(ctx context.Context, nodeID string) (time.Duration, error) {
	if b.transit == nil {
		return 0, ErrNoTransporter
	}
	if node := b.registry.Node(nodeID); node == nil || !node.Available {
		return 0, fmt.Errorf("%w: %q", ErrNodeUnknown, nodeID)
	}
	return b.transit.Ping(ctx, nodeID)
}
