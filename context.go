package molecule

import (
	"context"
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Context is the per-call record flowing through the middleware chain into
// handlers. It is a `context.Context` too, so handlers can pass it to any
// blocking operation and get cancelled when the call is abandoned.
type Context struct {
	context.Context

	ID        string
	RequestID string
	ParentID  string
	Level     int

	// Caller is the ID of the node which initiated the call, NodeID is the
	// node executing it.
	Caller string
	NodeID string

	Action    *ActionDef
	Event     *EventDef
	EventName string
	Groups    []string
	Broadcast bool
	Endpoint  *Endpoint

	Params  any
	Meta    map[string]any
	Options CallOptions
	Span    *Span

	broker   *Broker
	attempts *atomic.Int32
}

// Span is a minimal trace record attached when tracing is requested.
type Span struct {
	ID        string
	TraceID   string
	ParentID  string
	Name      string
	StartTime time.Time
}

// CallOptions are the per-call overrides.
type CallOptions struct {
	// Timeout overrides the action and broker defaults. Negative disables
	// the timeout for this call.
	Timeout time.Duration

	// Retries overrides the action retry policy when non-nil.
	Retries *int

	// NodeID pins the call to one node, bypassing the strategy.
	NodeID string

	Meta     map[string]any
	Fallback Fallback
	Tracing  bool

	// parent is the context being re-dispatched by the retry middleware.
	parent *Context
}

type CallOption func(*CallOptions)

func WithTimeout(timeout time.Duration) CallOption {
	return func(o *CallOptions) {
		o.Timeout = timeout
	}
}

func WithRetries(retries int) CallOption {
	return func(o *CallOptions) {
		o.Retries = &retries
	}
}

// OnNode pins the call to nodeID.
func OnNode(nodeID string) CallOption {
	return func(o *CallOptions) {
		o.NodeID = nodeID
	}
}

func WithMeta(meta map[string]any) CallOption {
	return func(o *CallOptions) {
		o.Meta = meta
	}
}

func WithFallback(fb Fallback) CallOption {
	return func(o *CallOptions) {
		o.Fallback = fb
	}
}

func WithTracing() CallOption {
	return func(o *CallOptions) {
		o.Tracing = true
	}
}

func withRedispatch(parent *Context) CallOption {
	return func(o *CallOptions) {
		*o = parent.Options
		o.parent = parent
	}
}

func newID() string {
	return uuid.NewString()
}

// newContext builds the context of a fresh call. When parent is itself a
// *Context, the call is nested: level, request ID, meta and tracing are
// inherited.
func newContext(b *Broker, parent context.Context, params any, opts CallOptions) *Context {
	if parent == nil {
		parent = context.Background()
	}

	ctx := &Context{
		Context:  parent,
		ID:       newID(),
		Level:    1,
		Params:   params,
		Meta:     map[string]any{},
		Options:  opts,
		broker:   b,
		attempts: &atomic.Int32{},
	}
	if b != nil {
		ctx.Caller = b.NodeID()
	}

	if pctx, ok := parent.(*Context); ok {
		ctx.ParentID = pctx.ID
		ctx.RequestID = pctx.RequestID
		ctx.Level = pctx.Level + 1
		maps.Copy(ctx.Meta, pctx.Meta)
		if pctx.Span != nil {
			ctx.Options.Tracing = true
		}
	}
	if ctx.RequestID == "" {
		ctx.RequestID = ctx.ID
	}
	maps.Copy(ctx.Meta, opts.Meta)

	if ctx.Options.Tracing {
		ctx.Span = &Span{
			ID:        ctx.ID,
			TraceID:   ctx.RequestID,
			ParentID:  ctx.ParentID,
			StartTime: time.Now(),
		}
	}
	return ctx
}

// WithContext returns a shallow copy of c running under ctx. The copy
// shares the retry counter with c.
func (c *Context) WithContext(ctx context.Context) *Context {
	if ctx == nil {
		panic("nil context")
	}
	c2 := *c
	c2.Context = ctx
	return &c2
}

// RetryAttempts is the number of re-dispatches this call went through.
func (c *Context) RetryAttempts() int {
	if c.attempts == nil {
		return 0
	}
	return int(c.attempts.Load())
}

func (c *Context) incrRetryAttempts() int {
	if c.attempts == nil {
		c.attempts = &atomic.Int32{}
	}
	return int(c.attempts.Add(1))
}

// Broker executing the call.
func (c *Context) Broker() *Broker {
	return c.broker
}

// Call makes a nested call, the child inherits meta and request ID.
func (c *Context) Call(action string, params any, opts ...CallOption) (any, error) {
	return c.broker.Call(c, action, params, opts...)
}

// Emit a balanced event from this context.
func (c *Context) Emit(event string, payload any, groups ...string) error {
	return c.broker.Emit(c, event, payload, groups...)
}

// BroadcastEvent sends an event to every listener from this context.
func (c *Context) BroadcastEvent(event string, payload any, groups ...string) error {
	return c.broker.Broadcast(c, event, payload, groups...)
}

func (c *Context) actionName() string {
	if c.Action != nil {
		return c.Action.Name
	}
	return c.EventName
}
