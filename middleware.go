package molecule

import (
	"fmt"
	"runtime/debug"
)

// Middleware is a named set of hooks. Every hook is optional.
//
// Wrapping hooks are called once per definition, when a local service is
// registered or a remote action is discovered, and return the handler that
// calls next. Returning next unchanged opts out for that definition.
type Middleware struct {
	Name string

	// Created is called by `Create` once the broker is built.
	Created func(b *Broker) error
	Started func(b *Broker) error
	Stopped func(b *Broker) error

	LocalAction  func(next Handler, def *ActionDef) Handler
	RemoteAction func(next Handler, def *ActionDef) Handler
	LocalEvent   func(next EventHandler, def *EventDef) EventHandler
}

// ComposeAction wraps base with mws. The list is read outermost first:
// `mws[0]` sees the call before anything else and the result after
// everything else.
func ComposeAction(mws []Middleware, base Handler, def *ActionDef) Handler {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		hook := mws[i].LocalAction
		if def.Remote {
			hook = mws[i].RemoteAction
		}
		if hook != nil {
			h = hook(h, def)
		}
	}
	return h
}

// ComposeEvent is `ComposeAction` for local event listeners.
func ComposeEvent(mws []Middleware, base EventHandler, def *EventDef) EventHandler {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		if hook := mws[i].LocalEvent; hook != nil {
			h = hook(h, def)
		}
	}
	return h
}

// internalMiddlewares are the built-in ones, outermost first.
func internalMiddlewares(b *Broker) []Middleware {
	return []Middleware{
		MetricsMiddleware(b),
		FallbackMiddleware(b),
		RetryMiddleware(b),
		CircuitBreakerMiddleware(b),
		TimeoutMiddleware(b),
		BulkheadMiddleware(b),
	}
}

func panicError(r any) *Error {
	return NewError(
		fmt.Sprintf("handler panicked: %v", r),
		500,
		"HANDLER_PANIC",
		map[string]any{"stack": string(debug.Stack())},
	).WithCause(ErrHandlerPanic)
}

// safeCall runs h, turning a panic into an error.
func safeCall(h Handler, ctx *Context) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, panicError(r)
		}
	}()
	return h(ctx)
}

func safeEventCall(h EventHandler, ctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return h(ctx)
}
