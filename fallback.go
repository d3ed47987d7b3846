package molecule

import (
	"fmt"
)

// Fallback recovers from a terminal call error. It is one of
// `FallbackFunc`, `FallbackMethod` or the result of `FallbackValue`.
type Fallback interface {
	respond(ctx *Context, err error) (any, error)
}

// FallbackFunc computes a response from the failed call.
type FallbackFunc func(ctx *Context, err error) (any, error)

func (fn FallbackFunc) respond(ctx *Context, err error) (any, error) {
	return fn(ctx, err)
}

// FallbackMethod names a method of the service owning the action. The
// method MUST be a `FallbackFunc` or have the same signature.
type FallbackMethod string

func (name FallbackMethod) respond(ctx *Context, err error) (any, error) {
	if ctx.Action == nil || ctx.Action.Service == nil {
		return nil, err
	}
	method, ok := ctx.Action.Service.methods[string(name)]
	if !ok {
		return nil, fmt.Errorf("%w: fallback method %q not found: %w", ErrServiceInvalid, string(name), err)
	}
	switch fn := method.(type) {
	case FallbackFunc:
		return fn(ctx, err)
	case func(*Context, error) (any, error):
		return fn(ctx, err)
	default:
		return nil, fmt.Errorf("%w: method %q cannot be used as a fallback: %w", ErrServiceInvalid, string(name), err)
	}
}

type fallbackValue struct {
	value any
}

func (fv fallbackValue) respond(*Context, error) (any, error) {
	return fv.value, nil
}

// FallbackValue always answers v.
func FallbackValue(v any) Fallback {
	return fallbackValue{value: v}
}

// FallbackMiddleware swaps terminal errors for the fallback response. The
// per-call fallback takes precedence over the action's.
func FallbackMiddleware(b *Broker) Middleware {
	wrap := func(next Handler, def *ActionDef) Handler {
		return func(ctx *Context) (any, error) {
			res, err := next(ctx)
			if err == nil {
				return res, nil
			}

			fb := ctx.Options.Fallback
			if fb == nil {
				fb = def.Fallback
			}
			if fb == nil {
				return nil, err
			}

			b.msink.IncrCounterWithLabels(
				MetricRequestFallbackTotal,
				1,
				withLabels(b.config.metricLabels, LabelAction.M(def.Name)),
			)
			b.logger.Warn(
				"serving fallback response",
				LabelAction.L(def.Name),
				LabelRequestID.L(ctx.RequestID),
				LabelError.L(err),
			)
			return fb.respond(ctx, err)
		}
	}

	return Middleware{
		Name:         "Fallback",
		LocalAction:  wrap,
		RemoteAction: wrap,
	}
}
