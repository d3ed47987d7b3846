package molecule

import (
	"context"
	"errors"
	"time"
)

type callResult struct {
	res any
	err error
}

// effectiveTimeout is the per-call override, else the action's, else the
// broker default. A negative per-call value disables the timeout.
func effectiveTimeout(ctx *Context, def *ActionDef, fallback time.Duration) time.Duration {
	switch {
	case ctx.Options.Timeout < 0:
		return 0
	case ctx.Options.Timeout > 0:
		return ctx.Options.Timeout
	case def.Timeout > 0:
		return def.Timeout
	default:
		return fallback
	}
}

// TimeoutMiddleware races handlers against a timer. The handler keeps
// running after the timer fires, its context is cancelled and its result
// is dropped.
func TimeoutMiddleware(b *Broker) Middleware {
	wrap := func(next Handler, def *ActionDef) Handler {
		return func(ctx *Context) (any, error) {
			timeout := effectiveTimeout(ctx, def, b.config.requestTimeout)
			if timeout <= 0 {
				return next(ctx)
			}

			tctx, cancel := context.WithTimeout(ctx.Context, timeout)
			defer cancel()

			// Buffered so a late result never blocks the handler goroutine.
			done := make(chan callResult, 1)
			go func() {
				res, err := safeCall(next, ctx.WithContext(tctx))
				done <- callResult{res, err}
			}()

			select {
			case r := <-done:
				// A handler giving up because its context ended is treated
				// like the timer firing.
				if !isContextError(r.err) || tctx.Err() == nil {
					return r.res, r.err
				}
			case <-tctx.Done():
			}

			nodeID := ctx.NodeID
			if nodeID == "" {
				nodeID = b.NodeID()
			}
			if errors.Is(ctx.Context.Err(), context.Canceled) {
				return nil, NewRequestCanceledError(def.Name, nodeID).WithCause(ctx.Context.Err())
			}

			b.msink.IncrCounterWithLabels(
				MetricRequestTimeoutTotal,
				1,
				withLabels(b.config.metricLabels, LabelAction.M(def.Name), LabelNodeID.M(nodeID)),
			)
			b.logger.Warn(
				"request timed out",
				LabelAction.L(def.Name),
				LabelNodeID.L(nodeID),
				LabelRequestID.L(ctx.RequestID),
				LabelDuration.L(timeout),
			)
			return nil, NewRequestTimeoutError(def.Name, nodeID)
		}
	}

	return Middleware{
		Name:         "Timeout",
		LocalAction:  wrap,
		RemoteAction: wrap,
	}
}
