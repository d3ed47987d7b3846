package molecule

import (
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"
)

// RetryPolicy controls how failed calls are re-dispatched.
type RetryPolicy struct {
	Enabled bool

	// Retries is the maximum number of re-dispatches.
	Retries  int
	Delay    time.Duration
	MaxDelay time.Duration
	Factor   float64

	// Check decides whether err is worth retrying. Defaults to
	// `IsRetryable`.
	Check func(err error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:  false,
		Retries:  5,
		Delay:    100 * time.Millisecond,
		MaxDelay: time.Second,
		Factor:   2,
		Check:    IsRetryable,
	}
}

// withDefaults fills zero fields from base. Enabled is always taken
// literally.
func (p RetryPolicy) withDefaults(base RetryPolicy) RetryPolicy {
	if p.Retries == 0 {
		p.Retries = base.Retries
	}
	if p.Delay == 0 {
		p.Delay = base.Delay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = base.MaxDelay
	}
	if p.Factor == 0 {
		p.Factor = base.Factor
	}
	if p.Check == nil {
		p.Check = base.Check
	}
	return p
}

func (p RetryPolicy) validate() error {
	if p.Retries < 0 || p.Delay < 0 || p.MaxDelay < 0 || p.Factor < 0 {
		return errors.New("retry policy fields must not be negative")
	}
	return nil
}

// Backoff is the delay before the nth retry, starting at 1:
// `Delay * Factor^(n-1)`, capped at MaxDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(p.Delay) * math.Pow(factor, float64(n-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p RetryPolicy) check(err error) bool {
	if p.Check == nil {
		return IsRetryable(err)
	}
	return p.Check(err)
}

// maxRetries is the per-call override when given, else the policy.
func (p RetryPolicy) maxRetries(ctx *Context) int {
	if ctx.Options.Retries != nil {
		return *ctx.Options.Retries
	}
	if !p.Enabled {
		return 0
	}
	return p.Retries
}

// RetryMiddleware re-dispatches failed calls through `Broker.Call`, so a
// retry goes through endpoint selection again and may land on another
// node. The attempt counter is shared by every re-dispatch of a call.
func RetryMiddleware(b *Broker) Middleware {
	wrap := func(next Handler, def *ActionDef) Handler {
		policy := def.Retry
		return func(ctx *Context) (any, error) {
			res, err := next(ctx)
			for err != nil {
				attempts := ctx.RetryAttempts()
				if attempts >= policy.maxRetries(ctx) || !policy.check(err) {
					return nil, err
				}

				attempt := ctx.incrRetryAttempts()
				delay := policy.Backoff(attempt)
				b.msink.IncrCounterWithLabels(
					MetricRequestRetryTotal,
					1,
					withLabels(b.config.metricLabels, LabelAction.M(def.Name)),
				)
				b.logger.Warn(
					"retrying call",
					LabelAction.L(def.Name),
					LabelRequestID.L(ctx.RequestID),
					LabelAttempt.L(strconv.Itoa(attempt)),
					slog.Duration("delay", delay),
					LabelError.L(err),
				)

				if serr := b.scheduler.Sleep(ctx, delay); serr != nil {
					return nil, err
				}
				res, err = b.Call(ctx, def.Name, ctx.Params, withRedispatch(ctx))
			}
			return res, nil
		}
	}

	return Middleware{
		Name:         "Retry",
		LocalAction:  wrap,
		RemoteAction: wrap,
	}
}
