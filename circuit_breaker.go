package molecule

import (
	"context"
	"errors"
	"time"
)

// CircuitBreakerPolicy decides when an endpoint stops receiving calls.
//
// The circuit opens either after MaxFailures consecutive qualifying
// failures, or when the current window holds at least MinRequestCount
// requests of which a Threshold ratio failed. A zero MaxFailures or
// Threshold disables the matching rule.
type CircuitBreakerPolicy struct {
	Enabled          bool
	MaxFailures      int
	Threshold        float64
	WindowTime       time.Duration
	MinRequestCount  int
	HalfOpenTime     time.Duration
	FailureOnTimeout bool
	FailureOnReject  bool

	// Check decides whether a non-timeout error counts as a failure.
	// Defaults to server-side errors (code >= 500) and foreign errors, except
	// caller cancellations.
	Check func(err error) bool
}

func DefaultCircuitBreakerPolicy() CircuitBreakerPolicy {
	return CircuitBreakerPolicy{
		Enabled:          false,
		MaxFailures:      3,
		Threshold:        0.5,
		WindowTime:       60 * time.Second,
		MinRequestCount:  20,
		HalfOpenTime:     10 * time.Second,
		FailureOnTimeout: true,
		FailureOnReject:  true,
		Check:            isServerFailure,
	}
}

// withDefaults fills zero durations and counters from base. Booleans are
// taken literally.
func (p CircuitBreakerPolicy) withDefaults(base CircuitBreakerPolicy) CircuitBreakerPolicy {
	if p.MaxFailures == 0 && p.Threshold == 0 {
		p.MaxFailures = base.MaxFailures
		p.Threshold = base.Threshold
	}
	if p.WindowTime == 0 {
		p.WindowTime = base.WindowTime
	}
	if p.MinRequestCount == 0 {
		p.MinRequestCount = base.MinRequestCount
	}
	if p.HalfOpenTime == 0 {
		p.HalfOpenTime = base.HalfOpenTime
	}
	if p.Check == nil {
		p.Check = base.Check
	}
	return p
}

func (p CircuitBreakerPolicy) validate() error {
	if p.MaxFailures < 0 || p.MinRequestCount < 0 || p.WindowTime < 0 || p.HalfOpenTime < 0 {
		return errors.New("circuit breaker policy fields must not be negative")
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		return errors.New("circuit breaker threshold must be within [0, 1]")
	}
	return nil
}

// qualifies reports whether err counts as a failure of the endpoint.
func (p CircuitBreakerPolicy) qualifies(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRequestTimeout) {
		return p.FailureOnTimeout
	}
	if !p.FailureOnReject {
		return false
	}
	if p.Check == nil {
		return isServerFailure(err)
	}
	return p.Check(err)
}

func (p CircuitBreakerPolicy) trips(consecutive, requests, failures int) bool {
	if p.MaxFailures > 0 && consecutive >= p.MaxFailures {
		return true
	}
	if p.Threshold > 0 && requests > 0 && requests >= p.MinRequestCount {
		return float64(failures)/float64(requests) >= p.Threshold
	}
	return false
}

func isServerFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var merr *Error
	if errors.As(err, &merr) {
		return merr.Code >= 500
	}
	return true
}

// CircuitBreakerEvent is the payload of the `$circuit-breaker.*` events.
type CircuitBreakerEvent struct {
	NodeID   string       `json:"node"`
	Action   string       `json:"action"`
	Failures int          `json:"failures"`
	State    CircuitState `json:"state"`
}

// Names of the circuit breaker events, broadcast locally.
const (
	EventCircuitBreakerOpened     = "$circuit-breaker.opened"
	EventCircuitBreakerHalfOpened = "$circuit-breaker.half-opened"
	EventCircuitBreakerClosed     = "$circuit-breaker.closed"
)

// CircuitBreakerMiddleware feeds call outcomes into the target endpoint.
// Open endpoints are filtered out by endpoint selection, so calls to them
// fail with ServiceNotAvailableError before reaching this middleware.
func CircuitBreakerMiddleware(b *Broker) Middleware {
	wrap := func(next Handler, def *ActionDef) Handler {
		if !def.CircuitBreaker.Enabled {
			return next
		}
		return func(ctx *Context) (any, error) {
			res, err := next(ctx)
			if ep := ctx.Endpoint; ep != nil {
				if err != nil {
					ep.Failure(err)
				} else {
					ep.Success()
				}
			}
			return res, err
		}
	}

	return Middleware{
		Name:         "CircuitBreaker",
		LocalAction:  wrap,
		RemoteAction: wrap,
	}
}
