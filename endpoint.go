package molecule

import (
	"sync"
	"time"
)

// CircuitState of an endpoint.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// endpointEnv is what endpoints need from their owner to run the circuit
// breaker: a scheduler for half-open timers and a sink for state changes.
// Both are optional.
type endpointEnv struct {
	sched  *Scheduler
	notify func(state CircuitState, ev CircuitBreakerEvent)
}

// Endpoint binds an action or event to the node and service providing it.
// Action endpoints carry a circuit breaker.
type Endpoint struct {
	NodeID string
	Local  bool

	env endpointEnv

	lk       sync.Mutex
	service  *ServiceItem
	action   *ActionDef
	event    *EventDef
	state    CircuitState
	failures int

	// Window counters are reset lazily when a new outcome arrives after
	// WindowTime elapsed.
	winStart    time.Time
	winRequests int
	winFailures int

	// trial is set while the single HALF_OPEN probe is in flight.
	trial     bool
	gen       uint64
	halfOpen  *Task
	destroyed bool
}

func newEndpoint(env endpointEnv, node *Node, svc *ServiceItem, def Definition) *Endpoint {
	ep := &Endpoint{
		NodeID:   node.ID,
		Local:    node.Local,
		env:      env,
		service:  svc,
		winStart: time.Now(),
	}
	ep.setDefinition(def)
	return ep
}

func (ep *Endpoint) setDefinition(def Definition) {
	switch d := def.(type) {
	case *ActionDef:
		ep.action = d
	case *EventDef:
		ep.event = d
	}
}

// Name of the action or event.
func (ep *Endpoint) Name() string {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.action != nil {
		return ep.action.Name
	}
	if ep.event != nil {
		return ep.event.Name
	}
	return ""
}

func (ep *Endpoint) Service() *ServiceItem {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return ep.service
}

func (ep *Endpoint) Action() *ActionDef {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return ep.action
}

func (ep *Endpoint) Event() *EventDef {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return ep.event
}

// State of the circuit breaker.
func (ep *Endpoint) State() CircuitState {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return ep.state
}

// Failures is the number of consecutive qualifying failures.
func (ep *Endpoint) Failures() int {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return ep.failures
}

// IsAvailable reports whether the endpoint can receive a call. A half-open
// endpoint is available until its trial call is admitted.
func (ep *Endpoint) IsAvailable() bool {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return ep.availableLocked()
}

func (ep *Endpoint) availableLocked() bool {
	if ep.destroyed {
		return false
	}
	switch ep.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		return !ep.trial
	default:
		return false
	}
}

// admit reserves the endpoint for a call. It only fails when the endpoint
// became unavailable since it was selected, or when the half-open trial
// slot was taken.
func (ep *Endpoint) admit() bool {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if !ep.availableLocked() {
		return false
	}
	if ep.state == CircuitHalfOpen {
		ep.trial = true
	}
	return true
}

func (ep *Endpoint) policyLocked() CircuitBreakerPolicy {
	if ep.action == nil {
		return CircuitBreakerPolicy{}
	}
	return ep.action.CircuitBreaker
}

// Success records a successful call.
func (ep *Endpoint) Success() {
	ep.record(false)
}

// Failure records a failed call. Errors which do not qualify under the
// action's policy leave the counters and the state untouched, they only
// give the half-open trial slot back.
func (ep *Endpoint) Failure(err error) {
	ep.lk.Lock()
	if !ep.policyLocked().qualifies(err) {
		ep.trial = false
		ep.lk.Unlock()
		return
	}
	ep.lk.Unlock()
	ep.record(true)
}

func (ep *Endpoint) record(failed bool) {
	ep.lk.Lock()
	policy := ep.policyLocked()
	if !policy.Enabled || ep.destroyed {
		ep.trial = false
		ep.lk.Unlock()
		return
	}

	now := time.Now()
	if policy.WindowTime > 0 && now.Sub(ep.winStart) >= policy.WindowTime {
		ep.resetWindowLocked(now)
	}
	ep.winRequests++
	wasTrial := ep.trial
	ep.trial = false

	var (
		changed bool
		state   CircuitState
	)
	if failed {
		ep.failures++
		ep.winFailures++
		switch ep.state {
		case CircuitClosed:
			if policy.trips(ep.failures, ep.winRequests, ep.winFailures) {
				ep.openLocked(policy)
				changed, state = true, CircuitOpen
			}
		case CircuitHalfOpen:
			if wasTrial {
				ep.openLocked(policy)
				changed, state = true, CircuitOpen
			}
		}
	} else {
		ep.failures = 0
		if ep.state == CircuitHalfOpen && wasTrial {
			ep.state = CircuitClosed
			ep.resetWindowLocked(now)
			changed, state = true, CircuitClosed
		}
	}

	ev := ep.eventLocked(state)
	ep.lk.Unlock()

	if changed {
		ep.emit(state, ev)
	}
}

func (ep *Endpoint) resetWindowLocked(now time.Time) {
	ep.winStart = now
	ep.winRequests = 0
	ep.winFailures = 0
}

// openLocked trips the circuit and arms the half-open timer. The timer is
// bound to the generation it was armed for, so a stale one is a no-op.
func (ep *Endpoint) openLocked(policy CircuitBreakerPolicy) {
	ep.state = CircuitOpen
	ep.trial = false
	ep.gen++
	ep.halfOpen.Cancel()
	ep.halfOpen = nil

	if ep.env.sched == nil {
		return
	}
	gen := ep.gen
	ep.halfOpen = ep.env.sched.After(policy.HalfOpenTime, func() {
		ep.toHalfOpen(gen)
	})
}

func (ep *Endpoint) toHalfOpen(gen uint64) {
	ep.lk.Lock()
	if ep.destroyed || ep.state != CircuitOpen || ep.gen != gen {
		ep.lk.Unlock()
		return
	}
	ep.state = CircuitHalfOpen
	ep.trial = false
	ep.halfOpen = nil
	ev := ep.eventLocked(CircuitHalfOpen)
	ep.lk.Unlock()

	ep.emit(CircuitHalfOpen, ev)
}

func (ep *Endpoint) eventLocked(state CircuitState) CircuitBreakerEvent {
	ev := CircuitBreakerEvent{
		NodeID:   ep.NodeID,
		Failures: ep.failures,
		State:    state,
	}
	if ep.action != nil {
		ev.Action = ep.action.Name
	}
	return ev
}

func (ep *Endpoint) emit(state CircuitState, ev CircuitBreakerEvent) {
	if ep.env.notify != nil {
		ep.env.notify(state, ev)
	}
}

// update swaps the definition in place, keeping circuit state unless the
// new definition disables the breaker.
func (ep *Endpoint) update(svc *ServiceItem, def Definition) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	ep.service = svc
	ep.setDefinition(def)
	if !ep.policyLocked().Enabled && ep.state != CircuitClosed {
		ep.gen++
		ep.halfOpen.Cancel()
		ep.halfOpen = nil
		ep.state = CircuitClosed
		ep.trial = false
		ep.failures = 0
	}
}

// destroy makes the endpoint permanently unavailable and cancels its
// timer.
func (ep *Endpoint) destroy() {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	ep.destroyed = true
	ep.halfOpen.Cancel()
	ep.halfOpen = nil
}

// actionHandler is the composed chain a call through this endpoint runs.
func (ep *Endpoint) actionHandler() Handler {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.action == nil {
		return nil
	}
	return ep.action.handler
}

func (ep *Endpoint) eventHandler() EventHandler {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.event == nil {
		return nil
	}
	return ep.event.handler
}
