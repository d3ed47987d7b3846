package molecule

import (
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/raskyld/molecule/pkg/packet"
)

// Handler serves an action.
type Handler func(ctx *Context) (any, error)

// EventHandler serves an event.
type EventHandler func(ctx *Context) error

// Service is the definition of a service hosted by a broker.
type Service struct {
	Name     string
	Version  string
	Settings map[string]any
	Metadata map[string]any

	// Dependencies are services (full names) that must be available before
	// `Started` is called.
	Dependencies []string

	Actions []Action
	Events  []Event

	// Methods are helpers private to the service. `FallbackMethod` resolves
	// its name here.
	Methods map[string]any

	Created func(b *Broker) error
	Started func(ctx *Context) error
	Stopped func(ctx *Context) error
}

// Action of a service. Policies left nil inherit the broker defaults.
type Action struct {
	Name    string
	Handler Handler

	// Timeout of the action, zero inherits the broker default.
	Timeout        time.Duration
	Retry          *RetryPolicy
	Bulkhead       *BulkheadPolicy
	CircuitBreaker *CircuitBreakerPolicy
	Fallback       Fallback
}

// Event listener of a service. Group defaults to the service name.
type Event struct {
	Name     string
	Group    string
	Handler  EventHandler
	Bulkhead *BulkheadPolicy
}

// FullName is `v<version>.<name>` for numeric versions,
// `<version>.<name>` for other versions and the bare name otherwise.
func FullName(name, version string) string {
	if version == "" {
		return name
	}
	if _, err := strconv.Atoi(version); err == nil {
		return "v" + version + "." + name
	}
	return version + "." + name
}

func (svc *Service) validate() error {
	if svc.Name == "" {
		return fmt.Errorf("%w: service without a name", ErrServiceInvalid)
	}
	seen := make(map[string]struct{}, len(svc.Actions))
	for _, act := range svc.Actions {
		if act.Name == "" || act.Handler == nil {
			return fmt.Errorf("%w: action of %q needs a name and a handler", ErrServiceInvalid, svc.Name)
		}
		if _, dup := seen[act.Name]; dup {
			return fmt.Errorf("%w: action %q declared twice in %q", ErrServiceInvalid, act.Name, svc.Name)
		}
		seen[act.Name] = struct{}{}
	}
	for _, ev := range svc.Events {
		if ev.Name == "" || ev.Handler == nil {
			return fmt.Errorf("%w: event of %q needs a name and a handler", ErrServiceInvalid, svc.Name)
		}
	}
	return nil
}

// ServiceItem is a service living on a node, local or remote.
type ServiceItem struct {
	Name     string
	Version  string
	FullName string
	NodeID   string
	Local    bool
	Settings map[string]any
	Metadata map[string]any

	actions map[string]*ActionDef
	events  map[string]*EventDef
	methods map[string]any

	// schema is only set for local services.
	schema *Service
}

func newServiceItem(nodeID string, local bool, name, version string) *ServiceItem {
	return &ServiceItem{
		Name:     name,
		Version:  version,
		FullName: FullName(name, version),
		NodeID:   nodeID,
		Local:    local,
		actions:  make(map[string]*ActionDef),
		events:   make(map[string]*EventDef),
	}
}

func (svc *ServiceItem) info() packet.ServiceInfo {
	info := packet.ServiceInfo{
		Name:     svc.Name,
		Version:  svc.Version,
		FullName: svc.FullName,
		Settings: maps.Clone(svc.Settings),
		Metadata: maps.Clone(svc.Metadata),
		Actions:  make(map[string]packet.ActionInfo, len(svc.actions)),
		Events:   make(map[string]packet.EventInfo, len(svc.events)),
	}
	for name, def := range svc.actions {
		info.Actions[name] = def.Info()
	}
	for _, def := range svc.events {
		info.Events[def.Name] = packet.EventInfo{Name: def.Name, Group: def.Group}
	}
	return info
}

// Definition is an `*ActionDef` or an `*EventDef`.
type Definition interface {
	definitionName() string
}

// ActionDef is an action with its policies resolved against the broker
// defaults and its middleware chain composed.
type ActionDef struct {
	Name    string
	RawName string
	Service *ServiceItem
	Remote  bool

	Timeout        time.Duration
	Retry          RetryPolicy
	Bulkhead       BulkheadPolicy
	CircuitBreaker CircuitBreakerPolicy
	Fallback       Fallback

	handler Handler
}

func (def *ActionDef) definitionName() string { return def.Name }

// Info is the advertised part of the definition.
func (def *ActionDef) Info() packet.ActionInfo {
	info := packet.ActionInfo{
		Name:    def.Name,
		RawName: def.RawName,
		Timeout: def.Timeout.Milliseconds(),
	}
	if def.Retry.Enabled {
		info.Retry = &packet.RetryInfo{
			Enabled:  true,
			Retries:  def.Retry.Retries,
			Delay:    def.Retry.Delay.Milliseconds(),
			MaxDelay: def.Retry.MaxDelay.Milliseconds(),
			Factor:   def.Retry.Factor,
		}
	}
	if def.CircuitBreaker.Enabled {
		cb := def.CircuitBreaker
		info.CircuitBreaker = &packet.CircuitBreakerInfo{
			Enabled:          true,
			MaxFailures:      cb.MaxFailures,
			Threshold:        cb.Threshold,
			WindowTime:       cb.WindowTime.Milliseconds(),
			MinRequestCount:  cb.MinRequestCount,
			HalfOpenTime:     cb.HalfOpenTime.Milliseconds(),
			FailureOnTimeout: cb.FailureOnTimeout,
			FailureOnReject:  cb.FailureOnReject,
		}
	}
	return info
}

// EventDef is an event listener with its middleware chain composed.
type EventDef struct {
	Name     string
	Group    string
	Service  *ServiceItem
	Remote   bool
	Bulkhead BulkheadPolicy

	handler EventHandler
}

func (def *EventDef) definitionName() string { return def.Name }

func eventKey(name, group string) string {
	return name + "\x00" + group
}

// resolveAction merges a local action with the broker defaults.
func (cfg *config) resolveAction(svc *ServiceItem, act Action) *ActionDef {
	def := &ActionDef{
		Name:           svc.FullName + "." + act.Name,
		RawName:        act.Name,
		Service:        svc,
		Timeout:        act.Timeout,
		Retry:          cfg.retry,
		Bulkhead:       cfg.bulkhead,
		CircuitBreaker: cfg.circuitBreaker,
		Fallback:       act.Fallback,
	}
	if act.Retry != nil {
		def.Retry = act.Retry.withDefaults(cfg.retry)
	}
	if act.Bulkhead != nil {
		def.Bulkhead = act.Bulkhead.withDefaults(cfg.bulkhead)
	}
	if act.CircuitBreaker != nil {
		def.CircuitBreaker = act.CircuitBreaker.withDefaults(cfg.circuitBreaker)
	}
	return def
}

// resolveRemoteAction builds the caller-side definition of an action
// advertised by another node. Policies the remote side advertises win over
// the local defaults.
func (cfg *config) resolveRemoteAction(svc *ServiceItem, info packet.ActionInfo) *ActionDef {
	def := &ActionDef{
		Name:           info.Name,
		RawName:        info.RawName,
		Service:        svc,
		Remote:         true,
		Timeout:        time.Duration(info.Timeout) * time.Millisecond,
		Retry:          cfg.retry,
		CircuitBreaker: cfg.circuitBreaker,
	}
	if r := info.Retry; r != nil {
		def.Retry = RetryPolicy{
			Enabled:  r.Enabled,
			Retries:  r.Retries,
			Delay:    time.Duration(r.Delay) * time.Millisecond,
			MaxDelay: time.Duration(r.MaxDelay) * time.Millisecond,
			Factor:   r.Factor,
		}.withDefaults(cfg.retry)
	}
	if cb := info.CircuitBreaker; cb != nil {
		def.CircuitBreaker = CircuitBreakerPolicy{
			Enabled:          cb.Enabled,
			MaxFailures:      cb.MaxFailures,
			Threshold:        cb.Threshold,
			WindowTime:       time.Duration(cb.WindowTime) * time.Millisecond,
			MinRequestCount:  cb.MinRequestCount,
			HalfOpenTime:     time.Duration(cb.HalfOpenTime) * time.Millisecond,
			FailureOnTimeout: cb.FailureOnTimeout,
			FailureOnReject:  cb.FailureOnReject,
		}.withDefaults(cfg.circuitBreaker)
	}
	return def
}

func (cfg *config) resolveEvent(svc *ServiceItem, ev Event) *EventDef {
	group := ev.Group
	if group == "" {
		group = svc.Name
	}
	def := &EventDef{
		Name:     ev.Name,
		Group:    group,
		Service:  svc,
		Bulkhead: cfg.bulkhead,
	}
	if ev.Bulkhead != nil {
		def.Bulkhead = ev.Bulkhead.withDefaults(cfg.bulkhead)
	}
	return def
}
