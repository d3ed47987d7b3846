package molecule

import (
	"slices"
	"strings"
	"sync"
)

// EndpointList holds every endpoint providing one action, or one event
// group.
//
// Endpoint slices are replaced, never mutated, so readers can work on a
// snapshot without holding the lock.
type EndpointList struct {
	Name  string
	Group string

	internal    bool
	preferLocal bool
	strategy    Strategy
	env         endpointEnv

	lk        sync.RWMutex
	endpoints []*Endpoint
	local     []*Endpoint
}

func newEndpointList(name, group string, strategy Strategy, preferLocal bool, env endpointEnv) *EndpointList {
	if strategy == nil {
		strategy = &RoundRobinStrategy{}
	}
	return &EndpointList{
		Name:        name,
		Group:       group,
		internal:    strings.HasPrefix(name, "$"),
		preferLocal: preferLocal,
		strategy:    strategy,
		env:         env,
	}
}

// Add upserts the endpoint of node and svc. An existing endpoint keeps its
// circuit state and gets the new definition.
func (l *EndpointList) Add(node *Node, svc *ServiceItem, def Definition) *Endpoint {
	l.lk.Lock()
	defer l.lk.Unlock()

	for _, ep := range l.endpoints {
		if ep.NodeID == node.ID && ep.Service().FullName == svc.FullName {
			ep.update(svc, def)
			return ep
		}
	}

	ep := newEndpoint(l.env, node, svc, def)
	l.endpoints = append(slices.Clip(l.endpoints), ep)
	l.refreshLocked()
	return ep
}

func (l *EndpointList) refreshLocked() {
	var local []*Endpoint
	for _, ep := range l.endpoints {
		if ep.Local {
			local = append(local, ep)
		}
	}
	l.local = local
}

func (l *EndpointList) snapshot() (all, local []*Endpoint) {
	l.lk.RLock()
	defer l.lk.RUnlock()
	return l.endpoints, l.local
}

// Next selects the endpoint of the next call, nil when none is available.
func (l *EndpointList) Next(ctx *Context) *Endpoint {
	all, local := l.snapshot()
	if len(all) == 0 {
		return nil
	}

	if l.internal && len(local) > 0 {
		return l.pick(local, ctx)
	}

	if len(all) == 1 {
		if all[0].admit() {
			return all[0]
		}
		return nil
	}

	if l.preferLocal && hasAvailable(local) {
		if ep := l.pick(local, ctx); ep != nil {
			return ep
		}
	}

	return l.pick(all, ctx)
}

// NextLocal selects among local endpoints only.
func (l *EndpointList) NextLocal(ctx *Context) *Endpoint {
	_, local := l.snapshot()
	return l.pick(local, ctx)
}

// pick lets the strategy choose among available endpoints, then reserves
// the choice. A reservation only fails on a race with a state change, in
// which case the strategy chooses again without that endpoint.
func (l *EndpointList) pick(endpoints []*Endpoint, ctx *Context) *Endpoint {
	candidates := make([]*Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.IsAvailable() {
			candidates = append(candidates, ep)
		}
	}

	for len(candidates) > 0 {
		ep := l.strategy.Select(candidates, ctx)
		if ep == nil {
			return nil
		}
		if ep.admit() {
			return ep
		}
		candidates = slices.DeleteFunc(candidates, func(other *Endpoint) bool {
			return other == ep
		})
	}
	return nil
}

func hasAvailable(endpoints []*Endpoint) bool {
	return slices.ContainsFunc(endpoints, (*Endpoint).IsAvailable)
}

func (l *EndpointList) HasLocal() bool {
	_, local := l.snapshot()
	return len(local) > 0
}

func (l *EndpointList) HasAvailable() bool {
	all, _ := l.snapshot()
	return hasAvailable(all)
}

func (l *EndpointList) Count() int {
	all, _ := l.snapshot()
	return len(all)
}

// Endpoints returns a snapshot of the endpoints.
func (l *EndpointList) Endpoints() []*Endpoint {
	all, _ := l.snapshot()
	return slices.Clone(all)
}

// EndpointByNodeID returns and reserves the endpoint hosted on nodeID, nil
// when it does not exist or is not available.
func (l *EndpointList) EndpointByNodeID(nodeID string) *Endpoint {
	all, _ := l.snapshot()
	for _, ep := range all {
		if ep.NodeID == nodeID {
			if ep.admit() {
				return ep
			}
			return nil
		}
	}
	return nil
}

// RemoveByService drops the endpoint of svc.
func (l *EndpointList) RemoveByService(svc *ServiceItem) {
	l.removeFunc(func(ep *Endpoint) bool {
		return ep.NodeID == svc.NodeID && ep.Service().FullName == svc.FullName
	})
}

// RemoveByNodeID drops every endpoint hosted on nodeID.
func (l *EndpointList) RemoveByNodeID(nodeID string) {
	l.removeFunc(func(ep *Endpoint) bool {
		return ep.NodeID == nodeID
	})
}

func (l *EndpointList) removeFunc(match func(*Endpoint) bool) {
	l.lk.Lock()
	var removed []*Endpoint
	kept := make([]*Endpoint, 0, len(l.endpoints))
	for _, ep := range l.endpoints {
		if match(ep) {
			removed = append(removed, ep)
		} else {
			kept = append(kept, ep)
		}
	}
	if len(removed) > 0 {
		l.endpoints = kept
		l.refreshLocked()
	}
	l.lk.Unlock()

	for _, ep := range removed {
		ep.destroy()
	}
}
