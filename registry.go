package molecule

import (
	"log/slog"
	"maps"
	"os"
	"path"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/raskyld/molecule/pkg/packet"
)

// Version of the library, advertised to other nodes.
const Version = "0.1.0"

// Registry knows every node of the mesh and what they serve.
//
// Mutations are serialized by a mutex. The action and event catalogs are
// immutable radix trees swapped atomically, so call routing never waits on
// a registry update.
type Registry struct {
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink
	env    endpointEnv

	// emit broadcasts lifecycle events to local listeners.
	emit func(event string, payload any)

	// remoteAction builds the caller-side definition of a remote action,
	// handler chain included.
	remoteAction func(svc *ServiceItem, info packet.ActionInfo) *ActionDef

	lk    sync.Mutex
	local *Node
	nodes map[string]*Node

	actions atomic.Pointer[iradix.Tree]
	events  atomic.Pointer[iradix.Tree]
}

func newRegistry(
	local *Node,
	cfg *config,
	logger *slog.Logger,
	msink metrics.MetricSink,
	env endpointEnv,
	emit func(string, any),
	remoteAction func(*ServiceItem, packet.ActionInfo) *ActionDef,
) *Registry {
	r := &Registry{
		cfg:          cfg,
		logger:       logger,
		msink:        msink,
		env:          env,
		emit:         emit,
		remoteAction: remoteAction,
		local:        local,
		nodes:        map[string]*Node{local.ID: local},
	}
	r.actions.Store(iradix.New())
	r.events.Store(iradix.New())
	return r
}

// newLocalNode describes the node running the broker.
func newLocalNode(id string, metadata map[string]any) *Node {
	node := newNode(id)
	node.Local = true
	node.Available = true
	node.InstanceID = newID()
	node.Hostname, _ = os.Hostname()
	node.IPList = localIPs()
	node.Metadata = metadata
	node.LastHeartbeatTime = time.Now()
	node.Client = packet.ClientInfo{
		Type:        "go",
		Version:     Version,
		LangVersion: runtime.Version(),
	}
	return node
}

// localIPs lists the private addresses of the host, or its public ones when
// it has none.
func localIPs() []string {
	ips, err := sockaddr.GetPrivateIPs()
	if err != nil || ips == "" {
		ips, _ = sockaddr.GetPublicIPs()
	}
	return strings.Fields(ips)
}

func (r *Registry) newStrategy() Strategy {
	strategy, err := r.cfg.strategies.Resolve(r.cfg.strategy, r.cfg.strategyOpts)
	if err != nil {
		r.logger.Error(
			"cannot build strategy, falling back to round-robin",
			slog.String("strategy", r.cfg.strategy),
			LabelError.L(err),
		)
		return &RoundRobinStrategy{}
	}
	return strategy
}

func (r *Registry) actionListLocked(name string) *EndpointList {
	tree := r.actions.Load()
	if v, ok := tree.Get([]byte(name)); ok {
		return v.(*EndpointList)
	}
	list := newEndpointList(name, "", r.newStrategy(), r.cfg.preferLocal, r.env)
	tree, _, _ = tree.Insert([]byte(name), list)
	r.actions.Store(tree)
	return list
}

func (r *Registry) eventListLocked(name, group string) *EndpointList {
	key := []byte(eventKey(name, group))
	tree := r.events.Load()
	if v, ok := tree.Get(key); ok {
		return v.(*EndpointList)
	}
	list := newEndpointList(name, group, r.newStrategy(), r.cfg.preferLocal, r.env)
	tree, _, _ = tree.Insert(key, list)
	r.events.Store(tree)
	return list
}

func (r *Registry) eventList(name, group string) *EndpointList {
	v, ok := r.events.Load().Get([]byte(eventKey(name, group)))
	if !ok {
		return nil
	}
	return v.(*EndpointList)
}

// ActionEndpoints returns the endpoint list of an action, nil when the
// action was never seen.
func (r *Registry) ActionEndpoints(name string) *EndpointList {
	v, ok := r.actions.Load().Get([]byte(name))
	if !ok {
		return nil
	}
	return v.(*EndpointList)
}

// EventEndpoints returns the endpoint lists, one per group, listening to
// event. Listener names may hold wildcards: `*` matches one dot-separated
// segment, `**` any number of them.
func (r *Registry) EventEndpoints(event string) []*EndpointList {
	var lists []*EndpointList
	r.events.Load().Root().Walk(func(_ []byte, v interface{}) bool {
		list := v.(*EndpointList)
		if matchEvent(event, list.Name) {
			lists = append(lists, list)
		}
		return false
	})
	return lists
}

func matchEvent(name, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return name == pattern
	}
	return matchSegments(strings.Split(name, "."), strings.Split(pattern, "."))
}

func matchSegments(name, pattern []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchSegments(name[i:], pattern[1:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], name[0]); !ok {
			return false
		}
		name, pattern = name[1:], pattern[1:]
	}
	return len(name) == 0
}

// RegisterLocalService makes svc callable.
func (r *Registry) RegisterLocalService(svc *ServiceItem) error {
	r.lk.Lock()
	defer r.lk.Unlock()

	if _, dup := r.local.services[svc.FullName]; dup {
		return ErrServiceDuplicate
	}
	r.local.services[svc.FullName] = svc
	for _, def := range svc.actions {
		r.actionListLocked(def.Name).Add(r.local, svc, def)
	}
	for _, def := range svc.events {
		r.eventListLocked(def.Name, def.Group).Add(r.local, svc, def)
	}
	r.bumpLocalLocked()
	return nil
}

// UnregisterLocalService removes a local service and its endpoints.
func (r *Registry) UnregisterLocalService(fullName string) bool {
	r.lk.Lock()
	defer r.lk.Unlock()

	svc, ok := r.local.services[fullName]
	if !ok {
		return false
	}
	r.removeServiceLocked(svc)
	delete(r.local.services, fullName)
	r.bumpLocalLocked()
	return true
}

func (r *Registry) bumpLocalLocked() {
	r.local.Seq++
	r.local.Services = r.local.Services[:0:0]
	for _, svc := range r.sortedServices(r.local) {
		r.local.Services = append(r.local.Services, svc.info())
	}
}

func (r *Registry) sortedServices(node *Node) []*ServiceItem {
	return slices.SortedFunc(maps.Values(node.services), func(a, b *ServiceItem) int {
		return strings.Compare(a.FullName, b.FullName)
	})
}

func (r *Registry) removeServiceLocked(svc *ServiceItem) {
	for name := range svc.actions {
		if list := r.ActionEndpoints(name); list != nil {
			list.RemoveByService(svc)
		}
	}
	for _, def := range svc.events {
		if list := r.eventList(def.Name, def.Group); list != nil {
			list.RemoveByService(svc)
		}
	}
}

// LocalNodeInfo is the INFO payload of the local node.
func (r *Registry) LocalNodeInfo() *packet.Info {
	r.lk.Lock()
	defer r.lk.Unlock()
	return &packet.Info{
		Services:   slices.Clone(r.local.Services),
		IPList:     slices.Clone(r.local.IPList),
		Hostname:   r.local.Hostname,
		Client:     r.local.Client,
		Seq:        r.local.Seq,
		InstanceID: r.local.InstanceID,
		Metadata:   maps.Clone(r.local.Metadata),
	}
}

// ProcessNodeInfo registers or refreshes a remote node from its INFO. An
// INFO older than the last one seen from the same instance is ignored.
func (r *Registry) ProcessNodeInfo(nodeID string, info *packet.Info) {
	if nodeID == r.local.ID || info == nil {
		return
	}

	now := time.Now()
	r.lk.Lock()
	node, known := r.nodes[nodeID]
	var (
		event       string
		reconnected bool
	)
	switch {
	case !known:
		node = newNode(nodeID)
		r.nodes[nodeID] = node
		event = EventNodeConnected
	case !node.Available:
		event = EventNodeConnected
		reconnected = true
	case info.InstanceID != node.InstanceID:
		// The process restarted without us noticing its departure.
		r.removeNodeServicesLocked(node)
		event = EventNodeUpdated
	case info.Seq > node.Seq:
		event = EventNodeUpdated
	default:
		node.LastHeartbeatTime = now
		r.lk.Unlock()
		return
	}

	node.update(info, now)
	r.syncServicesLocked(node, info.Services)
	snapshot := node.snapshot()
	r.lk.Unlock()

	r.reportNodes()
	if event == EventNodeConnected {
		r.logger.Info(
			"node connected",
			LabelNodeID.L(nodeID),
			slog.Bool("reconnected", reconnected),
		)
	} else {
		r.logger.Debug("node updated", LabelNodeID.L(nodeID), slog.Uint64("seq", info.Seq))
	}
	r.emit(event, NodeEvent{Node: snapshot, Reconnected: reconnected})
}

// syncServicesLocked reconciles the endpoints of a remote node with what it
// advertises.
func (r *Registry) syncServicesLocked(node *Node, infos []packet.ServiceInfo) {
	seen := make(map[string]struct{}, len(infos))
	for _, si := range infos {
		fullName := si.FullName
		if fullName == "" {
			fullName = FullName(si.Name, si.Version)
		}
		seen[fullName] = struct{}{}

		svc, ok := node.services[fullName]
		if !ok {
			svc = newServiceItem(node.ID, false, si.Name, si.Version)
			svc.FullName = fullName
			node.services[fullName] = svc
		}
		svc.Settings = si.Settings
		svc.Metadata = si.Metadata

		actions := make(map[string]*ActionDef, len(si.Actions))
		for name, ai := range si.Actions {
			if ai.Name == "" {
				ai.Name = name
			}
			def := r.remoteAction(svc, ai)
			r.actionListLocked(def.Name).Add(node, svc, def)
			actions[def.Name] = def
		}
		for name := range svc.actions {
			if _, ok := actions[name]; !ok {
				if list := r.ActionEndpoints(name); list != nil {
					list.RemoveByService(svc)
				}
			}
		}
		svc.actions = actions

		events := make(map[string]*EventDef, len(si.Events))
		for name, ei := range si.Events {
			if ei.Name == "" {
				ei.Name = name
			}
			group := ei.Group
			if group == "" {
				group = si.Name
			}
			def := &EventDef{Name: ei.Name, Group: group, Service: svc, Remote: true}
			r.eventListLocked(def.Name, def.Group).Add(node, svc, def)
			events[eventKey(def.Name, def.Group)] = def
		}
		for key, def := range svc.events {
			if _, ok := events[key]; !ok {
				if list := r.eventList(def.Name, def.Group); list != nil {
					list.RemoveByService(svc)
				}
			}
		}
		svc.events = events
	}

	for fullName, svc := range node.services {
		if _, ok := seen[fullName]; !ok {
			r.removeServiceLocked(svc)
			delete(node.services, fullName)
		}
	}
}

func (r *Registry) removeNodeServicesLocked(node *Node) {
	for _, svc := range node.services {
		r.removeServiceLocked(svc)
	}
	clear(node.services)
}

// NodeDisconnected marks a node unavailable and removes its endpoints. The
// node record is kept so a reconnection is cheap.
func (r *Registry) NodeDisconnected(nodeID string, unexpected bool) {
	r.lk.Lock()
	node, ok := r.nodes[nodeID]
	if !ok || node.Local || !node.Available {
		r.lk.Unlock()
		return
	}
	node.Available = false
	node.OfflineSince = time.Now()
	r.removeNodeServicesLocked(node)
	snapshot := node.snapshot()
	r.lk.Unlock()

	r.reportNodes()
	event := EventNodeDisconnected
	if unexpected {
		event = EventNodeBroken
		r.logger.Warn("node disconnected unexpectedly", LabelNodeID.L(nodeID))
	} else {
		r.logger.Info("node disconnected", LabelNodeID.L(nodeID))
	}
	r.emit(event, NodeEvent{Node: snapshot, Unexpected: unexpected})
}

// Heartbeat refreshes the liveness of a node. It returns false when the
// node is unknown or offline, the caller should then ask for its INFO.
func (r *Registry) Heartbeat(nodeID string, hb *packet.Heartbeat) bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok || !node.Available {
		return false
	}
	node.LastHeartbeatTime = time.Now()
	if hb != nil {
		node.CPU = hb.CPU
	}
	return true
}

// CheckRemoteNodes disconnects nodes silent for longer than timeout and
// returns their IDs.
func (r *Registry) CheckRemoteNodes(timeout time.Duration) []string {
	now := time.Now()
	var expired []string
	r.lk.Lock()
	for id, node := range r.nodes {
		if node.Local || !node.Available {
			continue
		}
		if now.Sub(node.LastHeartbeatTime) > timeout {
			expired = append(expired, id)
		}
	}
	r.lk.Unlock()

	for _, id := range expired {
		r.logger.Warn("heartbeat timeout", LabelNodeID.L(id), LabelDuration.L(timeout))
		r.NodeDisconnected(id, true)
	}
	return expired
}

// CheckOfflineNodes forgets nodes offline for longer than timeout and
// returns their IDs.
func (r *Registry) CheckOfflineNodes(timeout time.Duration) []string {
	now := time.Now()
	var purged []string
	r.lk.Lock()
	for id, node := range r.nodes {
		if node.Local || node.Available {
			continue
		}
		if now.Sub(node.OfflineSince) > timeout {
			delete(r.nodes, id)
			purged = append(purged, id)
		}
	}
	r.lk.Unlock()

	for _, id := range purged {
		r.logger.Debug("forgetting offline node", LabelNodeID.L(id))
	}
	return purged
}

// disconnectAll marks every remote node unavailable, without events.
func (r *Registry) disconnectAll() {
	r.lk.Lock()
	defer r.lk.Unlock()
	for _, node := range r.nodes {
		if node.Local || !node.Available {
			continue
		}
		node.Available = false
		node.OfflineSince = time.Now()
		r.removeNodeServicesLocked(node)
	}
}

func (r *Registry) reportNodes() {
	r.lk.Lock()
	available := 0
	for _, node := range r.nodes {
		if node.Available {
			available++
		}
	}
	r.lk.Unlock()
	r.msink.SetGaugeWithLabels(MetricRegistryNodes, float32(available), r.cfg.metricLabels)
}

// Node returns a snapshot of a node, nil when unknown.
func (r *Registry) Node(nodeID string) *Node {
	r.lk.Lock()
	defer r.lk.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return nil
	}
	return node.snapshot()
}

// Nodes returns snapshots of every known node, sorted by ID.
func (r *Registry) Nodes() []*Node {
	r.lk.Lock()
	defer r.lk.Unlock()
	nodes := make([]*Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node.snapshot())
	}
	slices.SortFunc(nodes, func(a, b *Node) int {
		return strings.Compare(a.ID, b.ID)
	})
	return nodes
}

// ServiceSummary describes a service on one node.
type ServiceSummary struct {
	Name     string   `json:"name"`
	Version  string   `json:"version,omitempty"`
	FullName string   `json:"fullName"`
	NodeID   string   `json:"nodeID"`
	Local    bool     `json:"local"`
	Actions  []string `json:"actions"`
	Events   []string `json:"events"`
}

// Services lists the services of every available node.
func (r *Registry) Services() []ServiceSummary {
	r.lk.Lock()
	defer r.lk.Unlock()
	var out []ServiceSummary
	for _, node := range r.nodes {
		if !node.Available {
			continue
		}
		for _, svc := range r.sortedServices(node) {
			sum := ServiceSummary{
				Name:     svc.Name,
				Version:  svc.Version,
				FullName: svc.FullName,
				NodeID:   node.ID,
				Local:    node.Local,
				Actions:  slices.Sorted(maps.Keys(svc.actions)),
			}
			for _, def := range svc.events {
				sum.Events = append(sum.Events, def.Name)
			}
			slices.Sort(sum.Events)
			out = append(out, sum)
		}
	}
	slices.SortFunc(out, func(a, b ServiceSummary) int {
		if c := strings.Compare(a.FullName, b.FullName); c != 0 {
			return c
		}
		return strings.Compare(a.NodeID, b.NodeID)
	})
	return out
}

// ActionSummary describes an action across the mesh.
type ActionSummary struct {
	Name      string   `json:"name"`
	Available bool     `json:"available"`
	HasLocal  bool     `json:"hasLocal"`
	NodeIDs   []string `json:"nodeIDs"`
}

// Actions lists actions whose name starts with prefix, in lexical order.
func (r *Registry) Actions(prefix string) []ActionSummary {
	var out []ActionSummary
	r.actions.Load().Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		list := v.(*EndpointList)
		if list.Count() == 0 {
			return false
		}
		sum := ActionSummary{
			Name:      list.Name,
			Available: list.HasAvailable(),
			HasLocal:  list.HasLocal(),
		}
		for _, ep := range list.Endpoints() {
			sum.NodeIDs = append(sum.NodeIDs, ep.NodeID)
		}
		out = append(out, sum)
		return false
	})
	return out
}

// EventSummary describes an event group across the mesh.
type EventSummary struct {
	Name    string   `json:"name"`
	Group   string   `json:"group"`
	NodeIDs []string `json:"nodeIDs"`
}

// Events lists event listeners whose name starts with prefix.
func (r *Registry) Events(prefix string) []EventSummary {
	var out []EventSummary
	r.events.Load().Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		list := v.(*EndpointList)
		if list.Count() == 0 {
			return false
		}
		sum := EventSummary{Name: list.Name, Group: list.Group}
		for _, ep := range list.Endpoints() {
			sum.NodeIDs = append(sum.NodeIDs, ep.NodeID)
		}
		out = append(out, sum)
		return false
	})
	return out
}
