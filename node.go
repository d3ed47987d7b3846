package molecule

import (
	"maps"
	"slices"
	"time"

	"github.com/raskyld/molecule/pkg/packet"
)

// Node is a member of the mesh as seen by the registry.
//
// Nodes handed out by the `Broker` and the `Registry` are snapshots: they
// are never mutated after being returned.
type Node struct {
	ID         string
	Local      bool
	Available  bool
	Seq        uint64
	InstanceID string
	Hostname   string
	IPList     []string
	Client     packet.ClientInfo
	Metadata   map[string]any
	CPU        float64

	LastHeartbeatTime time.Time
	OfflineSince      time.Time

	// Services as last advertised by the node.
	Services []packet.ServiceInfo

	services map[string]*ServiceItem
}

func newNode(id string) *Node {
	return &Node{
		ID:       id,
		services: make(map[string]*ServiceItem),
	}
}

func (n *Node) update(info *packet.Info, now time.Time) {
	n.Seq = info.Seq
	n.InstanceID = info.InstanceID
	n.Hostname = info.Hostname
	n.IPList = slices.Clone(info.IPList)
	n.Client = info.Client
	n.Metadata = maps.Clone(info.Metadata)
	n.Services = slices.Clone(info.Services)
	n.Available = true
	n.LastHeartbeatTime = now
	n.OfflineSince = time.Time{}
}

func (n *Node) snapshot() *Node {
	cp := *n
	cp.IPList = slices.Clone(n.IPList)
	cp.Metadata = maps.Clone(n.Metadata)
	cp.Services = slices.Clone(n.Services)
	cp.services = nil
	return &cp
}

// NodeEvent is the payload of the `$node.*` events.
type NodeEvent struct {
	Node        *Node `json:"node"`
	Unexpected  bool  `json:"unexpected,omitempty"`
	Reconnected bool  `json:"reconnected,omitempty"`
}

// Names of the node lifecycle events, broadcast locally.
const (
	EventNodeConnected    = "$node.connected"
	EventNodeUpdated      = "$node.updated"
	EventNodeDisconnected = "$node.disconnected"
	EventNodeBroken       = "$node.broken"
)
