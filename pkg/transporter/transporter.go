// Package transporter defines how a broker exchanges serialized packets with
// the other nodes of the mesh. Implementations live in sub-packages.
package transporter

import (
	"context"
	"errors"
	"strings"

	"github.com/raskyld/molecule/pkg/packet"
)

var (
	ErrNotConnected     = errors.New("transporter: not connected")
	ErrAlreadyConnected = errors.New("transporter: already connected")
	ErrUnknownTopic     = errors.New("transporter: message on unknown topic")
	ErrUnknownPeer      = errors.New("transporter: unknown peer")
	ErrInvalidFrame     = errors.New("transporter: invalid frame")
)

// DefaultPrefix of topic names.
const DefaultPrefix = "MOL"

// Message is one serialized packet. Target is the destination node ID,
// empty for broadcasts.
type Message struct {
	Type   packet.Type
	Target string
	Data   []byte
}

// Handler receives inbound messages. Implementations MUST call it
// sequentially for a given peer so ordering per sender is preserved.
type Handler func(msg Message)

// Transporter is the contract between transit and the wire.
//
// Publish MUST NOT block waiting for the remote side to process the
// message, only for it to be handed to the network.
type Transporter interface {
	Connect(ctx context.Context, nodeID string, handler Handler) error
	Publish(ctx context.Context, msg Message) error
	Disconnect(ctx context.Context) error
}

// MembershipNotifier is implemented by transporters that detect peer
// failures on their own (e.g. gossip based ones). The callback receives the
// ID of a node that left without saying goodbye.
type MembershipNotifier interface {
	OnPeerLeft(fn func(nodeID string))
}

// Subscription is one topic a node listens on.
type Subscription struct {
	Type   packet.Type
	NodeID string
}

// Subscriptions lists the topics a node must listen on: broadcast topics
// for discovery and liveness, and node-specific topics for everything
// targeted.
func Subscriptions(nodeID string) []Subscription {
	return []Subscription{
		{Type: packet.TypeEvent, NodeID: nodeID},
		{Type: packet.TypeRequest, NodeID: nodeID},
		{Type: packet.TypeResponse, NodeID: nodeID},
		{Type: packet.TypeDiscover},
		{Type: packet.TypeDiscover, NodeID: nodeID},
		{Type: packet.TypeInfo},
		{Type: packet.TypeInfo, NodeID: nodeID},
		{Type: packet.TypeDisconnect},
		{Type: packet.TypeHeartbeat},
		{Type: packet.TypePing},
		{Type: packet.TypePing, NodeID: nodeID},
		{Type: packet.TypePong, NodeID: nodeID},
	}
}

// Topic builds a topic name such as `MOL.REQ.node-1`.
func Topic(prefix, sep string, t packet.Type, nodeID string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	parts := []string{prefix, string(t)}
	if nodeID != "" {
		parts = append(parts, nodeID)
	}
	return strings.Join(parts, sep)
}

// TopicIndex resolves topic names back to packet types.
type TopicIndex map[string]packet.Type

// NewTopicIndex indexes the topics of subs.
func NewTopicIndex(prefix, sep string, subs []Subscription) TopicIndex {
	idx := make(TopicIndex, len(subs))
	for _, sub := range subs {
		idx[Topic(prefix, sep, sub.Type, sub.NodeID)] = sub.Type
	}
	return idx
}

// Topics returns the indexed topic names.
func (idx TopicIndex) Topics() []string {
	topics := make([]string, 0, len(idx))
	for topic := range idx {
		topics = append(topics, topic)
	}
	return topics
}

// Lookup returns the packet type carried on topic.
func (idx TopicIndex) Lookup(topic string) (packet.Type, error) {
	t, ok := idx[topic]
	if !ok {
		return "", ErrUnknownTopic
	}
	return t, nil
}

// PublishTopic is the topic a message must be published on.
func PublishTopic(prefix, sep string, msg Message) string {
	return Topic(prefix, sep, msg.Type, msg.Target)
}
