// Package packet defines the messages nodes exchange over a transporter and
// the serializers turning them into bytes.
package packet

import (
	"errors"
	"fmt"
	"reflect"
)

// ProtocolVersion is stamped on every outbound packet.
const ProtocolVersion = "4"

var (
	ErrUnknownType = errors.New("packet: unknown packet type")
	ErrVersion     = errors.New("packet: protocol version mismatch")
	ErrNoSender    = errors.New("packet: missing sender")
	ErrPayload     = errors.New("packet: payload does not match packet type")
)

// Type of a packet, also used by transporters to build topic names.
type Type string

const (
	TypeDiscover   Type = "DISCOVER"
	TypeInfo       Type = "INFO"
	TypeHeartbeat  Type = "HEARTBEAT"
	TypeDisconnect Type = "DISCONNECT"
	TypeRequest    Type = "REQ"
	TypeResponse   Type = "RES"
	TypeEvent      Type = "EVENT"
	TypePing       Type = "PING"
	TypePong       Type = "PONG"
)

// Types lists every known packet type.
var Types = []Type{
	TypeDiscover,
	TypeInfo,
	TypeHeartbeat,
	TypeDisconnect,
	TypeRequest,
	TypeResponse,
	TypeEvent,
	TypePing,
	TypePong,
}

// Valid reports whether t is one of the known packet types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if known == t {
			return true
		}
	}
	return false
}

// Packet is a typed payload together with its routing information.
//
// Target is not serialized: it is a transporter routing hint, empty means
// the packet is broadcast to every node.
type Packet struct {
	Type    Type
	Sender  string
	Target  string
	Payload any
}

// New returns a packet after checking the payload matches the type.
func New(t Type, target string, payload any) (*Packet, error) {
	expected, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if reflect.TypeOf(expected) != reflect.TypeOf(payload) {
		return nil, fmt.Errorf("%w: %s carries %T", ErrPayload, t, payload)
	}
	return &Packet{Type: t, Target: target, Payload: payload}, nil
}

// NewPayload allocates the payload struct matching t.
func NewPayload(t Type) (any, error) {
	switch t {
	case TypeDiscover:
		return &Discover{}, nil
	case TypeInfo:
		return &Info{}, nil
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	case TypeDisconnect:
		return &Disconnect{}, nil
	case TypeRequest:
		return &Request{}, nil
	case TypeResponse:
		return &Response{}, nil
	case TypeEvent:
		return &Event{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

type Discover struct{}

type Disconnect struct{}

type Heartbeat struct {
	CPU float64 `json:"cpu,omitempty"`
}

// Info advertises a node and everything it hosts.
type Info struct {
	Services   []ServiceInfo  `json:"services"`
	IPList     []string       `json:"ipList,omitempty"`
	Hostname   string         `json:"hostname,omitempty"`
	Client     ClientInfo     `json:"client"`
	Seq        uint64         `json:"seq"`
	InstanceID string         `json:"instanceID"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type ClientInfo struct {
	Type        string `json:"type"`
	Version     string `json:"version"`
	LangVersion string `json:"langVersion"`
}

type ServiceInfo struct {
	Name     string                `json:"name"`
	Version  string                `json:"version,omitempty"`
	FullName string                `json:"fullName"`
	Settings map[string]any        `json:"settings,omitempty"`
	Metadata map[string]any        `json:"metadata,omitempty"`
	Actions  map[string]ActionInfo `json:"actions"`
	Events   map[string]EventInfo  `json:"events"`
}

// ActionInfo is the serializable part of an action definition. Durations
// are in milliseconds.
type ActionInfo struct {
	Name           string              `json:"name"`
	RawName        string              `json:"rawName"`
	Timeout        int64               `json:"timeout,omitempty"`
	Retry          *RetryInfo          `json:"retryPolicy,omitempty"`
	CircuitBreaker *CircuitBreakerInfo `json:"circuitBreaker,omitempty"`
}

type RetryInfo struct {
	Enabled  bool    `json:"enabled"`
	Retries  int     `json:"retries,omitempty"`
	Delay    int64   `json:"delay,omitempty"`
	MaxDelay int64   `json:"maxDelay,omitempty"`
	Factor   float64 `json:"factor,omitempty"`
}

type CircuitBreakerInfo struct {
	Enabled          bool    `json:"enabled"`
	MaxFailures      int     `json:"maxFailures,omitempty"`
	Threshold        float64 `json:"threshold,omitempty"`
	WindowTime       int64   `json:"windowTime,omitempty"`
	MinRequestCount  int     `json:"minRequestCount,omitempty"`
	HalfOpenTime     int64   `json:"halfOpenTime,omitempty"`
	FailureOnTimeout bool    `json:"failureOnTimeout"`
	FailureOnReject  bool    `json:"failureOnReject"`
}

type EventInfo struct {
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
}

// Request carries a remote action call. Timeout is in milliseconds, zero
// means the caller has no deadline.
type Request struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Params    any            `json:"params"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timeout   int64          `json:"timeout,omitempty"`
	Level     int            `json:"level"`
	ParentID  string         `json:"parentID,omitempty"`
	RequestID string         `json:"requestID,omitempty"`
	Caller    string         `json:"caller,omitempty"`
	Tracing   bool           `json:"tracing,omitempty"`
}

type Response struct {
	ID      string         `json:"id"`
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *Error         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type Event struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Data      any            `json:"data,omitempty"`
	Groups    []string       `json:"groups,omitempty"`
	Broadcast bool           `json:"broadcast"`
	Meta      map[string]any `json:"meta,omitempty"`
	Level     int            `json:"level"`
	ParentID  string         `json:"parentID,omitempty"`
	RequestID string         `json:"requestID,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

type Ping struct {
	ID   string `json:"id"`
	Time int64  `json:"time"`
}

type Pong struct {
	ID      string `json:"id"`
	Time    int64  `json:"time"`
	Arrived int64  `json:"arrived"`
}

// Error is the wire shape of a call error crossing a node boundary.
type Error struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
	Type      string `json:"type,omitempty"`
	Data      any    `json:"data,omitempty"`
	Retryable bool   `json:"retryable"`
	NodeID    string `json:"nodeID,omitempty"`
}
