package packet

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Serializer turns packets into bytes and back. The packet type is not part
// of the encoded bytes: transporters carry it next to the data (topic name,
// frame header).
type Serializer interface {
	Name() string
	Serialize(p *Packet) ([]byte, error)
	Deserialize(t Type, data []byte) (*Packet, error)
}

var _ Serializer = JSON{}
var _ Serializer = Proto{}

type envelope struct {
	Ver     string          `json:"ver"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// JSON encodes packets as a JSON envelope.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Serialize(p *Packet) ([]byte, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayload, err)
	}
	return json.Marshal(envelope{
		Ver:     ProtocolVersion,
		Sender:  p.Sender,
		Payload: payload,
	})
}

func (JSON) Deserialize(t Type, data []byte) (*Packet, error) {
	env := envelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayload, err)
	}
	return decodeEnvelope(t, env.Ver, env.Sender, env.Payload)
}

// Proto encodes packets as a protobuf `google.protobuf.Struct`, which keeps
// the wire schema-less while staying binary.
type Proto struct{}

func (Proto) Name() string { return "proto" }

func (Proto) Serialize(p *Packet) ([]byte, error) {
	raw, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayload, err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayload, err)
	}

	st, err := structpb.NewStruct(map[string]any{
		"ver":     ProtocolVersion,
		"sender":  p.Sender,
		"payload": payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayload, err)
	}
	return proto.Marshal(st)
}

func (Proto) Deserialize(t Type, data []byte) (*Packet, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayload, err)
	}

	fields := st.GetFields()
	payload, err := json.Marshal(fields["payload"].AsInterface())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayload, err)
	}
	return decodeEnvelope(
		t,
		fields["ver"].GetStringValue(),
		fields["sender"].GetStringValue(),
		payload,
	)
}

func decodeEnvelope(t Type, ver, sender string, payload []byte) (*Packet, error) {
	if ver != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrVersion, ver, ProtocolVersion)
	}
	if sender == "" {
		return nil, ErrNoSender
	}

	target, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, target); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPayload, err)
		}
	}

	return &Packet{Type: t, Sender: sender, Payload: target}, nil
}
