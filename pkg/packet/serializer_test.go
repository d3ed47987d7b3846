package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializers(t *testing.T) {
	for _, ser := range []Serializer{JSON{}, Proto{}} {
		t.Run(ser.Name()+" keeps request fields", func(t *testing.T) {
			in := &Packet{
				Type:   TypeRequest,
				Sender: "node-1",
				Target: "node-2",
				Payload: &Request{
					ID:      "ctx-1",
					Action:  "math.add",
					Params:  map[string]any{"a": 1.0, "b": 2.0},
					Meta:    map[string]any{"user": "alice"},
					Timeout: 1500,
					Level:   2,
				},
			}

			buf, err := ser.Serialize(in)
			require.NoError(t, err)

			out, err := ser.Deserialize(TypeRequest, buf)
			require.NoError(t, err)
			require.Equal(t, "node-1", out.Sender)
			require.Empty(t, out.Target, "target is a routing hint and never serialized")

			req, ok := out.Payload.(*Request)
			require.True(t, ok)
			require.Equal(t, "ctx-1", req.ID)
			require.Equal(t, "math.add", req.Action)
			require.Equal(t, int64(1500), req.Timeout)
			require.Equal(t, 2, req.Level)
			require.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, req.Params)
			require.Equal(t, "alice", req.Meta["user"])
		})

		t.Run(ser.Name()+" carries error responses", func(t *testing.T) {
			in := &Packet{
				Type:   TypeResponse,
				Sender: "node-2",
				Payload: &Response{
					ID: "ctx-1",
					Error: &Error{
						Name:      "RequestTimeoutError",
						Message:   "timed out",
						Code:      504,
						Type:      "REQUEST_TIMEOUT",
						Retryable: true,
						NodeID:    "node-2",
					},
				},
			}

			buf, err := ser.Serialize(in)
			require.NoError(t, err)
			out, err := ser.Deserialize(TypeResponse, buf)
			require.NoError(t, err)

			res := out.Payload.(*Response)
			require.False(t, res.Success)
			require.NotNil(t, res.Error)
			require.Equal(t, 504, res.Error.Code)
			require.True(t, res.Error.Retryable)
			require.Equal(t, "node-2", res.Error.NodeID)
		})

		t.Run(ser.Name()+" handles empty payloads", func(t *testing.T) {
			buf, err := ser.Serialize(&Packet{Type: TypeDisconnect, Sender: "node-3", Payload: &Disconnect{}})
			require.NoError(t, err)
			out, err := ser.Deserialize(TypeDisconnect, buf)
			require.NoError(t, err)
			require.IsType(t, &Disconnect{}, out.Payload)
		})

		t.Run(ser.Name()+" refuses packets without a sender", func(t *testing.T) {
			buf, err := ser.Serialize(&Packet{Type: TypeDiscover, Payload: &Discover{}})
			require.NoError(t, err)
			_, err = ser.Deserialize(TypeDiscover, buf)
			require.ErrorIs(t, err, ErrNoSender)
		})
	}
}

func TestNew(t *testing.T) {
	p, err := New(TypeHeartbeat, "", &Heartbeat{CPU: 12})
	require.NoError(t, err)
	require.Equal(t, TypeHeartbeat, p.Type)

	_, err = New(TypeHeartbeat, "", &Info{})
	require.ErrorIs(t, err, ErrPayload)

	_, err = New(Type("NOPE"), "", nil)
	require.ErrorIs(t, err, ErrUnknownType)
	require.False(t, Type("NOPE").Valid())
	require.True(t, TypeEvent.Valid())
}
