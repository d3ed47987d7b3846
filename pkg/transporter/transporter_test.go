package transporter

import (
	"bytes"
	"io"
	"testing"

	"github.com/raskyld/molecule/pkg/packet"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	require.Equal(t, "MOL.REQ.node-1", Topic("", ".", packet.TypeRequest, "node-1"))
	require.Equal(t, "MOL-dev/INFO", Topic("MOL-dev", "/", packet.TypeInfo, ""))

	idx := NewTopicIndex("MOL", ".", Subscriptions("node-1"))
	require.Len(t, idx.Topics(), len(Subscriptions("node-1")))

	typ, err := idx.Lookup("MOL.HEARTBEAT")
	require.NoError(t, err)
	require.Equal(t, packet.TypeHeartbeat, typ)

	typ, err = idx.Lookup("MOL.RES.node-1")
	require.NoError(t, err)
	require.Equal(t, packet.TypeResponse, typ)

	_, err = idx.Lookup("MOL.RES.node-2")
	require.ErrorIs(t, err, ErrUnknownTopic)

	require.Equal(t, "MOL.EVENT.node-2", PublishTopic("MOL", ".", Message{Type: packet.TypeEvent, Target: "node-2"}))
}

func TestFrames(t *testing.T) {
	t.Run("a frame survives encode and decode", func(t *testing.T) {
		in := Message{Type: packet.TypeRequest, Target: "node-2", Data: []byte(`{"x":1}`)}
		out, err := DecodeFrame(EncodeFrame(in))
		require.NoError(t, err)
		require.Equal(t, in, out)
	})

	t.Run("frames can be streamed back to back", func(t *testing.T) {
		buf := &bytes.Buffer{}
		require.NoError(t, WriteFrame(buf, Message{Type: packet.TypeInfo, Data: []byte("a")}))
		require.NoError(t, WriteFrame(buf, Message{Type: packet.TypeHeartbeat, Data: bytes.Repeat([]byte("b"), 300)}))

		m1, err := ReadFrame(buf)
		require.NoError(t, err)
		require.Equal(t, packet.TypeInfo, m1.Type)

		m2, err := ReadFrame(buf)
		require.NoError(t, err)
		require.Equal(t, packet.TypeHeartbeat, m2.Type)
		require.Len(t, m2.Data, 300)

		_, err = ReadFrame(buf)
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("unknown packet types are refused", func(t *testing.T) {
		_, err := DecodeFrame(EncodeFrame(Message{Type: "BOGUS"}))
		require.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("truncated frames are refused", func(t *testing.T) {
		frame := EncodeFrame(Message{Type: packet.TypeEvent, Data: []byte("hello")})
		_, err := DecodeFrame(frame[:len(frame)-2])
		require.ErrorIs(t, err, ErrInvalidFrame)
	})
}
