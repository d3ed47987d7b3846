package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/molecule/pkg/packet"
	"github.com/raskyld/molecule/pkg/transporter"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	lk   sync.Mutex
	msgs []transporter.Message
}

func (in *inbox) handle(msg transporter.Message) {
	in.lk.Lock()
	defer in.lk.Unlock()
	in.msgs = append(in.msgs, msg)
}

func (in *inbox) snapshot() []transporter.Message {
	in.lk.Lock()
	defer in.lk.Unlock()
	return append([]transporter.Message{}, in.msgs...)
}

func TestTransporter(t *testing.T) {
	broker := newFakeBroker()
	in1, in2 := &inbox{}, &inbox{}

	t1 := New("tcp://fake:1883", WithClientFactory(broker.factory), WithQoS(7))
	t2 := New("tcp://fake:1883", WithClientFactory(broker.factory))
	require.Equal(t, byte(2), t1.qos)

	require.NoError(t, t1.Connect(context.Background(), "node-1", in1.handle))
	require.NoError(t, t2.Connect(context.Background(), "node-2", in2.handle))
	require.ErrorIs(t, t1.Connect(context.Background(), "node-1", in1.handle), transporter.ErrAlreadyConnected)
	require.Equal(t, []string{"MOL-node-1", "MOL-node-2"}, broker.ids)
	require.Contains(t, broker.topics(), "MOL/REQ/node-1")
	require.Contains(t, broker.topics(), "MOL/DISCOVER")

	t.Run("targeted messages reach one node", func(t *testing.T) {
		require.NoError(t, t1.Publish(context.Background(), transporter.Message{
			Type:   packet.TypeRequest,
			Target: "node-2",
			Data:   []byte("req"),
		}))
		require.Eventually(t, func() bool { return len(in2.snapshot()) == 1 }, time.Second, time.Millisecond)
		require.Equal(t, packet.TypeRequest, in2.snapshot()[0].Type)
		require.Equal(t, []byte("req"), in2.snapshot()[0].Data)
		require.Empty(t, in1.snapshot())
		require.Equal(t, "MOL/REQ/node-2", broker.history[len(broker.history)-1])
	})

	t.Run("broadcasts reach everyone", func(t *testing.T) {
		require.NoError(t, t2.Publish(context.Background(), transporter.Message{Type: packet.TypeHeartbeat}))
		require.Eventually(t, func() bool {
			return len(in1.snapshot()) == 1 && len(in2.snapshot()) == 2
		}, time.Second, time.Millisecond)
	})

	t.Run("handlers may publish", func(t *testing.T) {
		in3 := &inbox{}
		t3 := New("tcp://fake:1883", WithClientFactory(broker.factory), WithPrefix("ECHO"))
		require.NoError(t, t3.Connect(context.Background(), "echo", func(msg transporter.Message) {
			in3.handle(msg)
			if msg.Type == packet.TypePing {
				require.NoError(t, t3.Publish(context.Background(), transporter.Message{Type: packet.TypePong, Target: "echo"}))
			}
		}))
		defer t3.Disconnect(context.Background())

		require.NoError(t, t3.Publish(context.Background(), transporter.Message{Type: packet.TypePing}))
		require.Eventually(t, func() bool { return len(in3.snapshot()) == 2 }, time.Second, time.Millisecond)
		require.Equal(t, packet.TypePong, in3.snapshot()[1].Type)
	})

	t.Run("messages keep their order", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			require.NoError(t, t1.Publish(context.Background(), transporter.Message{
				Type:   packet.TypeEvent,
				Target: "node-2",
				Data:   []byte{byte(i)},
			}))
		}
		require.Eventually(t, func() bool { return len(in2.snapshot()) == 52 }, time.Second, time.Millisecond)
		for i, msg := range in2.snapshot()[2:] {
			require.Equal(t, []byte{byte(i)}, msg.Data)
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		require.NoError(t, t2.Disconnect(context.Background()))
		require.NoError(t, t2.Disconnect(context.Background()))
		require.ErrorIs(t, t2.Publish(context.Background(), transporter.Message{Type: packet.TypePing}), transporter.ErrNotConnected)
		require.NotContains(t, broker.topics(), "MOL/REQ/node-2")
		require.NoError(t, t1.Disconnect(context.Background()))
	})
}

func TestConnectRefused(t *testing.T) {
	broker := newFakeBroker()
	broker.refuse = true

	tr := New("tcp://fake:1883", WithClientFactory(broker.factory), WithConnectTimeout(time.Second))
	err := tr.Connect(context.Background(), "node-1", func(transporter.Message) {})
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorIs(t, err, errFakeRefused)
	require.ErrorIs(t, tr.Publish(context.Background(), transporter.Message{Type: packet.TypePing}), transporter.ErrNotConnected)
}
