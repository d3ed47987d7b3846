package local

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/molecule/pkg/packet"
	"github.com/raskyld/molecule/pkg/transporter"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	lk   sync.Mutex
	msgs []transporter.Message
}

func (r *recorder) handle(msg transporter.Message) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) count() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.msgs)
}

func (r *recorder) all() []transporter.Message {
	r.lk.Lock()
	defer r.lk.Unlock()
	return append([]transporter.Message{}, r.msgs...)
}

func TestLocalTransporter(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()

	r1, r2 := &recorder{}, &recorder{}
	t1, t2 := New(bus), New(bus)
	require.NoError(t, t1.Connect(ctx, "node-1", r1.handle))
	require.NoError(t, t2.Connect(ctx, "node-2", r2.handle))
	defer t1.Disconnect(ctx)
	defer t2.Disconnect(ctx)

	t.Run("broadcasts reach every peer including the sender", func(t *testing.T) {
		require.NoError(t, t1.Publish(ctx, transporter.Message{Type: packet.TypeHeartbeat, Data: []byte("hb")}))
		require.Eventually(t, func() bool { return r1.count() == 1 && r2.count() == 1 }, time.Second, 10*time.Millisecond)
	})

	t.Run("targeted messages only reach their target", func(t *testing.T) {
		require.NoError(t, t1.Publish(ctx, transporter.Message{Type: packet.TypeRequest, Target: "node-2", Data: []byte("req")}))
		require.Eventually(t, func() bool { return r2.count() == 2 }, time.Second, 10*time.Millisecond)
		require.Equal(t, 1, r1.count())
	})

	t.Run("order is preserved per receiver", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			require.NoError(t, t1.Publish(ctx, transporter.Message{Type: packet.TypeEvent, Target: "node-2", Data: []byte{byte(i)}}))
		}
		require.Eventually(t, func() bool { return r2.count() == 52 }, time.Second, 10*time.Millisecond)
		msgs := r2.all()[2:]
		for i, msg := range msgs {
			require.Equal(t, byte(i), msg.Data[0])
		}
	})

	t.Run("node IDs are unique on a bus", func(t *testing.T) {
		require.ErrorIs(t, New(bus).Connect(ctx, "node-1", func(transporter.Message) {}), transporter.ErrAlreadyConnected)
	})
}

func TestLocalTransporter_Crash(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()

	t1, t2 := New(bus), New(bus)
	left := make(chan string, 1)
	t1.OnPeerLeft(func(nodeID string) { left <- nodeID })

	require.NoError(t, t1.Connect(ctx, "node-1", func(transporter.Message) {}))
	require.NoError(t, t2.Connect(ctx, "node-2", func(transporter.Message) {}))
	defer t1.Disconnect(ctx)

	bus.Crash("node-2")

	select {
	case id := <-left:
		require.Equal(t, "node-2", id)
	case <-time.After(time.Second):
		t.Fatal("peer left callback was not invoked")
	}

	require.ErrorIs(t, t2.Publish(ctx, transporter.Message{Type: packet.TypeHeartbeat}), transporter.ErrNotConnected)
	require.ElementsMatch(t, []string{"node-1"}, bus.Peers())
}
