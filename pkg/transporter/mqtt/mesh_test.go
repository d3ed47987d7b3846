package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/molecule"
	"github.com/stretchr/testify/require"
)

func TestBrokersOverMQTT(t *testing.T) {
	fake := newFakeBroker()

	node := func(nodeID string) *molecule.Broker {
		b, err := molecule.Create(
			molecule.WithNodeID(nodeID),
			molecule.WithTransporter(New("tcp://fake:1883", WithClientFactory(fake.factory))),
			molecule.WithMetricSink(&metrics.BlackholeSink{}),
		)
		require.NoError(t, err)
		return b
	}

	received := make(chan any, 1)
	n1 := node("node-1")
	require.NoError(t, n1.AddService(molecule.Service{
		Name: "audit",
		Events: []molecule.Event{{
			Name: "user.created",
			Handler: func(ctx *molecule.Context) error {
				received <- ctx.Params
				return nil
			},
		}},
	}))
	require.NoError(t, n1.Start(context.Background()))
	defer n1.Stop(context.Background())

	n2 := node("node-2")
	require.NoError(t, n2.Start(context.Background()))
	defer n2.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n2.WaitForServices(ctx, "audit"))

	require.NoError(t, n2.Emit(context.Background(), "user.created", map[string]any{"name": "ada"}))
	select {
	case params := <-received:
		require.Equal(t, map[string]any{"name": "ada"}, params)
	case <-time.After(5 * time.Second):
		t.Fatal("event was never delivered")
	}
}
