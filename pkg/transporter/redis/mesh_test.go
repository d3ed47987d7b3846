package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/molecule"
	"github.com/raskyld/molecule/pkg/transporter/redis"
	"github.com/stretchr/testify/require"
)

func TestBrokersOverRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	broker := func(nodeID string) *molecule.Broker {
		b, err := molecule.Create(
			molecule.WithNodeID(nodeID),
			molecule.WithTransporter(redis.New(mr.Addr(), "", 0)),
			molecule.WithMetricSink(&metrics.BlackholeSink{}),
		)
		require.NoError(t, err)
		return b
	}

	n1 := broker("node-1")
	require.NoError(t, n1.Start(context.Background()))
	defer n1.Stop(context.Background())

	n2 := broker("node-2")
	require.NoError(t, n2.AddService(molecule.Service{
		Name: "math",
		Actions: []molecule.Action{{
			Name: "add",
			Handler: func(ctx *molecule.Context) (any, error) {
				params := ctx.Params.(map[string]any)
				return params["a"].(float64) + params["b"].(float64), nil
			},
		}},
	}))
	require.NoError(t, n2.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n1.WaitForServices(ctx, "math"))

	res, err := n1.Call(context.Background(), "math.add", map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)
	require.EqualValues(t, 5, res)

	// A graceful stop removes the node from the peer's registry.
	require.NoError(t, n2.Stop(context.Background()))
	require.Eventually(t, func() bool {
		_, err := n1.Call(context.Background(), "math.add", map[string]any{"a": 1, "b": 1})
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}
