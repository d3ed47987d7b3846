package molecule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fillList adds one endpoint of "svc.act" per node.
func fillList(t *testing.T, list *EndpointList, nodes ...*Node) map[string]*Endpoint {
	t.Helper()
	eps := make(map[string]*Endpoint, len(nodes))
	for _, node := range nodes {
		svc := newServiceItem(node.ID, node.Local, "svc", "")
		def := &ActionDef{
			Name:           "svc.act",
			RawName:        "act",
			Service:        svc,
			Remote:         !node.Local,
			CircuitBreaker: CircuitBreakerPolicy{Enabled: true, MaxFailures: 1, HalfOpenTime: time.Hour, FailureOnReject: true},
		}
		eps[node.ID] = list.Add(node, svc, def)
	}
	return eps
}

func localNode(id string) *Node {
	n := newNode(id)
	n.Local = true
	n.Available = true
	return n
}

func remoteNode(id string) *Node {
	n := newNode(id)
	n.Available = true
	return n
}

func TestEndpointList(t *testing.T) {
	t.Run("round robin is fair", func(t *testing.T) {
		list := newEndpointList("svc.act", "", &RoundRobinStrategy{}, false, endpointEnv{})
		fillList(t, list, remoteNode("a"), remoteNode("b"), remoteNode("c"))

		counts := map[string]int{}
		for i := 0; i < 100; i++ {
			ep := list.Next(bgContext())
			require.NotNil(t, ep)
			counts[ep.NodeID]++
		}
		for _, n := range counts {
			require.InDelta(t, 100/3, n, 1)
		}
	})

	t.Run("prefers local endpoints", func(t *testing.T) {
		list := newEndpointList("svc.act", "", &RoundRobinStrategy{}, true, endpointEnv{})
		eps := fillList(t, list, remoteNode("remote-1"), localNode("local"), remoteNode("remote-2"))

		for i := 0; i < 10; i++ {
			require.Equal(t, "local", list.Next(bgContext()).NodeID)
		}

		// Once the local one is open, remote ones take over.
		eps["local"].Failure(errServer)
		require.Equal(t, CircuitOpen, eps["local"].State())
		for i := 0; i < 10; i++ {
			require.NotEqual(t, "local", list.Next(bgContext()).NodeID)
		}
	})

	t.Run("without preference every endpoint is used", func(t *testing.T) {
		list := newEndpointList("svc.act", "", &RoundRobinStrategy{}, false, endpointEnv{})
		fillList(t, list, remoteNode("remote"), localNode("local"))

		seen := map[string]bool{}
		for i := 0; i < 4; i++ {
			seen[list.Next(bgContext()).NodeID] = true
		}
		require.Len(t, seen, 2)
	})

	t.Run("internal actions stay local", func(t *testing.T) {
		list := newEndpointList("$node.list", "", &RoundRobinStrategy{}, false, endpointEnv{})
		fillList(t, list, remoteNode("remote"), localNode("local"))
		for i := 0; i < 4; i++ {
			require.Equal(t, "local", list.Next(bgContext()).NodeID)
		}
	})

	t.Run("open endpoints are skipped and nothing available is nil", func(t *testing.T) {
		list := newEndpointList("svc.act", "", &RoundRobinStrategy{}, false, endpointEnv{})
		eps := fillList(t, list, remoteNode("a"), remoteNode("b"))

		eps["a"].Failure(errServer)
		for i := 0; i < 4; i++ {
			require.Equal(t, "b", list.Next(bgContext()).NodeID)
		}
		require.True(t, list.HasAvailable())

		eps["b"].Failure(errServer)
		require.Nil(t, list.Next(bgContext()))
		require.False(t, list.HasAvailable())
		require.Equal(t, 2, list.Count())
	})

	t.Run("add upserts by node and service", func(t *testing.T) {
		list := newEndpointList("svc.act", "", &RoundRobinStrategy{}, false, endpointEnv{})
		first := fillList(t, list, remoteNode("a"))["a"]
		second := fillList(t, list, remoteNode("a"))["a"]
		require.Same(t, first, second)
		require.Equal(t, 1, list.Count())
	})

	t.Run("removal destroys endpoints", func(t *testing.T) {
		list := newEndpointList("svc.act", "", &RoundRobinStrategy{}, true, endpointEnv{})
		eps := fillList(t, list, remoteNode("a"), localNode("b"))
		require.True(t, list.HasLocal())

		list.RemoveByNodeID("b")
		require.False(t, list.HasLocal())
		require.False(t, eps["b"].IsAvailable())
		require.Equal(t, "a", list.Next(bgContext()).NodeID)

		list.RemoveByService(eps["a"].Service())
		require.Zero(t, list.Count())
		require.Nil(t, list.Next(bgContext()))
	})

	t.Run("direct targeting", func(t *testing.T) {
		list := newEndpointList("svc.act", "", &RoundRobinStrategy{}, false, endpointEnv{})
		eps := fillList(t, list, remoteNode("a"), remoteNode("b"))
		require.Equal(t, "b", list.EndpointByNodeID("b").NodeID)
		require.Nil(t, list.EndpointByNodeID("c"))

		eps["b"].Failure(errServer)
		require.Nil(t, list.EndpointByNodeID("b"))
	})
}

func TestRandomStrategy(t *testing.T) {
	list := newEndpointList("svc.act", "", RandomStrategy{}, false, endpointEnv{})
	fillList(t, list, remoteNode("a"), remoteNode("b"))

	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		seen[list.Next(bgContext()).NodeID]++
	}
	require.Len(t, seen, 2)
}
