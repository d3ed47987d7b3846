package molecule

import (
	"os"
	"runtime"
	"time"
)

// NodeHealth is the answer of `$node.health`.
type NodeHealth struct {
	NodeID     string    `json:"nodeID"`
	InstanceID string    `json:"instanceID"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
	Uptime     string    `json:"uptime"`
	Goroutines int       `json:"goroutines"`
	HeapAlloc  uint64    `json:"heapAlloc"`
	NumCPU     int       `json:"numCPU"`
	GoVersion  string    `json:"goVersion"`
	Version    string    `json:"version"`
}

// NodeSummary is one entry of `$node.list`.
type NodeSummary struct {
	ID                string    `json:"id"`
	Local             bool      `json:"local"`
	Available         bool      `json:"available"`
	Hostname          string    `json:"hostname"`
	IPList            []string  `json:"ipList"`
	Seq               uint64    `json:"seq"`
	LastHeartbeatTime time.Time `json:"lastHeartbeatTime"`
}

func stringParam(ctx *Context, key string) string {
	params, ok := ctx.Params.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := params[key].(string)
	return s
}

// nodeService introspects the registry. Its actions are internal: calls
// are always served by the local node.
func nodeService(b *Broker) Service {
	startedAt := time.Now()
	return Service{
		Name: "$node",
		Actions: []Action{
			{
				Name: "list",
				Handler: func(ctx *Context) (any, error) {
					nodes := b.registry.Nodes()
					out := make([]NodeSummary, 0, len(nodes))
					for _, n := range nodes {
						out = append(out, NodeSummary{
							ID:                n.ID,
							Local:             n.Local,
							Available:         n.Available,
							Hostname:          n.Hostname,
							IPList:            n.IPList,
							Seq:               n.Seq,
							LastHeartbeatTime: n.LastHeartbeatTime,
						})
					}
					return out, nil
				},
			},
			{
				Name: "services",
				Handler: func(ctx *Context) (any, error) {
					return b.registry.Services(), nil
				},
			},
			{
				Name: "actions",
				Handler: func(ctx *Context) (any, error) {
					return b.registry.Actions(stringParam(ctx, "prefix")), nil
				},
			},
			{
				Name: "events",
				Handler: func(ctx *Context) (any, error) {
					return b.registry.Events(stringParam(ctx, "prefix")), nil
				},
			},
			{
				Name: "health",
				Handler: func(ctx *Context) (any, error) {
					var mem runtime.MemStats
					runtime.ReadMemStats(&mem)
					local := b.registry.Node(b.nodeID)
					return NodeHealth{
						NodeID:     b.nodeID,
						InstanceID: local.InstanceID,
						Hostname:   local.Hostname,
						PID:        os.Getpid(),
						StartedAt:  startedAt,
						Uptime:     time.Since(startedAt).Round(time.Second).String(),
						Goroutines: runtime.NumGoroutine(),
						HeapAlloc:  mem.HeapAlloc,
						NumCPU:     runtime.NumCPU(),
						GoVersion:  runtime.Version(),
						Version:    Version,
					}, nil
				},
			},
		},
	}
}
