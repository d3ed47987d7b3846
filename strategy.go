package molecule

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/raskyld/molecule/pkg/factory"
)

// Strategy picks one endpoint among available ones. Implementations MUST
// only return an element of endpoints, or nil when it is empty, and be
// safe for concurrent use: one instance serves a whole endpoint list.
type Strategy interface {
	Select(endpoints []*Endpoint, ctx *Context) *Endpoint
}

var _ Strategy = (*RoundRobinStrategy)(nil)
var _ Strategy = (*RandomStrategy)(nil)

// RoundRobinStrategy rotates over the endpoints.
type RoundRobinStrategy struct {
	idx atomic.Uint64
}

func NewRoundRobinStrategy(map[string]any) (Strategy, error) {
	return &RoundRobinStrategy{}, nil
}

func (s *RoundRobinStrategy) Select(endpoints []*Endpoint, _ *Context) *Endpoint {
	if len(endpoints) == 0 {
		return nil
	}
	i := s.idx.Add(1)
	return endpoints[int((i-1)%uint64(len(endpoints)))]
}

// RandomStrategy picks uniformly.
type RandomStrategy struct{}

func NewRandomStrategy(map[string]any) (Strategy, error) {
	return RandomStrategy{}, nil
}

func (RandomStrategy) Select(endpoints []*Endpoint, _ *Context) *Endpoint {
	if len(endpoints) == 0 {
		return nil
	}
	return endpoints[rand.IntN(len(endpoints))]
}

func registerStrategies(reg *factory.Registry[Strategy]) {
	reg.MustRegister("RoundRobin", NewRoundRobinStrategy)
	reg.MustRegister("Random", NewRandomStrategy)
}
