package molecule

import (
	"errors"
	"slices"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// BulkheadPolicy limits concurrent executions of a local action or event.
type BulkheadPolicy struct {
	Enabled      bool
	Concurrency  int
	MaxQueueSize int
}

func DefaultBulkheadPolicy() BulkheadPolicy {
	return BulkheadPolicy{
		Enabled:      false,
		Concurrency:  10,
		MaxQueueSize: 100,
	}
}

func (p BulkheadPolicy) withDefaults(base BulkheadPolicy) BulkheadPolicy {
	if p.Concurrency == 0 {
		p.Concurrency = base.Concurrency
	}
	if p.MaxQueueSize == 0 {
		p.MaxQueueSize = base.MaxQueueSize
	}
	return p
}

func (p BulkheadPolicy) validate() error {
	if p.Concurrency < 0 || p.MaxQueueSize < 0 {
		return errors.New("bulkhead policy fields must not be negative")
	}
	return nil
}

// bulkhead is the state of one action or event. Waiters are served in
// FIFO order: a released slot is handed over to the oldest waiter without
// going back to the pool.
type bulkhead struct {
	name   string
	nodeID string
	policy BulkheadPolicy
	msink  metrics.MetricSink
	labels []metrics.Label

	lk       sync.Mutex
	inflight int
	queue    []chan struct{}
}

func newBulkhead(name, nodeID string, policy BulkheadPolicy, msink metrics.MetricSink, labels []metrics.Label) *bulkhead {
	return &bulkhead{
		name:   name,
		nodeID: nodeID,
		policy: policy,
		msink:  msink,
		labels: labels,
	}
}

// acquire blocks until a slot is free. It rejects immediately with a
// QueueIsFullError when the queue is already at its maximum size.
func (bh *bulkhead) acquire(ctx *Context) error {
	bh.lk.Lock()
	if bh.inflight < bh.policy.Concurrency && len(bh.queue) == 0 {
		bh.inflight++
		bh.lk.Unlock()
		bh.report()
		return nil
	}
	if len(bh.queue) >= bh.policy.MaxQueueSize {
		queued := len(bh.queue)
		bh.lk.Unlock()
		bh.msink.IncrCounterWithLabels(MetricBulkheadRejectedTotal, 1, bh.labels)
		return NewQueueIsFullError(bh.name, bh.nodeID, queued, bh.policy.MaxQueueSize)
	}
	ready := make(chan struct{})
	bh.queue = append(bh.queue, ready)
	bh.lk.Unlock()
	bh.report()

	select {
	case <-ready:
		bh.report()
		return nil
	case <-ctx.Done():
	}

	bh.lk.Lock()
	idx := slices.Index(bh.queue, ready)
	if idx >= 0 {
		bh.queue = slices.Delete(bh.queue, idx, idx+1)
		bh.lk.Unlock()
		bh.report()
		return ctx.Err()
	}
	bh.lk.Unlock()

	// The slot was handed over while we were giving up.
	bh.release()
	return ctx.Err()
}

func (bh *bulkhead) release() {
	bh.lk.Lock()
	if len(bh.queue) > 0 {
		next := bh.queue[0]
		bh.queue = slices.Delete(bh.queue, 0, 1)
		close(next)
	} else {
		bh.inflight--
	}
	bh.lk.Unlock()
	bh.report()
}

func (bh *bulkhead) stats() (inflight, queued int) {
	bh.lk.Lock()
	defer bh.lk.Unlock()
	return bh.inflight, len(bh.queue)
}

func (bh *bulkhead) report() {
	inflight, queued := bh.stats()
	bh.msink.SetGaugeWithLabels(MetricBulkheadInflight, float32(inflight), bh.labels)
	bh.msink.SetGaugeWithLabels(MetricBulkheadQueueSize, float32(queued), bh.labels)
}

// BulkheadMiddleware bounds concurrency of local actions and events. Each
// action and event gets its own queue.
func BulkheadMiddleware(b *Broker) Middleware {
	newBH := func(name string, policy BulkheadPolicy) *bulkhead {
		labels := withLabels(
			b.config.metricLabels,
			LabelAction.M(name),
			LabelLocal.M(strconv.FormatBool(true)),
		)
		return newBulkhead(name, b.NodeID(), policy, b.msink, labels)
	}

	return Middleware{
		Name: "Bulkhead",
		LocalAction: func(next Handler, def *ActionDef) Handler {
			if !def.Bulkhead.Enabled {
				return next
			}
			bh := newBH(def.Name, def.Bulkhead)
			return func(ctx *Context) (any, error) {
				if err := bh.acquire(ctx); err != nil {
					return nil, err
				}
				defer bh.release()
				return next(ctx)
			}
		},
		LocalEvent: func(next EventHandler, def *EventDef) EventHandler {
			if !def.Bulkhead.Enabled {
				return next
			}
			bh := newBH(def.Name, def.Bulkhead)
			return func(ctx *Context) error {
				if err := bh.acquire(ctx); err != nil {
					return err
				}
				defer bh.release()
				return next(ctx)
			}
		},
	}
}
