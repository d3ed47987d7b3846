package molecule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func bgContext() *Context {
	return newContext(nil, context.Background(), nil, CallOptions{})
}

func TestBulkhead(t *testing.T) {
	policy := BulkheadPolicy{Enabled: true, Concurrency: 1, MaxQueueSize: 2}

	t.Run("executions never overlap with a concurrency of one", func(t *testing.T) {
		bh := newBulkhead("svc.act", "node-1", BulkheadPolicy{Enabled: true, Concurrency: 1, MaxQueueSize: 100}, &metrics.BlackholeSink{}, nil)

		var (
			running atomic.Int32
			overlap atomic.Bool
			wg      sync.WaitGroup
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				require.NoError(t, bh.acquire(bgContext()))
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(2 * time.Millisecond)
				running.Add(-1)
				bh.release()
			}()
		}
		wg.Wait()
		require.False(t, overlap.Load())

		inflight, queued := bh.stats()
		require.Zero(t, inflight)
		require.Zero(t, queued)
	})

	t.Run("waiters are served in arrival order", func(t *testing.T) {
		bh := newBulkhead("svc.act", "node-1", BulkheadPolicy{Enabled: true, Concurrency: 1, MaxQueueSize: 10}, &metrics.BlackholeSink{}, nil)
		require.NoError(t, bh.acquire(bgContext()))

		var (
			lk    sync.Mutex
			order []int
			wg    sync.WaitGroup
		)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				require.NoError(t, bh.acquire(bgContext()))
				lk.Lock()
				order = append(order, i)
				lk.Unlock()
				bh.release()
			}()
			// Let the goroutine enqueue before starting the next one.
			require.Eventually(t, func() bool {
				_, queued := bh.stats()
				return queued == i+1
			}, time.Second, time.Millisecond)
		}

		bh.release()
		wg.Wait()
		require.Equal(t, []int{0, 1, 2, 3, 4}, order)
	})

	t.Run("a full queue rejects immediately", func(t *testing.T) {
		bh := newBulkhead("svc.act", "node-1", policy, &metrics.BlackholeSink{}, nil)
		require.NoError(t, bh.acquire(bgContext()))

		for i := 0; i < policy.MaxQueueSize; i++ {
			go func() {
				if bh.acquire(bgContext()) == nil {
					bh.release()
				}
			}()
		}
		require.Eventually(t, func() bool {
			_, queued := bh.stats()
			return queued == policy.MaxQueueSize
		}, time.Second, time.Millisecond)

		err := bh.acquire(bgContext())
		require.ErrorIs(t, err, ErrQueueIsFull)
		require.True(t, IsRetryable(err))

		bh.release()
		require.Eventually(t, func() bool {
			inflight, queued := bh.stats()
			return inflight == 0 && queued == 0
		}, time.Second, time.Millisecond)
	})

	t.Run("a waiter giving up leaves the queue", func(t *testing.T) {
		bh := newBulkhead("svc.act", "node-1", policy, &metrics.BlackholeSink{}, nil)
		require.NoError(t, bh.acquire(bgContext()))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := bh.acquire(newContext(nil, ctx, nil, CallOptions{}))
		require.ErrorIs(t, err, context.DeadlineExceeded)

		inflight, queued := bh.stats()
		require.Equal(t, 1, inflight)
		require.Zero(t, queued)
		bh.release()
	})
}

func TestBulkheadMiddleware(t *testing.T) {
	b := newTestBroker(t, "node-1", WithBulkhead(BulkheadPolicy{Enabled: true, Concurrency: 1, MaxQueueSize: 1}))

	var calls atomic.Int32
	release := make(chan struct{})
	startBroker(t, b, Service{
		Name: "slow",
		Actions: []Action{{
			Name: "work",
			Handler: func(ctx *Context) (any, error) {
				calls.Add(1)
				<-release
				return "done", nil
			},
		}},
	})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := b.Call(context.Background(), "slow.work", nil)
			results <- err
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// One call runs and one waits: a third one overflows the queue without
	// reaching the handler.
	_, err := b.Call(context.Background(), "slow.work", nil)
	require.ErrorIs(t, err, ErrQueueIsFull)
	require.EqualValues(t, 1, calls.Load())

	close(release)
	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}
	require.EqualValues(t, 2, calls.Load())
}

func TestBulkheadOrdering(t *testing.T) {
	b := newTestBroker(t, "node-1", WithBulkhead(BulkheadPolicy{Enabled: true, Concurrency: 1, MaxQueueSize: 10}))

	startBroker(t, b, Service{
		Name: "seq",
		Actions: []Action{{
			Name: "sleep",
			Handler: func(ctx *Context) (any, error) {
				time.Sleep(100 * time.Millisecond)
				return time.Now(), nil
			},
		}},
	})

	start := time.Now()
	finished := make([]time.Time, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.Call(context.Background(), "seq.sleep", nil)
			require.NoError(t, err)
			finished[i] = res.(time.Time)
		}()
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	for i, at := range finished {
		elapsed := at.Sub(start)
		require.GreaterOrEqual(t, elapsed, time.Duration(i+1)*100*time.Millisecond)
		require.Less(t, elapsed, time.Duration(i+1)*100*time.Millisecond+80*time.Millisecond)
	}
}
