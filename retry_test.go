package molecule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryBackoff(t *testing.T) {
	policy := RetryPolicy{Delay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2}

	require.Equal(t, 100*time.Millisecond, policy.Backoff(1))
	require.Equal(t, 200*time.Millisecond, policy.Backoff(2))
	require.Equal(t, 400*time.Millisecond, policy.Backoff(3))
	require.Equal(t, 800*time.Millisecond, policy.Backoff(4))
	require.Equal(t, time.Second, policy.Backoff(5))
	require.Equal(t, time.Second, policy.Backoff(10))
	require.Equal(t, 100*time.Millisecond, policy.Backoff(0))

	flat := RetryPolicy{Delay: 50 * time.Millisecond}
	require.Equal(t, 50*time.Millisecond, flat.Backoff(4))
}

// flakyAction fails `failures` times with err then answers "ok".
type flakyAction struct {
	failures int32
	err      error

	calls    atomic.Int32
	lk       sync.Mutex
	attempts []int
	at       []time.Time
}

func (f *flakyAction) handle(ctx *Context) (any, error) {
	n := f.calls.Add(1)
	f.lk.Lock()
	f.attempts = append(f.attempts, ctx.RetryAttempts())
	f.at = append(f.at, time.Now())
	f.lk.Unlock()
	if n <= f.failures {
		return nil, f.err
	}
	return "ok", nil
}

func TestRetryMiddleware(t *testing.T) {
	retryable := NewRetryableError("try again", 503, "BUSY", nil)
	policy := RetryPolicy{
		Enabled:  true,
		Retries:  3,
		Delay:    20 * time.Millisecond,
		MaxDelay: time.Second,
		Factor:   2,
	}

	t.Run("retries until success", func(t *testing.T) {
		b := newTestBroker(t, "node-1", WithRetryPolicy(policy))
		flaky := &flakyAction{failures: 2, err: retryable}
		startBroker(t, b, Service{
			Name:    "flaky",
			Actions: []Action{{Name: "get", Handler: flaky.handle}},
		})

		res, err := b.Call(context.Background(), "flaky.get", nil)
		require.NoError(t, err)
		require.Equal(t, "ok", res)
		require.EqualValues(t, 3, flaky.calls.Load())
		require.Equal(t, []int{0, 1, 2}, flaky.attempts)

		// Delays follow the backoff: 20ms then 40ms.
		require.GreaterOrEqual(t, flaky.at[1].Sub(flaky.at[0]), 20*time.Millisecond)
		require.GreaterOrEqual(t, flaky.at[2].Sub(flaky.at[1]), 40*time.Millisecond)
	})

	t.Run("gives up after the configured retries", func(t *testing.T) {
		b := newTestBroker(t, "node-1", WithRetryPolicy(policy))
		flaky := &flakyAction{failures: 100, err: retryable}
		startBroker(t, b, Service{
			Name:    "flaky",
			Actions: []Action{{Name: "get", Handler: flaky.handle}},
		})

		_, err := b.Call(context.Background(), "flaky.get", nil)
		require.ErrorIs(t, err, retryable)
		require.EqualValues(t, 4, flaky.calls.Load())
	})

	t.Run("non retryable errors are returned at once", func(t *testing.T) {
		b := newTestBroker(t, "node-1", WithRetryPolicy(policy))
		flaky := &flakyAction{failures: 100, err: NewValidationError("nope", "", nil)}
		startBroker(t, b, Service{
			Name:    "flaky",
			Actions: []Action{{Name: "get", Handler: flaky.handle}},
		})

		_, err := b.Call(context.Background(), "flaky.get", nil)
		require.ErrorIs(t, err, ErrValidation)
		require.EqualValues(t, 1, flaky.calls.Load())
	})

	t.Run("the call option overrides the policy", func(t *testing.T) {
		b := newTestBroker(t, "node-1")
		flaky := &flakyAction{failures: 1, err: retryable}
		startBroker(t, b, Service{
			Name:    "flaky",
			Actions: []Action{{Name: "get", Handler: flaky.handle}},
		})

		res, err := b.Call(context.Background(), "flaky.get", nil, WithRetries(1))
		require.NoError(t, err)
		require.Equal(t, "ok", res)
		require.EqualValues(t, 2, flaky.calls.Load())
	})

	t.Run("the action policy overrides the broker's", func(t *testing.T) {
		b := newTestBroker(t, "node-1", WithRetryPolicy(policy))
		flaky := &flakyAction{failures: 100, err: retryable}
		startBroker(t, b, Service{
			Name: "flaky",
			Actions: []Action{{
				Name:    "get",
				Handler: flaky.handle,
				Retry:   &RetryPolicy{Enabled: true, Retries: 1},
			}},
		})

		_, err := b.Call(context.Background(), "flaky.get", nil)
		require.Error(t, err)
		require.EqualValues(t, 2, flaky.calls.Load())
	})

	t.Run("a cancelled caller stops retrying", func(t *testing.T) {
		b := newTestBroker(t, "node-1", WithRetryPolicy(RetryPolicy{Enabled: true, Retries: 5, Delay: time.Hour}))
		flaky := &flakyAction{failures: 100, err: retryable}
		startBroker(t, b, Service{
			Name:    "flaky",
			Actions: []Action{{Name: "get", Handler: flaky.handle}},
		})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := b.Call(ctx, "flaky.get", nil)
		require.ErrorIs(t, err, retryable)
		require.Less(t, time.Since(start), time.Second)
		require.EqualValues(t, 1, flaky.calls.Load())
	})
}
