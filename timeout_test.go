package molecule

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeoutMiddleware(t *testing.T) {
	var (
		finished  atomic.Int32
		cancelled atomic.Int32
	)
	slow := Action{
		Name: "slow",
		Handler: func(ctx *Context) (any, error) {
			select {
			case <-time.After(150 * time.Millisecond):
				finished.Add(1)
				return "late", nil
			case <-ctx.Done():
				cancelled.Add(1)
				return nil, ctx.Err()
			}
		},
	}
	custom := Action{
		Name:    "custom",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx *Context) (any, error) {
			time.Sleep(100 * time.Millisecond)
			return "late", nil
		},
	}

	b := newTestBroker(t, "node-1", WithRequestTimeout(50*time.Millisecond))
	startBroker(t, b, Service{Name: "timer", Actions: []Action{slow, custom}})

	t.Run("times out with the broker default", func(t *testing.T) {
		start := time.Now()
		_, err := b.Call(context.Background(), "timer.slow", nil)
		require.ErrorIs(t, err, ErrRequestTimeout)
		require.Less(t, time.Since(start), 140*time.Millisecond)

		var merr *Error
		require.True(t, errors.As(err, &merr))
		require.Equal(t, 504, merr.Code)
		require.True(t, merr.Retryable)

		// The handler was told to stop, its result is never delivered.
		require.Eventually(t, func() bool { return cancelled.Load() == 1 }, time.Second, 5*time.Millisecond)
		require.Zero(t, finished.Load())
	})

	t.Run("the action timeout wins over the default", func(t *testing.T) {
		start := time.Now()
		_, err := b.Call(context.Background(), "timer.custom", nil)
		require.ErrorIs(t, err, ErrRequestTimeout)
		require.Less(t, time.Since(start), 45*time.Millisecond)
	})

	t.Run("the call option wins over everything", func(t *testing.T) {
		res, err := b.Call(context.Background(), "timer.custom", nil, WithTimeout(time.Second))
		require.NoError(t, err)
		require.Equal(t, "late", res)

		res, err = b.Call(context.Background(), "timer.slow", nil, WithTimeout(-1))
		require.NoError(t, err)
		require.Equal(t, "late", res)
	})

	t.Run("a cancelled caller gets its own error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err := b.Call(ctx, "timer.slow", nil)
		require.ErrorIs(t, err, context.Canceled)
		require.ErrorIs(t, err, ErrRequestCanceled)
		require.NotErrorIs(t, err, ErrRequestTimeout)

		merr := AsError(err)
		require.Equal(t, 499, merr.Code)
		require.Equal(t, "REQUEST_CANCELED", merr.Type)
		require.False(t, merr.Retryable)
	})

	t.Run("an expired caller deadline is a timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := b.Call(ctx, "timer.slow", nil, WithTimeout(time.Second))
		require.ErrorIs(t, err, ErrRequestTimeout)
		require.True(t, IsRetryable(err))
	})
}

func TestCallError(t *testing.T) {
	require.NoError(t, callError(nil, "a.b", "node-1"))

	err := callError(context.DeadlineExceeded, "a.b", "node-1")
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 504, AsError(err).Code)

	err = callError(fmt.Errorf("wrapped: %w", context.Canceled), "a.b", "node-1")
	require.ErrorIs(t, err, ErrRequestCanceled)
	require.ErrorIs(t, err, context.Canceled)

	// Call errors and unrelated errors are left alone.
	rejected := NewRequestRejectedError("a.b", "node-1")
	require.Same(t, rejected, callError(rejected, "a.b", "node-1"))
	plain := errors.New("boom")
	require.Same(t, plain, callError(plain, "a.b", "node-1"))
}

func TestEffectiveTimeout(t *testing.T) {
	def := &ActionDef{Name: "a.b"}
	ctx := bgContext()
	require.Equal(t, time.Second, effectiveTimeout(ctx, def, time.Second))

	def.Timeout = 2 * time.Second
	require.Equal(t, 2*time.Second, effectiveTimeout(ctx, def, time.Second))

	ctx.Options.Timeout = 3 * time.Second
	require.Equal(t, 3*time.Second, effectiveTimeout(ctx, def, time.Second))

	ctx.Options.Timeout = -1
	require.Zero(t, effectiveTimeout(ctx, def, time.Second))
}
