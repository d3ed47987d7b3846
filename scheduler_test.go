package molecule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler(t *testing.T) {
	t.Run("after runs once", func(t *testing.T) {
		s := NewScheduler()
		defer s.Stop()

		var runs atomic.Int32
		task := s.After(10*time.Millisecond, func() { runs.Add(1) })
		require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
		require.True(t, task.Canceled())
		require.Zero(t, s.Pending())

		time.Sleep(30 * time.Millisecond)
		require.EqualValues(t, 1, runs.Load())
	})

	t.Run("every runs until canceled", func(t *testing.T) {
		s := NewScheduler()
		defer s.Stop()

		var runs atomic.Int32
		task := s.Every(5*time.Millisecond, func() { runs.Add(1) })
		require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
		require.True(t, task.Cancel())
		require.False(t, task.Cancel())

		seen := runs.Load()
		time.Sleep(30 * time.Millisecond)
		require.LessOrEqual(t, runs.Load(), seen+1)
	})

	t.Run("stop cancels every task", func(t *testing.T) {
		s := NewScheduler()

		var runs atomic.Int32
		s.After(20*time.Millisecond, func() { runs.Add(1) })
		s.Every(20*time.Millisecond, func() { runs.Add(1) })
		require.Equal(t, 2, s.Pending())

		s.Stop()
		s.Stop()
		require.Zero(t, s.Pending())
		time.Sleep(50 * time.Millisecond)
		require.Zero(t, runs.Load())

		task := s.After(time.Millisecond, func() { runs.Add(1) })
		require.True(t, task.Canceled())
	})

	t.Run("sleep honours the context and the scheduler", func(t *testing.T) {
		s := NewScheduler()

		start := time.Now()
		require.NoError(t, s.Sleep(context.Background(), 20*time.Millisecond))
		require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, s.Sleep(ctx, time.Hour), context.Canceled)
		require.Zero(t, s.Pending())

		go func() {
			time.Sleep(10 * time.Millisecond)
			s.Stop()
		}()
		require.ErrorIs(t, s.Sleep(context.Background(), time.Hour), ErrSchedulerStopped)
	})

	t.Run("short sleeps on a running scheduler never fail", func(t *testing.T) {
		s := NewScheduler()
		defer s.Stop()

		// The timer may fire before Sleep looks at the task.
		for range 10000 {
			require.NoError(t, s.Sleep(context.Background(), time.Nanosecond))
		}
	})

	t.Run("sleeping on a stopped scheduler fails", func(t *testing.T) {
		s := NewScheduler()
		s.Stop()
		require.ErrorIs(t, s.Sleep(context.Background(), time.Nanosecond), ErrSchedulerStopped)
	})

	t.Run("a nil task can be canceled", func(t *testing.T) {
		var task *Task
		require.False(t, task.Cancel())
	})
}
