package molecule

import (
	"context"
	"sync"
	"time"
)

// Scheduler owns every timer a broker arms: circuit-breaker half-open
// transitions, retry delays, heartbeats and registry checks. Stopping it
// cancels all of them, so nothing fires into a stopped broker.
type Scheduler struct {
	lk      sync.Mutex
	tasks   map[*Task]struct{}
	stopped bool
	stopCh  chan struct{}
}

// Task is a scheduled function. Cancel is safe to call at any time, from
// any goroutine, any number of times.
type Task struct {
	s        *Scheduler
	fn       func()
	period   time.Duration
	timer    *time.Timer
	lk       sync.Mutex
	canceled bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		tasks:  make(map[*Task]struct{}),
		stopCh: make(chan struct{}),
	}
}

// After runs fn once after d. On a stopped scheduler the returned task is
// already canceled and fn never runs.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	return s.schedule(d, 0, fn)
}

// Every runs fn every d until the task is canceled. Runs never overlap: the
// next one is armed after the previous one returns.
func (s *Scheduler) Every(d time.Duration, fn func()) *Task {
	return s.schedule(d, d, fn)
}

func (s *Scheduler) schedule(d, period time.Duration, fn func()) *Task {
	task := &Task{s: s, fn: fn, period: period}

	s.lk.Lock()
	defer s.lk.Unlock()
	if s.stopped {
		task.canceled = true
		return task
	}
	s.tasks[task] = struct{}{}

	task.lk.Lock()
	task.timer = time.AfterFunc(d, task.fire)
	task.lk.Unlock()
	return task
}

// Sleep blocks for d, or until ctx is done or the scheduler stops.
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	done := make(chan struct{})
	task := s.After(d, func() { close(done) })
	// A fired one-shot task reports itself canceled too, only the scheduler
	// knows whether it was stopped.
	if s.isStopped() {
		return ErrSchedulerStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		task.Cancel()
		return ctx.Err()
	case <-s.stopCh:
		return ErrSchedulerStopped
	}
}

func (s *Scheduler) isStopped() bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.stopped
}

// Pending returns how many tasks are armed.
func (s *Scheduler) Pending() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.tasks)
}

// Stop cancels every task. It is idempotent.
func (s *Scheduler) Stop() {
	s.lk.Lock()
	if s.stopped {
		s.lk.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	tasks := s.tasks
	s.tasks = make(map[*Task]struct{})
	s.lk.Unlock()

	for task := range tasks {
		task.Cancel()
	}
}

func (s *Scheduler) forget(task *Task) {
	s.lk.Lock()
	delete(s.tasks, task)
	s.lk.Unlock()
}

func (t *Task) fire() {
	t.lk.Lock()
	if t.canceled {
		t.lk.Unlock()
		return
	}
	if t.period == 0 {
		t.canceled = true
	}
	t.lk.Unlock()

	if t.period == 0 {
		t.s.forget(t)
	}

	t.fn()

	if t.period > 0 {
		t.lk.Lock()
		if !t.canceled {
			t.timer.Reset(t.period)
		}
		t.lk.Unlock()
	}
}

// Cancel prevents future runs. It reports whether the task was still armed.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	t.lk.Lock()
	if t.canceled {
		t.lk.Unlock()
		return false
	}
	t.canceled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.lk.Unlock()

	t.s.forget(t)
	return true
}

// Canceled reports whether the task will never run again.
func (t *Task) Canceled() bool {
	t.lk.Lock()
	defer t.lk.Unlock()
	return t.canceled
}
