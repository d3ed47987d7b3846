package transporter

import "sync"

// Inbox is an unbounded FIFO drained by a single goroutine. Network clients
// that call back from their read loop (MQTT, memberlist) push into it so the
// handler may publish without deadlocking them, and so messages keep their
// arrival order.
type Inbox struct {
	lk     sync.Mutex
	queue  []func()
	signal chan struct{}
	closed bool
	done   chan struct{}
}

func NewInbox() *Inbox {
	in := &Inbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go in.drain()
	return in
}

// Push queues fn and never blocks. It reports false once the inbox is
// closed.
func (in *Inbox) Push(fn func()) bool {
	in.lk.Lock()
	if in.closed {
		in.lk.Unlock()
		return false
	}
	in.queue = append(in.queue, fn)
	select {
	case in.signal <- struct{}{}:
	default:
	}
	in.lk.Unlock()
	return true
}

// Close refuses new items and waits for the queued ones to run.
func (in *Inbox) Close() {
	in.lk.Lock()
	if !in.closed {
		in.closed = true
		close(in.signal)
	}
	in.lk.Unlock()
	<-in.done
}

func (in *Inbox) drain() {
	defer close(in.done)
	for {
		in.lk.Lock()
		batch := in.queue
		in.queue = nil
		closed := in.closed
		in.lk.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-in.signal
	}
}
