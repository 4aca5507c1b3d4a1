package mqttsession

import (
	"fmt"
	"sync"
)

// dispatcher runs application notifications one at a time, in submission
// order, on its own goroutine. Submitting never blocks.
type dispatcher struct {
	logger Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(logger Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// submit queues fn. After close, fn runs on its own goroutine.
func (d *dispatcher) submit(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		go d.invoke(fn)
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close stops accepting work. Queued work still runs; close does not wait
// for it, so it is safe to call from a notification.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// idle returns a channel closed once the dispatcher goroutine has exited.
func (d *dispatcher) idle() <-chan struct{} {
	return d.done
}

func (d *dispatcher) run() {
	defer close(d.done)

	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			d.invoke(fn)
		}
	}
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification panicked", LogFields{
				LogFieldError: fmt.Sprint(r),
			})
		}
	}()
	fn()
}
