package operation

import (
	"sync"

	"github.com/golang-collections/collections/queue"
)

// Dispatcher runs completion callbacks.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(fn func())

// Dispatch calls f(fn).
func (f DispatcherFunc) Dispatch(fn func()) {
	f(fn)
}

// Inline runs callbacks on the goroutine that finished the operation.
var Inline Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// SerialDispatcher runs callbacks one at a time, in dispatch order, on its
// own goroutine. Dispatch never blocks, so a callback may dispatch further
// callbacks; they run after it returns.
type SerialDispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closed  bool
	done    chan struct{}
}

// NewSerialDispatcher starts a dispatcher.
func NewSerialDispatcher() *SerialDispatcher {
	d := &SerialDispatcher{
		pending: queue.New(),
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *SerialDispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for d.pending.Len() == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.pending.Len() == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.pending.Dequeue().(func())
		d.mu.Unlock()

		func() {
			defer func() {
				_ = recover() // a panicking callback does not stop the loop
			}()
			fn()
		}()
	}
}

// Dispatch queues fn. After Close, fn runs on the caller's goroutine so no
// callback is lost.
func (d *SerialDispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		fn()
		return
	}
	d.pending.Enqueue(fn)
	d.cond.Signal()
	d.mu.Unlock()
}

// Close stops accepting callbacks and waits for queued ones to run.
// Callbacks dispatched by queued callbacks while closing run inline.
func (d *SerialDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}
