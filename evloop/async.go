package evloop

import "go.uber.org/atomic"

// Async is a cross-thread wakeup handle. Notify may be called from any
// goroutine; the callback runs on the owning loop. Signals raised before the
// callback is delivered collapse into a single delivery.
type Async struct {
	loop    *EventLoop
	fn      func()
	pending *atomic.Bool
	closed  *atomic.Bool
}

func NewAsync(loop *EventLoop, fn func()) *Async {
	return &Async{
		loop:    loop,
		fn:      fn,
		pending: atomic.NewBool(false),
		closed:  atomic.NewBool(false),
	}
}

// Notify schedules one callback delivery. Thread-safe.
func (a *Async) Notify() {
	if a.closed.Load() {
		return
	}
	if !a.pending.CompareAndSwap(false, true) {
		return
	}
	a.loop.Post(func() {
		// Clear before invoking so a concurrent Notify during the callback
		// arms the next delivery instead of being lost.
		a.pending.Store(false)
		if a.closed.Load() {
			return
		}
		a.fn()
	})
}

// Close disables further deliveries. The completion callback, if any, runs
// on the loop after any in-flight delivery has been discarded.
func (a *Async) Close(onClose func()) {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	if onClose != nil {
		if !a.loop.Post(onClose) {
			onClose()
		}
	}
}
