package evloop

import "time"

// Timer fires a callback on its owning loop. Start and Stop must only be
// called from the loop goroutine; the generation counter discards fires that
// were already in flight when the timer was stopped or restarted.
type Timer struct {
	loop  *EventLoop
	inner *time.Timer
	gen   uint64
	armed bool
}

func NewTimer(loop *EventLoop) *Timer {
	return &Timer{loop: loop}
}

// Start arms the timer to fire fn once after d. Restarting an armed timer
// replaces the previous deadline.
func (t *Timer) Start(d time.Duration, fn func()) {
	t.Stop()
	t.armed = true
	gen := t.gen
	t.inner = time.AfterFunc(d, func() {
		t.loop.Post(func() {
			if t.gen != gen || !t.armed {
				return
			}
			t.armed = false
			fn()
		})
	})
}

func (t *Timer) Armed() bool { return t.armed }

func (t *Timer) Stop() {
	if t.inner != nil {
		t.inner.Stop()
		t.inner = nil
	}
	t.gen++
	t.armed = false
}
