package evloop

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// EventLoop is a single goroutine that runs posted tasks in order. Sockets,
// timers and async handles bound to a loop deliver every callback on that
// loop's goroutine, so loop-owned state needs no locking.
type EventLoop struct {
	index  int
	logger log.Logger

	mu    sync.Mutex
	tasks []func()

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}
	closed *atomic.Bool
}

func newEventLoop(index int, logger log.Logger) *EventLoop {
	l := &EventLoop{
		index:  index,
		logger: log.With(logger, "loop", index),
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		closed: atomic.NewBool(false),
	}
	go l.run()
	return l
}

func (l *EventLoop) Index() int { return l.index }

func (l *EventLoop) Logger() log.Logger { return l.logger }

// Post schedules fn to run on the loop goroutine. It never blocks. Returns
// false once the loop has been closed, in which case fn is dropped.
func (l *EventLoop) Post(fn func()) bool {
	if l.closed.Load() {
		return false
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

func (l *EventLoop) run() {
	for {
		select {
		case <-l.signal:
			l.drain()
		case <-l.quit:
			l.drain()
			close(l.done)
			return
		}
	}
}

func (l *EventLoop) drain() {
	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// Close stops the loop after running already-posted tasks and waits for the
// loop goroutine to exit.
func (l *EventLoop) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		<-l.done
		return
	}
	level.Debug(l.logger).Log("msg", "closing event loop")
	close(l.quit)
	<-l.done
}
