package requestqueue

import (
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jpillora/backoff"
	"go.uber.org/atomic"

	"github.com/kostja/cqlcore/conn"
	"github.com/kostja/cqlcore/evloop"
	"github.com/kostja/cqlcore/metric"
)

const (
	DefaultQueueSize             = 16384
	DefaultFlushBackoffThreshold = 4
	DefaultFlushBackoffInterval  = time.Millisecond
)

// Connection is the slice of the connection surface the queue drives: stage
// a request, then flush everything staged in one syscall.
type Connection interface {
	Execute(cb conn.RequestCallback) error
	Flush()
}

// Item pairs a connection with the callback that knows how to build its
// frame and receive its result.
type Item struct {
	Conn     Connection
	Callback conn.RequestCallback
}

// Options tunes a queue. Zero values fall back to defaults.
type Options struct {
	Size             int
	BackoffThreshold int
	BackoffInterval  time.Duration
	Logger           log.Logger
	Metrics          *metric.Metrics
}

// Queue decouples submitter threads from the event loop owning the
// connections, and coalesces many submissions into few loop wakeups and few
// socket syscalls. Write is safe from any thread; the flush handler runs on
// the owning loop.
type Queue struct {
	loop    *evloop.EventLoop
	logger  log.Logger
	metrics *metric.Metrics

	ring *queue.RingBuffer

	isFlushing *atomic.Bool
	isClosing  *atomic.Bool

	// Loop-side state.
	flushesWithoutWrites int
	touched              map[Connection]struct{}

	async *evloop.Async
	timer *evloop.Timer
	boff  *backoff.Backoff

	backoffThreshold int
}

func NewQueue(loop *evloop.EventLoop, opts Options) *Queue {
	size := opts.Size
	if size <= 0 {
		size = DefaultQueueSize
	}
	threshold := opts.BackoffThreshold
	if threshold <= 0 {
		threshold = DefaultFlushBackoffThreshold
	}
	interval := opts.BackoffInterval
	if interval <= 0 {
		interval = DefaultFlushBackoffInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	q := &Queue{
		loop:       loop,
		logger:     log.With(logger, "queue", loop.Index()),
		metrics:    opts.Metrics,
		ring:       queue.NewRingBuffer(uint64(size)),
		isFlushing: atomic.NewBool(false),
		isClosing:  atomic.NewBool(false),
		touched:    make(map[Connection]struct{}),
		boff: &backoff.Backoff{
			Min:    interval,
			Max:    interval,
			Factor: 1,
		},
		backoffThreshold: threshold,
	}
	q.async = evloop.NewAsync(loop, q.handleFlush)
	q.timer = evloop.NewTimer(loop)
	return q
}

// Write queues a request to be written on connection. Thread-safe. Returns
// false when the ring is full or the queue is closing; the caller applies
// backpressure. At most one wakeup is in flight at any time: the producer
// that flips isFlushing signals the loop, everyone else rides along.
func (q *Queue) Write(c Connection, cb conn.RequestCallback) bool {
	if q.isClosing.Load() {
		q.metrics.IncQueueDropped()
		return false
	}

	ok, err := q.ring.Offer(Item{Conn: c, Callback: cb})
	if err != nil || !ok {
		q.metrics.IncQueueDropped()
		return false
	}

	if q.isFlushing.CompareAndSwap(false, true) {
		q.metrics.IncQueueWakeups()
		q.async.Notify()
	}
	return true
}

// handleFlush drains the ring on the loop thread, stages each item on its
// connection and then flushes every touched connection once, so a batch of
// frames to the same peer costs one syscall.
func (q *Queue) handleFlush() {
	q.metrics.IncQueueFlushes()

	n := int(q.ring.Len())
	if max := int(q.ring.Cap()); n > max {
		n = max
	}

	wrote := false
	for i := 0; i < n; i++ {
		v, err := q.ring.Get()
		if err != nil {
			break
		}
		item := v.(Item)
		if err := item.Conn.Execute(item.Callback); err != nil {
			item.Callback.OnError(err)
			continue
		}
		q.touched[item.Conn] = struct{}{}
		wrote = true
	}
	q.metrics.AddQueueItems(n)

	for c := range q.touched {
		c.Flush()
		delete(q.touched, c)
	}

	if wrote {
		q.flushesWithoutWrites = 0
		q.boff.Reset()
		q.release()
		return
	}

	// Nothing was written. Hold on to the flushing right for a few short
	// timer cycles to absorb a tight producer burst without a wakeup per
	// item, then give it up.
	q.flushesWithoutWrites++
	if q.flushesWithoutWrites < q.backoffThreshold {
		q.timer.Start(q.boff.Duration(), q.handleFlush)
		return
	}
	q.release()
}

// release clears the flushing flag and re-checks the ring: a producer that
// observed the flag set did not signal, so a non-empty ring needs a wakeup
// re-armed here or progress would stall.
func (q *Queue) release() {
	q.isFlushing.Store(false)
	if q.ring.Len() == 0 {
		return
	}
	if q.isFlushing.CompareAndSwap(false, true) {
		q.metrics.IncQueueWakeups()
		q.async.Notify()
	}
}

// CloseHandles stops the queue. Thread-safe. Later Writes return false;
// items still in the ring are failed on the loop thread.
func (q *Queue) CloseHandles() {
	if !q.isClosing.CompareAndSwap(false, true) {
		return
	}
	level.Debug(q.logger).Log("msg", "closing request queue")

	q.async.Close(func() {
		q.timer.Stop()
		for q.ring.Len() > 0 {
			v, err := q.ring.Get()
			if err != nil {
				break
			}
			v.(Item).Callback.OnError(conn.ErrConnectionClosed)
		}
		q.ring.Dispose()
	})
}
