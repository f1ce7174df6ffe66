package conn

import (
	"sync"
	"time"

	"github.com/kostja/cqlcore/cql"
)

var timerPool = newTimerPool()

type TimerPool struct {
	sp sync.Pool
}

func newTimerPool() *TimerPool {
	return &TimerPool{sp: sync.Pool{}}
}

func (p *TimerPool) acquire(timeout time.Duration) *time.Timer {
	v := p.sp.Get()
	if v == nil {
		return time.NewTimer(timeout)
	}
	t := v.(*time.Timer)
	t.Reset(timeout)
	return t
}

func (p *TimerPool) release(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	p.sp.Put(t)
}

// WaitTimeout blocks until the future resolves or d elapses.
func (f *Future) WaitTimeout(d time.Duration) (*cql.Frame, error) {
	t := timerPool.acquire(d)
	defer timerPool.release(t)

	select {
	case <-f.done:
		return f.resp, f.err
	case <-t.C:
		return nil, ErrWaitTimeout
	}
}
