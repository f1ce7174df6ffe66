package conn

import (
	"context"
	"errors"
	"sync"

	"github.com/kostja/cqlcore/cql"
)

// RequestCallback carries everything a queued request needs: how to build
// the outbound frame and where to deliver the response. OnResult and OnError
// are invoked on the connection's loop; exactly one of them fires per
// request.
type RequestCallback interface {
	Frame() *cql.Frame
	OnResult(frame *cql.Frame)
	OnError(err error)
}

var ErrWaitTimeout = errors.New("timed out waiting for response")

// Future is the caller-visible pending request handle. It implements
// RequestCallback and resolves exactly once.
type Future struct {
	frame *cql.Frame
	query string

	once sync.Once
	done chan struct{}
	resp *cql.Frame
	err  error
}

// NewFuture wraps an outbound frame. query is the statement text, kept for
// the prepare observer.
func NewFuture(frame *cql.Frame, query string) *Future {
	return &Future{frame: frame, query: query, done: make(chan struct{})}
}

func (f *Future) Frame() *cql.Frame { return f.frame }

func (f *Future) Query() string { return f.query }

func (f *Future) OnResult(frame *cql.Frame) {
	f.once.Do(func() {
		f.resp = frame
		close(f.done)
	})
}

func (f *Future) OnError(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (*cql.Frame, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
