package evloop

import (
	"github.com/go-kit/log"
	"go.uber.org/atomic"
)

// Group owns a fixed set of event loops. Connections are spread across loops
// round-robin at creation time and never migrate.
type Group struct {
	loops []*EventLoop
	next  *atomic.Uint32
}

func NewGroup(n int, logger log.Logger) *Group {
	if n <= 0 {
		n = 1
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	g := &Group{
		loops: make([]*EventLoop, n),
		next:  atomic.NewUint32(0),
	}
	for i := range g.loops {
		g.loops[i] = newEventLoop(i, logger)
	}
	return g
}

func (g *Group) Size() int { return len(g.loops) }

func (g *Group) Loop(i int) *EventLoop { return g.loops[i] }

// Next picks a loop round-robin. Safe from any thread.
func (g *Group) Next() *EventLoop {
	n := g.next.Inc() - 1
	return g.loops[int(n)%len(g.loops)]
}

func (g *Group) Close() {
	for _, l := range g.loops {
		l.Close()
	}
}
