package requestqueue

import (
	"github.com/kostja/cqlcore/evloop"
)

// Manager maps every event loop in a group to its request queue. The dense
// slice is built once at init and indexed by loop, so Get is a constant-time
// lookup from any thread.
type Manager struct {
	group  *evloop.Group
	queues []*Queue
}

func NewManager(group *evloop.Group, opts Options) *Manager {
	m := &Manager{
		group:  group,
		queues: make([]*Queue, group.Size()),
	}
	for i := range m.queues {
		m.queues[i] = NewQueue(group.Loop(i), opts)
	}
	return m
}

func (m *Manager) Group() *evloop.Group { return m.group }

// Get returns the queue handling requests for the given loop. Thread-safe.
func (m *Manager) Get(loop *evloop.EventLoop) *Queue {
	return m.queues[loop.Index()]
}

// CloseHandles closes every queue. Thread-safe.
func (m *Manager) CloseHandles() {
	for _, q := range m.queues {
		q.CloseHandles()
	}
}
