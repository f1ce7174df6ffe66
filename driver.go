package cqlcore

import (
	"runtime"
	"sync"
	"time"

	"github.com/go-kit/log"

	"github.com/kostja/cqlcore/conn"
	"github.com/kostja/cqlcore/evloop"
	"github.com/kostja/cqlcore/metric"
	"github.com/kostja/cqlcore/requestqueue"
)

// Settings are the driver-wide tunables. Zero values fall back to the
// documented defaults.
type Settings struct {
	// NumLoops is the number of event loops, default GOMAXPROCS.
	NumLoops int

	// QueueSize is the per-loop request queue capacity, default 16384.
	// Powers of two keep the ring efficient.
	QueueSize int

	// MaxStreams bounds in-flight requests per connection, default and
	// protocol maximum 128.
	MaxStreams int

	// FlushBackoffThreshold and FlushBackoffInterval tune how long an idle
	// flush cycle holds on to its wakeup before giving it up. Defaults: 4
	// cycles of 1ms.
	FlushBackoffThreshold int
	FlushBackoffInterval  time.Duration

	// MaxFrameBody bounds inbound frame bodies, default 256 MiB.
	MaxFrameBody int

	// CQLVersion is sent in STARTUP, default "3.0.0".
	CQLVersion string

	// Compression negotiates a frame body codec: "", "snappy" or "lz4".
	Compression string

	ConnectTimeout time.Duration

	Logger  log.Logger
	Metrics *metric.Metrics
}

func (s Settings) withDefaults() Settings {
	if s.NumLoops <= 0 {
		s.NumLoops = runtime.GOMAXPROCS(0)
	}
	if s.QueueSize <= 0 {
		s.QueueSize = requestqueue.DefaultQueueSize
	}
	if s.MaxStreams <= 0 || s.MaxStreams > conn.MaxStreams {
		s.MaxStreams = conn.MaxStreams
	}
	if s.Logger == nil {
		s.Logger = log.NewNopLogger()
	}
	return s
}

// Driver is the process-wide director of the connection core: it owns the
// event loop group and the per-loop request queues, spreads connections
// across loops and routes submissions to the right queue.
type Driver struct {
	settings Settings
	group    *evloop.Group
	manager  *requestqueue.Manager

	mu    sync.Mutex
	conns []*conn.Connection
}

func NewDriver(settings Settings) *Driver {
	settings = settings.withDefaults()
	group := evloop.NewGroup(settings.NumLoops, settings.Logger)
	manager := requestqueue.NewManager(group, requestqueue.Options{
		Size:             settings.QueueSize,
		BackoffThreshold: settings.FlushBackoffThreshold,
		BackoffInterval:  settings.FlushBackoffInterval,
		Logger:           settings.Logger,
		Metrics:          settings.Metrics,
	})
	return &Driver{settings: settings, group: group, manager: manager}
}

func (d *Driver) Group() *evloop.Group { return d.group }

func (d *Driver) Manager() *requestqueue.Manager { return d.manager }

// Connect binds a new connection to the next loop round-robin and starts
// its handshake. Progress is reported through the observers.
func (d *Driver) Connect(host conn.Host, ssl conn.Session, observers conn.Observers) (*conn.Connection, error) {
	c, err := conn.NewConnection(d.group.Next(), conn.Config{
		Host:           host,
		SSL:            ssl,
		CQLVersion:     d.settings.CQLVersion,
		Compression:    d.settings.Compression,
		MaxStreams:     d.settings.MaxStreams,
		MaxFrameBody:   d.settings.MaxFrameBody,
		ConnectTimeout: d.settings.ConnectTimeout,
		Logger:         d.settings.Logger,
		Metrics:        d.settings.Metrics,
		Observers:      observers,
	})
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	c.Start()
	return c, nil
}

// Submit queues a request on the connection's owning loop. Thread-safe.
// Returns false when the queue is full; the caller applies backpressure.
func (d *Driver) Submit(c *conn.Connection, cb conn.RequestCallback) bool {
	return d.manager.Get(c.Loop()).Write(c, cb)
}

// Close tears down the connections, then the queues, then the loops.
// Pending requests fail with ErrConnectionClosed.
func (d *Driver) Close() {
	d.mu.Lock()
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	d.manager.CloseHandles()
	d.group.Close()
}
