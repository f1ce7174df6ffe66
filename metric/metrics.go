package metric

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the driver core. All methods are nil-receiver safe so
// components can run uninstrumented.
type Metrics struct {
	QueueWakeups prometheus.Counter
	QueueFlushes prometheus.Counter
	QueueItems   prometheus.Counter
	QueueDropped prometheus.Counter
	FramesIn     prometheus.Counter
	FramesOut    prometheus.Counter
	Streams      prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueWakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cqlcore", Subsystem: "queue", Name: "wakeups_total",
			Help: "Async wakeups delivered to event loops.",
		}),
		QueueFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cqlcore", Subsystem: "queue", Name: "flushes_total",
			Help: "Flush cycles run on event loops.",
		}),
		QueueItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cqlcore", Subsystem: "queue", Name: "items_total",
			Help: "Request items drained from queues.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cqlcore", Subsystem: "queue", Name: "rejected_total",
			Help: "Writes rejected because a queue was full or closing.",
		}),
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cqlcore", Subsystem: "conn", Name: "frames_in_total",
			Help: "Frames received across all connections.",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cqlcore", Subsystem: "conn", Name: "frames_out_total",
			Help: "Frames sent across all connections.",
		}),
		Streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cqlcore", Subsystem: "conn", Name: "streams_in_flight",
			Help: "Live stream ids across all connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.QueueWakeups, m.QueueFlushes, m.QueueItems,
			m.QueueDropped, m.FramesIn, m.FramesOut, m.Streams)
	}
	return m
}

func (m *Metrics) IncQueueWakeups() {
	if m != nil {
		m.QueueWakeups.Inc()
	}
}

func (m *Metrics) IncQueueFlushes() {
	if m != nil {
		m.QueueFlushes.Inc()
	}
}

func (m *Metrics) AddQueueItems(n int) {
	if m != nil {
		m.QueueItems.Add(float64(n))
	}
}

func (m *Metrics) IncQueueDropped() {
	if m != nil {
		m.QueueDropped.Inc()
	}
}

func (m *Metrics) IncFramesIn() {
	if m != nil {
		m.FramesIn.Inc()
	}
}

func (m *Metrics) IncFramesOut() {
	if m != nil {
		m.FramesOut.Inc()
	}
}

func (m *Metrics) AddStreams(delta int) {
	if m != nil {
		m.Streams.Add(float64(delta))
	}
}
