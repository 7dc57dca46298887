package filequeue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes supply queue statistics to Prometheus.
type Metrics struct {
	mu sync.Mutex

	fetchAttempts *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	queued        prometheus.Counter
	depth         prometheus.Gauge
	loops         prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// NewMetrics creates the queue collectors. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "ctfreader", Subsystem: "filequeue", Name: name, Help: help}
	}
	return &Metrics{
		registerer:    registerer,
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts(opts("fetch_attempts_total", "Files the queue tried to make available")), []string{"kind"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts(opts("fetch_failures_total", "Files that could not be made available")), []string{"kind"}),
		queued:        prometheus.NewCounter(prometheus.CounterOpts(opts("queued_total", "Files handed to the queue"))),
		depth:         prometheus.NewGauge(prometheus.GaugeOpts(opts("depth", "Files waiting in the queue"))),
		loops:         prometheus.NewGauge(prometheus.GaugeOpts(opts("loop", "Current pass over the input list"))),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.fetchAttempts, m.fetchFailures, m.queued, m.depth, m.loops} {
		if err := m.registerer.Register(c); err != nil {
			return err
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) attempt(kind string) {
	if m != nil {
		m.fetchAttempts.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) failure(kind string) {
	if m != nil {
		m.fetchFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) enqueued(depth int) {
	if m != nil {
		m.queued.Inc()
		m.depth.Set(float64(depth))
	}
}

func (m *Metrics) setDepth(depth int) {
	if m != nil {
		m.depth.Set(float64(depth))
	}
}

func (m *Metrics) setLoop(loop int) {
	if m != nil {
		m.loops.Set(float64(loop))
	}
}
