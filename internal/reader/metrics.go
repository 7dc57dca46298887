package reader

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes reader progress to Prometheus.
type Metrics struct {
	mu sync.Mutex

	seen         prometheus.Counter
	accepted     prometheus.Counter
	rejected     *prometheus.CounterVec
	files        *prometheus.CounterVec
	payloadBytes *prometheus.CounterVec
	waits        prometheus.Counter
	waitSeconds  prometheus.Counter
	emitSeconds  prometheus.Histogram
	lastAccepted prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newReaderCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ctfreader",
		Subsystem: "reader",
		Name:      name,
		Help:      help,
	})
}

func newReaderCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctfreader",
		Subsystem: "reader",
		Name:      name,
		Help:      help,
	}, labels)
}

// NewMetrics creates the reader collectors. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:   registerer,
		seen:         newReaderCounter("tfs_seen_total", "Time frames read from containers"),
		accepted:     newReaderCounter("tfs_accepted_total", "Time frames emitted downstream"),
		rejected:     newReaderCounterVec("tfs_skipped_total", "Time frames read but not emitted", []string{"reason"}),
		files:        newReaderCounterVec("files_total", "Containers processed", []string{"result"}),
		payloadBytes: newReaderCounterVec("payload_bytes_total", "Detector payload bytes emitted", []string{"detector"}),
		waits:        newReaderCounter("data_waits_total", "Times the reader waited for input files"),
		waitSeconds:  newReaderCounter("data_wait_seconds_total", "Time spent waiting for input files"),
		emitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ctfreader",
			Subsystem: "reader",
			Name:      "emit_duration_seconds",
			Help:      "Time from reading a header to publishing the frame",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		lastAccepted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ctfreader",
			Subsystem: "reader",
			Name:      "last_accepted_tf",
			Help:      "Accepted counter of the last emitted time frame",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.seen, m.accepted, m.rejected, m.files, m.payloadBytes,
		m.waits, m.waitSeconds, m.emitSeconds, m.lastAccepted,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			return err
		}
	}
	m.registered = true
	return nil
}
