package stress

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of a stress run.
type Metrics struct {
	advances   prometheus.Counter
	arrivals   *prometheus.CounterVec
	waits      prometheus.Histogram
	timeouts   prometheus.Counter
	registered prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		advances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "phaser",
			Subsystem: "stress",
			Name:      "advances_total",
			Help:      "Phases completed at the root phaser.",
		}),
		arrivals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phaser",
			Subsystem: "stress",
			Name:      "arrivals_total",
			Help:      "Party arrivals by wait mode.",
		}, []string{"mode"}),
		waits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "phaser",
			Subsystem: "stress",
			Name:      "wait_seconds",
			Help:      "Time a party spent waiting for a phase to advance.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "phaser",
			Subsystem: "stress",
			Name:      "wait_timeouts_total",
			Help:      "Timed waits that expired before the phase advanced.",
		}),
		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "phaser",
			Subsystem: "stress",
			Name:      "registered_parties",
			Help:      "Parties registered at the root for the next phase.",
		}),
	}
	reg.MustRegister(m.advances, m.arrivals, m.waits, m.timeouts, m.registered)
	return m
}

func (m *Metrics) recordAdvance(registeredParties int) {
	m.advances.Inc()
	m.registered.Set(float64(registeredParties))
}

func (m *Metrics) recordArrival(mode Mode) {
	m.arrivals.WithLabelValues(string(mode)).Inc()
}

func (m *Metrics) recordWait(d time.Duration) {
	m.waits.Observe(d.Seconds())
}

func (m *Metrics) recordTimeout() {
	m.timeouts.Inc()
}
