package progress

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns the Prometheus collectors for the progress subsystem. A nil
// *Metrics is valid and records nothing, so tests can run without a registry.
type Metrics struct {
	snapshotsPublished   *prometheus.CounterVec
	snapshotsRejected    prometheus.Counter
	activeSubscribers    prometheus.Gauge
	cancellationRequests prometheus.Counter
}

// NewMetrics registers the progress collectors against the provided registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		snapshotsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rivalscope_progress_snapshots_published_total",
			Help: "Snapshots accepted by the progress store, partitioned by status.",
		}, []string{"status"}),
		snapshotsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivalscope_progress_snapshots_rejected_total",
			Help: "Snapshots dropped for validation or invariant violations.",
		}),
		activeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rivalscope_progress_subscribers",
			Help: "Currently attached progress subscribers.",
		}),
		cancellationRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rivalscope_progress_cancellation_requests_total",
			Help: "Cancellation commands forwarded to the report runner.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.snapshotsPublished,
		m.snapshotsRejected,
		m.activeSubscribers,
		m.cancellationRequests,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) published(status Status) {
	if m == nil {
		return
	}
	m.snapshotsPublished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.snapshotsRejected.Inc()
}

func (m *Metrics) subscribed() {
	if m == nil {
		return
	}
	m.activeSubscribers.Inc()
}

func (m *Metrics) unsubscribed() {
	if m == nil {
		return
	}
	m.activeSubscribers.Dec()
}

func (m *Metrics) cancellationRequested() {
	if m == nil {
		return
	}
	m.cancellationRequests.Inc()
}
