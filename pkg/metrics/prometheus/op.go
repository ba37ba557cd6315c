package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/viewfinder/oppipeline/pkg/metrics"
)

// opMetrics is the Prometheus implementation of metrics.OpMetrics.
type opMetrics struct {
	attempts          *prometheus.CounterVec
	sweepDuration     *prometheus.HistogramVec
	sweepItemsFound   *prometheus.HistogramVec
	usersOutstanding  prometheus.Gauge
}

// NewOpMetrics creates a new Prometheus-backed OpMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewOpMetrics() metrics.OpMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &opMetrics{
		attempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oppipeline_op_attempts_total",
				Help: "Total number of operation handler invocations by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		sweepDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oppipeline_op_sweep_duration_seconds",
				Help:    "Duration of a background sweeper pass",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sweeper"},
		),
		sweepItemsFound: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oppipeline_op_sweep_items_found",
				Help:    "Number of rows a background sweeper pass found",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"sweeper"},
		),
		usersOutstanding: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "oppipeline_op_users_outstanding",
				Help: "Number of UserOpManagers currently scheduled by the OpManager",
			},
		),
	}
}

func (m *opMetrics) RecordAttempt(method, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(method, outcome).Inc()
}

func (m *opMetrics) RecordSweep(sweeper string, duration time.Duration, found int) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(sweeper).Observe(duration.Seconds())
	m.sweepItemsFound.WithLabelValues(sweeper).Observe(float64(found))
}

func (m *opMetrics) RecordUsersOutstanding(count int) {
	if m == nil {
		return
	}
	m.usersOutstanding.Set(float64(count))
}
