package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/viewfinder/oppipeline/pkg/metrics"
)

// lockMetrics is the Prometheus implementation of metrics.LockMetrics.
type lockMetrics struct {
	acquireAttempts *prometheus.CounterVec
	acquireFailures *prometheus.HistogramVec
	renewals        *prometheus.CounterVec
}

// NewLockMetrics creates a new Prometheus-backed LockMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewLockMetrics() metrics.LockMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &lockMetrics{
		acquireAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oppipeline_lock_acquire_attempts_total",
				Help: "Total number of lock acquire attempts by resource type and outcome",
			},
			[]string{"resource_type", "status"},
		),
		acquireFailures: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oppipeline_lock_acquire_failures",
				Help:    "Contention counter (acquire_failures) observed when a lock is released",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"resource_type"},
		),
		renewals: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "oppipeline_lock_renewals_total",
				Help: "Total number of lock renewal timer ticks by resource type and outcome",
			},
			[]string{"resource_type", "ok"},
		),
	}
}

func (m *lockMetrics) RecordAcquireAttempt(resourceType, status string) {
	if m == nil {
		return
	}
	m.acquireAttempts.WithLabelValues(resourceType, status).Inc()
}

func (m *lockMetrics) RecordAcquireFailures(resourceType string, failures int) {
	if m == nil {
		return
	}
	m.acquireFailures.WithLabelValues(resourceType).Observe(float64(failures))
}

func (m *lockMetrics) RecordRenewal(resourceType string, ok bool) {
	if m == nil {
		return
	}
	status := "true"
	if !ok {
		status = "false"
	}
	m.renewals.WithLabelValues(resourceType, status).Inc()
}
