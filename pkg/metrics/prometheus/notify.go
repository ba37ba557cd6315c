package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/viewfinder/oppipeline/pkg/metrics"
)

// notifyMetrics is the Prometheus implementation of metrics.NotifyMetrics.
type notifyMetrics struct {
	fanoutFollowers *prometheus.HistogramVec
	badgeDeltas     prometheus.Counter
}

// NewNotifyMetrics creates a new Prometheus-backed NotifyMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewNotifyMetrics() metrics.NotifyMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &notifyMetrics{
		fanoutFollowers: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oppipeline_notify_fanout_followers",
				Help:    "Number of follower notification rows written per NotifyFollowers call",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"compact"},
		),
		badgeDeltas: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "oppipeline_notify_badge_deltas_total",
				Help: "Total badge delta applied across all followers",
			},
		),
	}
}

func (m *notifyMetrics) RecordFanout(followers int, compact bool) {
	if m == nil {
		return
	}
	label := "true"
	if !compact {
		label = "false"
	}
	m.fanoutFollowers.WithLabelValues(label).Observe(float64(followers))
}

func (m *notifyMetrics) RecordBadgeDelta(delta int) {
	if m == nil {
		return
	}
	m.badgeDeltas.Add(float64(delta))
}
