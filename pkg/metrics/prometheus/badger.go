package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/viewfinder/oppipeline/pkg/metrics"
)

// badgerMetrics is the Prometheus implementation for the kvstore's BadgerDB
// backend block/index cache.
type badgerMetrics struct {
	cacheHitRatio *prometheus.GaugeVec
	cacheMisses   *prometheus.GaugeVec
	cacheHits     *prometheus.GaugeVec
}

// NewBadgerMetrics creates a new Prometheus-backed BadgerDB metrics instance.
// The values are sampled from BadgerDB's own cumulative cache counters, so
// they are exported as gauges, not Prometheus counters.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewBadgerMetrics() metrics.KVCacheMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &badgerMetrics{
		cacheHitRatio: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oppipeline_kvstore_badger_cache_hit_ratio",
				Help: "BadgerDB cache hit ratio (0.0 to 1.0) by cache type",
			},
			[]string{"cache_type"}, // "block", "index"
		),
		cacheMisses: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oppipeline_kvstore_badger_cache_misses",
				Help: "Cumulative BadgerDB cache misses by cache type, as last sampled",
			},
			[]string{"cache_type"}, // "block", "index"
		),
		cacheHits: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oppipeline_kvstore_badger_cache_hits",
				Help: "Cumulative BadgerDB cache hits by cache type, as last sampled",
			},
			[]string{"cache_type"}, // "block", "index"
		),
	}
}

// RecordCacheHitRatio records the cache hit ratio for a specific cache type.
// ratio should be between 0.0 and 1.0
func (m *badgerMetrics) RecordCacheHitRatio(cacheType string, ratio float64) {
	if m == nil {
		return
	}
	m.cacheHitRatio.WithLabelValues(cacheType).Set(ratio)
}

// RecordCacheCounts records the sampled cumulative hit and miss counts for a
// specific cache type.
func (m *badgerMetrics) RecordCacheCounts(cacheType string, hits, misses uint64) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cacheType).Set(float64(hits))
	m.cacheMisses.WithLabelValues(cacheType).Set(float64(misses))
}
