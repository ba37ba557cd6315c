// Package metrics defines nil-safe metrics interfaces for the operation
// pipeline. Every interface here is optional: passing nil to a constructor
// that accepts one of these disables metrics collection with zero overhead.
// pkg/metrics/prometheus provides the Prometheus-backed implementation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
	enabled  bool
)

// InitRegistry enables metrics collection and returns the Prometheus registry
// that backs it. Call this once during startup before constructing any
// metrics-aware components.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	registry = prometheus.NewRegistry()
	enabled = true
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// GetRegistry returns the active Prometheus registry, or nil if metrics are
// not enabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}
