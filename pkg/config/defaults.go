package config

import (
	"strings"
	"time"

	"github.com/viewfinder/oppipeline/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyKVStoreDefaults(&cfg.KVStore)
	applyLockDefaults(&cfg.Lock)
	applyRetryDefaults(&cfg.Retry)
	applyOpManagerDefaults(&cfg.OpManager)
	applyNotificationDefaults(&cfg.Notification)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyKVStoreDefaults sets kvstore defaults.
func applyKVStoreDefaults(cfg *KVStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Type == "badger" && cfg.Badger.Path == "" {
		cfg.Badger.Path = "/tmp/oppipeline-kv"
	}
	if cfg.Postgres.MaxConns == 0 {
		cfg.Postgres.MaxConns = 10
	}
	if cfg.Postgres.MigrationsPath == "" {
		cfg.Postgres.MigrationsPath = "file://pkg/kvstore/postgres/migrations"
	}
}

// applyLockDefaults sets the Lock primitive's tunables to their
// production defaults when unspecified.
func applyLockDefaults(cfg *LockConfig) {
	if cfg.AbandonmentSecs == 0 {
		cfg.AbandonmentSecs = 60
	}
	if cfg.RenewalSecs == 0 {
		cfg.RenewalSecs = 30
	}
	if cfg.MaxUpdateAttempts == 0 {
		cfg.MaxUpdateAttempts = 10
	}
}

// applyRetryDefaults sets the default RetryPolicy's tunables.
func applyRetryDefaults(cfg *RetryConfig) {
	if cfg.MinDelay == 0 {
		cfg.MinDelay = 1 * time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
}

// applyOpManagerDefaults sets the OpManager/UserOpManager scheduler's tunables.
func applyOpManagerDefaults(cfg *OpManagerConfig) {
	if cfg.ScanLimit == 0 {
		cfg.ScanLimit = 10
	}
	if cfg.MaxUsersOutstanding == 0 {
		cfg.MaxUsersOutstanding = 1000
	}
	if cfg.ScanAbandonedLocksInterval == 0 {
		cfg.ScanAbandonedLocksInterval = 60 * time.Second
	}
	if cfg.ScanFailedOpsInterval == 0 {
		cfg.ScanFailedOpsInterval = 6 * time.Hour
	}
	if cfg.QuarantineThreshold == 0 {
		cfg.QuarantineThreshold = 10
	}
}

// applyNotificationDefaults sets notification fan-out tunables.
func applyNotificationDefaults(cfg *NotificationConfig) {
	if cfg.MaxInlineCommentLen == 0 {
		cfg.MaxInlineCommentLen = 1024 * bytesize.B
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		KVStore: KVStoreConfig{
			Type: "memory",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
