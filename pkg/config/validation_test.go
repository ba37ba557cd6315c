package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.NoError(t, Validate(cfg))
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	assert.Error(t, Validate(cfg))
}

func TestValidate_InvalidMetricsPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Port = 70000

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max")
}

func TestValidate_InvalidKVStoreType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.KVStore.Type = "sqlite"

	assert.Error(t, Validate(cfg))
}

func TestValidate_BadgerRequiresPath(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.KVStore.Type = "badger"
	cfg.KVStore.Badger.Path = ""

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "badger.path")
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.KVStore.Type = "postgres"
	cfg.KVStore.Postgres.DSN = ""

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.dsn")
}

func TestValidate_TelemetrySampleRate(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.SampleRate = 1.5

	assert.Error(t, Validate(cfg))
}

func TestValidate_LockRequiresPositiveValues(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Lock.AbandonmentSecs = 0

	assert.Error(t, Validate(cfg))
}

func TestValidate_RetryMaxDelayMustExceedMinDelay(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Retry.MinDelay = 10_000_000_000  // 10s
	cfg.Retry.MaxDelay = 1_000_000_000   // 1s, smaller than min

	assert.Error(t, Validate(cfg))
}

func TestValidate_LogLevelNormalization(t *testing.T) {
	testCases := []string{"info", "INFO", "debug", "DEBUG", "warn", "WARN", "error", "ERROR"}

	for _, level := range testCases {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = level

		assert.NoError(t, Validate(cfg), "level %q should be valid", level)
		assert.Equal(t, level, cfg.Logging.Level, "validation should not normalize")
	}

	cfg := &Config{Logging: LoggingConfig{Level: "info"}}
	ApplyDefaults(cfg)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}
