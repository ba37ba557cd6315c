package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
}

func TestApplyDefaults_ShutdownTimeout(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestApplyDefaults_Lock(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, 60, cfg.Lock.AbandonmentSecs)
	assert.Equal(t, 30, cfg.Lock.RenewalSecs)
	assert.Equal(t, 10, cfg.Lock.MaxUpdateAttempts)
}

func TestApplyDefaults_Retry(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, 1*time.Second, cfg.Retry.MinDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
}

func TestApplyDefaults_OpManager(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, 10, cfg.OpManager.ScanLimit)
	assert.Equal(t, 1000, cfg.OpManager.MaxUsersOutstanding)
	assert.Equal(t, 60*time.Second, cfg.OpManager.ScanAbandonedLocksInterval)
	assert.Equal(t, 6*time.Hour, cfg.OpManager.ScanFailedOpsInterval)
	assert.Equal(t, 10, cfg.OpManager.QuarantineThreshold)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  "DEBUG",
			Format: "json",
			Output: "/var/log/oppipeline.log",
		},
		ShutdownTimeout: 60 * time.Second,
		Lock: LockConfig{
			AbandonmentSecs: 120,
		},
	}

	ApplyDefaults(cfg)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/var/log/oppipeline.log", cfg.Logging.Output)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 120, cfg.Lock.AbandonmentSecs)
	// Untouched sibling fields still get their defaults.
	assert.Equal(t, 30, cfg.Lock.RenewalSecs)
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.NoError(t, Validate(cfg))
}

func TestGetDefaultConfig_HasRequiredFields(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.NotEmpty(t, cfg.Logging.Level)
	assert.NotEmpty(t, cfg.KVStore.Type)
	assert.NotZero(t, cfg.Lock.AbandonmentSecs)
	assert.NotZero(t, cfg.OpManager.ScanLimit)
}
