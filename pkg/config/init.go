package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigTemplate = `# Operation Pipeline Configuration File
#
# See pkg/config/config.go for the full set of tunables. Values omitted
# here fall back to the defaults in pkg/config/defaults.go.

logging:
  level: "INFO"
  format: "text"
  output: "stdout"

shutdown_timeout: 30s

kvstore:
  type: memory

lock:
  abandonment_secs: 60
  renewal_secs: 30
  max_update_attempts: 10

retry:
  min_delay: 1s
  max_delay: 30s

opmanager:
  scan_limit: 10
  max_users_outstanding: 1000
  scan_abandoned_locks_interval: 60s
  scan_failed_ops_interval: 6h
  quarantine_threshold: 10

notification:
  max_inline_comment_len: 1024

metrics:
  enabled: false
  port: 9090
`

// InitConfig writes a default configuration file to the default location
// ($XDG_CONFIG_HOME/oppipeline/config.yaml). force overwrites an existing file.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default configuration file to the given path.
// force overwrites an existing file.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
