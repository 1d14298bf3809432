// Package config loads sentineld's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds full daemon configuration.
type Config struct {
	// WatchDirs are the absolute directory roots the ingestor subscribes to.
	WatchDirs []string `yaml:"watch_dirs"`

	// QuarantineRoot is the quarantine directory (§6, default /opt/quarantine).
	QuarantineRoot string `yaml:"quarantine_root"`

	// ScannerAddress is the filesystem path of the AV engine's local socket.
	ScannerAddress string `yaml:"scanner_address"`

	// IPCSocketPath is the filesystem path of the local IPC stream socket.
	IPCSocketPath string `yaml:"ipc_socket_path"`

	// HistoryDBPath is where the bbolt scan-history ledger is stored.
	HistoryDBPath string `yaml:"history_db_path"`

	// HistoryRetentionDays controls history-ledger pruning (§4.9).
	HistoryRetentionDays int `yaml:"history_retention_days"`

	// WorkerCount is the number of scan pipeline workers (C3/C5).
	WorkerCount int `yaml:"worker_count"`

	// QueueCapacity is the bounded work queue capacity (C3).
	QueueCapacity int `yaml:"queue_capacity"`

	// MetricsAddress is the loopback address the Prometheus endpoint binds
	// to. Empty disables the metrics listener.
	MetricsAddress string `yaml:"metrics_address"`

	// PIDFilePath is where the daemon's PID lock is written.
	PIDFilePath string `yaml:"pid_file_path"`

	// LogEnv selects the zap encoder: "production" (JSON) or "dev" (console).
	LogEnv string `yaml:"log_env"`
}

// DefaultQuarantineRoot matches §6's documented default.
const DefaultQuarantineRoot = "/opt/quarantine"

// DefaultConfig returns the built-in configuration. A YAML file overlays
// only the fields it sets; a missing file is not an error.
func DefaultConfig() *Config {
	return &Config{
		WatchDirs:            nil,
		QuarantineRoot:       DefaultQuarantineRoot,
		ScannerAddress:       "/var/run/clamav/clamd.ctl",
		IPCSocketPath:        "/tmp/sentinel.sock",
		HistoryDBPath:        "/opt/quarantine/../sentinel-history.db",
		HistoryRetentionDays: 30,
		WorkerCount:          4,
		QueueCapacity:        256,
		MetricsAddress:       "127.0.0.1:9090",
		PIDFilePath:          "/run/sentineld.pid",
		LogEnv:               "production",
	}
}

// Load reads configuration from a YAML file, overlaying DefaultConfig().
// A missing file returns the defaults unchanged. Malformed YAML is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that required fields are present and sane.
func (c *Config) Validate() error {
	if len(c.WatchDirs) == 0 {
		return fmt.Errorf("at least one watch_dirs entry is required")
	}
	if c.QuarantineRoot == "" {
		return fmt.Errorf("quarantine_root is required")
	}
	if c.ScannerAddress == "" {
		return fmt.Errorf("scanner_address is required")
	}
	if c.IPCSocketPath == "" {
		return fmt.Errorf("ipc_socket_path is required")
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.HistoryRetentionDays <= 0 {
		c.HistoryRetentionDays = 30
	}
	return nil
}

// DefaultConfigYAML returns a commented YAML document for `sentineld init`.
func DefaultConfigYAML() string {
	return `# sentineld configuration
# Generated by: sentineld init

# Absolute directories to watch recursively for new or modified files.
watch_dirs:
  - /home

# Quarantine root. Created with 0700 permissions if missing.
quarantine_root: /opt/quarantine

# ClamAV-compatible engine socket (INSTREAM protocol).
scanner_address: /var/run/clamav/clamd.ctl

# Local IPC socket the desktop UI connects to (mode 0666).
ipc_socket_path: /tmp/sentinel.sock

# Scan history ledger (bbolt), diagnostic only — the manifest under
# quarantine_root is the sole authority for quarantine state.
history_db_path: /opt/sentinel-history.db
history_retention_days: 30

# Scan pipeline sizing.
worker_count: 4
queue_capacity: 256

# Prometheus metrics endpoint, loopback only. Empty disables it.
metrics_address: 127.0.0.1:9090

pid_file_path: /run/sentineld.pid

# "production" (JSON logs) or "dev" (console logs).
log_env: production
`
}
