package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MonitorConfig controls the capture loop and collection cycle.
type MonitorConfig struct {
	Interface          string `yaml:"interface"`
	SnapshotInterval   string `yaml:"snapshot_interval"`
	NumWorkers         int    `yaml:"num_workers"`
	SizeOfFrameChannel int    `yaml:"size_of_frame_channel"`
}

// WatchlistConfig seeds the runtime watch-list.
type WatchlistConfig struct {
	IPs   []string `yaml:"ips"`
	Ports []uint16 `yaml:"ports"`
}

// RetentionConfig controls periodic cleanup of stored records.
type RetentionConfig struct {
	Interval string `yaml:"interval"`
	MaxAge   string `yaml:"max_age"`
}

// StorageConfig locates the embedded time-series store.
type StorageConfig struct {
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// APIConfig holds the HTTP listen address.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ProbeConfig holds the NATS transport settings for remote capture.
type ProbeConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// ClickHouseConfig holds the optional archival store settings.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ArchiveConfig groups archival writers.
type ArchiveConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Monitor   MonitorConfig   `yaml:"monitor"`
	Watchlist WatchlistConfig `yaml:"watchlist"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	Probe     ProbeConfig     `yaml:"probe"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config
// struct with defaults applied.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Monitor.Interface == "" {
		c.Monitor.Interface = "eth0"
	}
	if c.Monitor.SnapshotInterval == "" {
		c.Monitor.SnapshotInterval = "5s"
	}
	if c.Monitor.NumWorkers <= 0 {
		c.Monitor.NumWorkers = 4
	}
	if c.Monitor.SizeOfFrameChannel <= 0 {
		c.Monitor.SizeOfFrameChannel = 4096
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/flowscope.db"
	}
	if c.Storage.Retention.Interval == "" {
		c.Storage.Retention.Interval = "1h"
	}
	if c.Storage.Retention.MaxAge == "" {
		c.Storage.Retention.MaxAge = "24h"
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.Probe.Subject == "" {
		c.Probe.Subject = "flowscope.frames.raw"
	}
}

// TargetIPsFromEnv reads the TARGET_IP environment variable, a
// comma-separated list of IPv4 addresses. When set it overrides the
// watch-list IPs from the config file. An empty or unset variable returns
// nil.
func TargetIPsFromEnv() []string {
	raw := os.Getenv("TARGET_IP")
	if raw == "" {
		return nil
	}
	var ips []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ips = append(ips, trimmed)
		}
	}
	return ips
}
