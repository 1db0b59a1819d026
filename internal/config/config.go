// Package config loads and validates node configuration, in the shape of
// the reference storage node's internal/config/config.go: a YAML file,
// defaulted then validated.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP transport (C8's binding).
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig points at the on-disk WAL directory.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// WALConfig configures the Segmented WAL (C2).
type WALConfig struct {
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// KeyspaceConfig configures the Versioned Keyspace (C3).
type KeyspaceConfig struct {
	HistoryRetention int `yaml:"history_retention"` // 0 = unbounded
}

// DedupConfig configures the Idempotent Receiver (C4).
type DedupConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxCacheSize int          `yaml:"max_cache_size"`
}

// CompactionConfig configures the Compactor (C5).
type CompactionConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	MinInterval  time.Duration `yaml:"min_interval"`
}

// HealthConfig configures the Cluster Health Table (C6).
type HealthConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

// Peer is one configured replication/heartbeat peer.
type Peer struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// ReplicationConfig configures the Replication Coordinator (C7).
type ReplicationConfig struct {
	Role  string `yaml:"role"` // "leader" | "follower"
	Peers []Peer `yaml:"peers"`
	// LeaderURL is set on followers to identify the leader to pull/push against.
	LeaderURL string `yaml:"leader_url"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the complete node configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	WAL         WALConfig         `yaml:"wal"`
	Keyspace    KeyspaceConfig    `yaml:"keyspace"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Health      HealthConfig      `yaml:"health"`
	Replication ReplicationConfig `yaml:"replication"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig reads and parses a YAML config file, applying defaults and
// validating the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/replicatedkv"
	}

	if cfg.WAL.MaxSegmentSize == 0 {
		cfg.WAL.MaxSegmentSize = 1024 * 1024
	}

	if cfg.Dedup.TTL == 0 {
		cfg.Dedup.TTL = 3600 * time.Second
	}
	if cfg.Dedup.MaxCacheSize == 0 {
		cfg.Dedup.MaxCacheSize = 10000
	}

	if cfg.Compaction.Interval == 0 {
		cfg.Compaction.Interval = 3600 * time.Second
	}
	if cfg.Compaction.MinInterval == 0 {
		cfg.Compaction.MinInterval = 600 * time.Second
	}

	if cfg.Health.HeartbeatInterval == 0 {
		cfg.Health.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Health.HeartbeatTimeout == 0 {
		cfg.Health.HeartbeatTimeout = 3 * cfg.Health.HeartbeatInterval
	}

	if cfg.Replication.Role == "" {
		cfg.Replication.Role = "leader"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.WAL.MaxSegmentSize <= 0 {
		return fmt.Errorf("wal.max_segment_size must be positive")
	}
	if c.Compaction.Interval < c.Compaction.MinInterval {
		return fmt.Errorf("compaction.interval must be >= compaction.min_interval")
	}
	if c.Replication.Role != "leader" && c.Replication.Role != "follower" {
		return fmt.Errorf("replication.role must be 'leader' or 'follower'")
	}
	if c.Replication.Role == "follower" && c.Replication.LeaderURL == "" {
		return fmt.Errorf("replication.leader_url is required for followers")
	}
	return nil
}
