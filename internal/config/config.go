// Package config holds the configuration for the lofisync server and client.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds both roles. A process uses the section for the role it runs.
type Config struct {
	// DataDir is the base directory for databases and archives
	DataDir string `yaml:"data_dir"`

	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// ServerConfig configures `lofisync serve` and `lofisync compact`.
type ServerConfig struct {
	// DBPath is the server SQLite database
	DBPath string `yaml:"db_path"`

	// GRPCAddr is the sync service listen address
	GRPCAddr string `yaml:"grpc_addr"`

	// MetricsAddr serves /metrics; empty disables it
	MetricsAddr string `yaml:"metrics_addr"`

	// SchemaPath is a CUE file or directory of sync table definitions
	SchemaPath string `yaml:"schema_path"`

	// Retention is how long ingested actions stay in the log
	Retention time.Duration `yaml:"retention"`

	// CompactionInterval is the time between compaction runs; zero disables
	// the daemon
	CompactionInterval time.Duration `yaml:"compaction_interval"`

	// CompactionBatch bounds the actions removed per transaction
	CompactionBatch int `yaml:"compaction_batch"`

	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig selects where compacted actions are written.
type ArchiveConfig struct {
	// Type is none, local or s3
	Type string `yaml:"type"`

	// Dir is the target directory for the local type
	Dir string `yaml:"dir"`

	S3 S3Config `yaml:"s3"`
}

// S3Config holds S3 archive settings.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// ClientConfig configures `lofisync sync` and the replica commands.
type ClientConfig struct {
	DBPath     string   `yaml:"db_path"`
	ClientID   string   `yaml:"client_id"`
	UserID     string   `yaml:"user_id"`
	Audiences  []string `yaml:"audiences"`
	ServerAddr string   `yaml:"server_addr"`
	SchemaPath string   `yaml:"schema_path"`

	// MaxAttempts bounds upload retries after BehindHead
	MaxAttempts int `yaml:"max_attempts"`

	// Timeout bounds each RPC
	Timeout time.Duration `yaml:"timeout"`
}

// Archive types.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

// DefaultConfig returns the configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/lofisync",
		Server: ServerConfig{
			GRPCAddr:           ":7420",
			MetricsAddr:        ":9420",
			Retention:          14 * 24 * time.Hour,
			CompactionInterval: time.Hour,
			CompactionBatch:    500,
			Archive:            ArchiveConfig{Type: ArchiveNone},
		},
		Client: ClientConfig{
			ServerAddr:  "localhost:7420",
			MaxAttempts: 3,
			Timeout:     30 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LOFISYNC_* environment variables.
func (c *Config) ApplyEnv() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("LOFISYNC_DATA_DIR", &c.DataDir)
	str("LOFISYNC_SERVER_DB", &c.Server.DBPath)
	str("LOFISYNC_GRPC_ADDR", &c.Server.GRPCAddr)
	str("LOFISYNC_METRICS_ADDR", &c.Server.MetricsAddr)
	str("LOFISYNC_CLIENT_DB", &c.Client.DBPath)
	str("LOFISYNC_CLIENT_ID", &c.Client.ClientID)
	str("LOFISYNC_USER_ID", &c.Client.UserID)
	str("LOFISYNC_SERVER_ADDR", &c.Client.ServerAddr)

	if v := os.Getenv("LOFISYNC_AUDIENCES"); v != "" {
		c.Client.Audiences = strings.Split(v, ",")
	}
	if v := os.Getenv("LOFISYNC_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.Retention = d
		}
	}
	if v := os.Getenv("LOFISYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Client.MaxAttempts = n
		}
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/lofisync"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = filepath.Join(c.DataDir, "server.db")
	}
	if c.Client.DBPath == "" {
		name := "replica.db"
		if c.Client.ClientID != "" {
			name = "replica-" + c.Client.ClientID + ".db"
		}
		c.Client.DBPath = filepath.Join(c.DataDir, name)
	}
	if c.Client.UserID == "" {
		c.Client.UserID = c.Client.ClientID
	}
	if c.Server.Archive.Type == "" {
		c.Server.Archive.Type = ArchiveNone
	}
	if c.Server.Archive.Type == ArchiveLocal && c.Server.Archive.Dir == "" {
		c.Server.Archive.Dir = filepath.Join(c.DataDir, "archive")
	}
}

// ValidateServer checks the server section.
func (c *Config) ValidateServer() error {
	s := c.Server
	if s.DBPath == "" {
		return fmt.Errorf("server.db_path is required")
	}
	if s.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}
	if s.Retention <= 0 {
		return fmt.Errorf("server.retention must be positive, got %s", s.Retention)
	}
	if s.CompactionInterval < 0 {
		return fmt.Errorf("server.compaction_interval must not be negative")
	}
	switch s.Archive.Type {
	case ArchiveNone, ArchiveLocal:
	case ArchiveS3:
		if s.Archive.S3.Bucket == "" {
			return fmt.Errorf("server.archive.s3.bucket is required when archive type is s3")
		}
	default:
		return fmt.Errorf("invalid archive type: %s (must be none, local or s3)", s.Archive.Type)
	}
	return nil
}

// ValidateClient checks the client section.
func (c *Config) ValidateClient() error {
	cl := c.Client
	if cl.DBPath == "" {
		return fmt.Errorf("client.db_path is required")
	}
	if cl.ClientID == "" {
		return fmt.Errorf("client.client_id is required")
	}
	if len(cl.Audiences) == 0 {
		return fmt.Errorf("client.audiences must name at least one audience")
	}
	if cl.MaxAttempts < 1 {
		return fmt.Errorf("client.max_attempts must be at least 1, got %d", cl.MaxAttempts)
	}
	return nil
}
