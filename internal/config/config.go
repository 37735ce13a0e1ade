package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Remote store connection
	Remote RemoteConfig `json:"remote" mapstructure:"remote"`

	// Authentication and session persistence
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Local storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Freshness cache
	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	// Push/pull behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Recovery sources
	Recovery RecoveryConfig `json:"recovery" mapstructure:"recovery"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`

	// Prometheus exposition
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// Remote drivers.
const (
	DriverREST     = "rest"
	DriverPostgres = "postgres"
)

// RemoteConfig for the hosted relational store.
type RemoteConfig struct {
	Driver      string        `json:"driver" mapstructure:"driver"`             // rest, postgres
	BaseURL     string        `json:"base_url" mapstructure:"base_url"`         // REST endpoint, e.g. https://x.supabase.co/rest/v1
	APIKey      string        `json:"api_key" mapstructure:"api_key"`           // anon key sent as apikey header
	DatabaseURL string        `json:"database_url" mapstructure:"database_url"` // postgres driver only
	Migrate     bool          `json:"migrate" mapstructure:"migrate"`           // run schema migrations on connect
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	UserAgent   string        `json:"user_agent" mapstructure:"user_agent"`
}

// AuthConfig for session settings.
type AuthConfig struct {
	TokenFile    string        `json:"token_file" mapstructure:"token_file"`
	FetchTimeout time.Duration `json:"fetch_timeout" mapstructure:"fetch_timeout"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir     string `json:"data_dir" mapstructure:"data_dir"`         // Base directory for all data
	DBFile      string `json:"db_file" mapstructure:"db_file"`           // SQLite database
	SnapshotDir string `json:"snapshot_dir" mapstructure:"snapshot_dir"` // Primary recovery snapshot
}

// CacheConfig for the freshness cache.
type CacheConfig struct {
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	MaxRetries      int             `json:"max_retries" mapstructure:"max_retries"`             // Extra attempts after the first
	PushDelay       time.Duration   `json:"push_delay" mapstructure:"push_delay"`               // Fixed delay between push attempts
	PullBackoff     []time.Duration `json:"pull_backoff" mapstructure:"pull_backoff"`           // Delay before pull retry n
	QueryTimeout    time.Duration   `json:"query_timeout" mapstructure:"query_timeout"`         // Per-attempt bound
	MinSyncInterval time.Duration   `json:"min_sync_interval" mapstructure:"min_sync_interval"` // Per-table pull rate limit
	PushQueueSize   int             `json:"push_queue_size" mapstructure:"push_queue_size"`
	DefaultStrategy string          `json:"default_strategy" mapstructure:"default_strategy"`
}

// RecoveryConfig for data-loss recovery.
type RecoveryConfig struct {
	Retention time.Duration `json:"retention" mapstructure:"retention"` // Backup rows older than this are not offered
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format     string `json:"format" mapstructure:"format"`           // text, json
	File       string `json:"file" mapstructure:"file"`               // Log file path (empty = stderr)
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // Max log file size in MB
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // Max number of old logs
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // Max age in days
	Color      bool   `json:"color" mapstructure:"color"`             // Enable colored output
}

// MetricsConfig for the /metrics endpoint served by the daemon.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// Conflict strategies accepted in sync.default_strategy.
var validStrategies = map[string]bool{
	"local-wins": true, "remote-wins": true, "merge": true, "manual": true,
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".jobsync"

	return &Config{
		Remote: RemoteConfig{
			Driver:    DriverREST,
			Timeout:   30 * time.Second,
			UserAgent: "jobsync/1.0",
		},
		Auth: AuthConfig{
			TokenFile:    filepath.Join(dataDir, "token.json"),
			FetchTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:     dataDir,
			DBFile:      filepath.Join(dataDir, "jobsync.db"),
			SnapshotDir: filepath.Join(dataDir, "snapshots"),
		},
		Cache: CacheConfig{
			TTL: 5 * time.Minute,
		},
		Sync: SyncConfig{
			MaxRetries:      2,
			PushDelay:       time.Second,
			PullBackoff:     []time.Duration{3 * time.Second, 5 * time.Second},
			QueryTimeout:    30 * time.Second,
			MinSyncInterval: 2 * time.Minute,
			PushQueueSize:   64,
			DefaultStrategy: "merge",
		},
		Recovery: RecoveryConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
			Color:      true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case DriverREST:
		// base_url may stay empty: the engine then runs offline only.
	case DriverPostgres:
		if c.Remote.DatabaseURL == "" {
			return errors.New("remote.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid remote driver: %s", c.Remote.Driver)
	}

	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}

	if c.Storage.DBFile == "" {
		return errors.New("storage.db_file is required")
	}

	if c.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive")
	}

	if c.Sync.MaxRetries < 0 {
		return errors.New("sync.max_retries must not be negative")
	}

	if c.Sync.QueryTimeout <= 0 {
		return errors.New("sync.query_timeout must be positive")
	}

	if c.Sync.PushQueueSize <= 0 {
		return errors.New("sync.push_queue_size must be positive")
	}

	if !validStrategies[c.Sync.DefaultStrategy] {
		return fmt.Errorf("invalid conflict strategy: %s", c.Sync.DefaultStrategy)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.Storage.DBFile),
		c.Storage.SnapshotDir,
		filepath.Dir(c.Auth.TokenFile),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
