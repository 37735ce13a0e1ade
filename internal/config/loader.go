package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. JOBSYNC_LOG_LEVEL.
const EnvPrefix = "JOBSYNC"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envFile    string
	v          *viper.Viper
}

// NewLoader creates a config loader. An empty configPath searches the default locations.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    ".env",
		v:          newViper(),
	}
}

// WithEnvFile overrides the dotenv file consulted before reading the environment.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load reads configuration from defaults, file and environment, in that order.
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		if _, err := os.Stat(l.envFile); err == nil {
			if err := godotenv.Load(l.envFile); err != nil {
				return nil, fmt.Errorf("load env file %s: %w", l.envFile, err)
			}
		}
	}

	setDefaults(l.v, DefaultConfig())

	path := l.configPath
	if path == "" {
		for _, candidate := range l.defaultPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		l.configPath = path
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Relocate derived paths when only the data dir was overridden.
	if dataDir := l.v.GetString("storage.data_dir"); dataDir != DefaultConfig().Storage.DataDir {
		if !l.isSet("storage.db_file") {
			cfg.Storage.DBFile = filepath.Join(dataDir, "jobsync.db")
		}
		if !l.isSet("storage.snapshot_dir") {
			cfg.Storage.SnapshotDir = filepath.Join(dataDir, "snapshots")
		}
		if !l.isSet("auth.token_file") {
			cfg.Auth.TokenFile = filepath.Join(dataDir, "token.json")
		}
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigPath reports the file that was read, if any.
func (l *Loader) ConfigPath() string {
	return l.configPath
}

// isSet reports whether key came from the file or the environment rather than a default.
func (l *Loader) isSet(key string) bool {
	if l.v.InConfig(key) {
		return true
	}
	envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	_, ok := os.LookupEnv(envKey)
	return ok
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"jobsync.yaml",
		"jobsync.json",
		".jobsync.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "jobsync", "config.yaml"),
			filepath.Join(homeDir, ".jobsync", "config.yaml"),
		)
	}

	return paths
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("remote.driver", cfg.Remote.Driver)
	v.SetDefault("remote.base_url", cfg.Remote.BaseURL)
	v.SetDefault("remote.api_key", cfg.Remote.APIKey)
	v.SetDefault("remote.database_url", cfg.Remote.DatabaseURL)
	v.SetDefault("remote.migrate", cfg.Remote.Migrate)
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("remote.user_agent", cfg.Remote.UserAgent)

	v.SetDefault("auth.token_file", cfg.Auth.TokenFile)
	v.SetDefault("auth.fetch_timeout", cfg.Auth.FetchTimeout)

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.db_file", cfg.Storage.DBFile)
	v.SetDefault("storage.snapshot_dir", cfg.Storage.SnapshotDir)

	v.SetDefault("cache.ttl", cfg.Cache.TTL)

	v.SetDefault("sync.max_retries", cfg.Sync.MaxRetries)
	v.SetDefault("sync.push_delay", cfg.Sync.PushDelay)
	v.SetDefault("sync.pull_backoff", cfg.Sync.PullBackoff)
	v.SetDefault("sync.query_timeout", cfg.Sync.QueryTimeout)
	v.SetDefault("sync.min_sync_interval", cfg.Sync.MinSyncInterval)
	v.SetDefault("sync.push_queue_size", cfg.Sync.PushQueueSize)
	v.SetDefault("sync.default_strategy", cfg.Sync.DefaultStrategy)

	v.SetDefault("recovery.retention", cfg.Recovery.Retention)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size", cfg.Log.MaxSize)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age", cfg.Log.MaxAge)
	v.SetDefault("log.color", cfg.Log.Color)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

// SaveExample writes a config file holding every default. The format follows the extension.
func SaveExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return os.Chmod(path, 0600)
}
