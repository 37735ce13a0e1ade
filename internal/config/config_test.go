package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/jobsync/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, config.DriverREST, cfg.Remote.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 2, cfg.Sync.MaxRetries)
	assert.Equal(t, time.Second, cfg.Sync.PushDelay)
	assert.Equal(t, []time.Duration{3 * time.Second, 5 * time.Second}, cfg.Sync.PullBackoff)
	assert.Equal(t, 30*time.Second, cfg.Sync.QueryTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Sync.MinSyncInterval)
	assert.Equal(t, 15*time.Second, cfg.Auth.FetchTimeout)
	assert.Equal(t, 30*24*time.Hour, cfg.Recovery.Retention)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:    "valid config",
			modify:  func(c *config.Config) {},
			wantErr: "",
		},
		{
			name: "postgres without database url",
			modify: func(c *config.Config) {
				c.Remote.Driver = config.DriverPostgres
			},
			wantErr: "remote.database_url is required",
		},
		{
			name: "unknown driver",
			modify: func(c *config.Config) {
				c.Remote.Driver = "mongo"
			},
			wantErr: "invalid remote driver",
		},
		{
			name: "invalid log level",
			modify: func(c *config.Config) {
				c.Log.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
		{
			name: "zero cache ttl",
			modify: func(c *config.Config) {
				c.Cache.TTL = 0
			},
			wantErr: "cache.ttl must be positive",
		},
		{
			name: "negative retries",
			modify: func(c *config.Config) {
				c.Sync.MaxRetries = -1
			},
			wantErr: "sync.max_retries must not be negative",
		},
		{
			name: "unknown strategy",
			modify: func(c *config.Config) {
				c.Sync.DefaultStrategy = "coin-flip"
			},
			wantErr: "invalid conflict strategy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderEnv(t *testing.T) {
	t.Setenv("JOBSYNC_REMOTE_BASE_URL", "https://test.example.com/rest/v1")
	t.Setenv("JOBSYNC_SYNC_MIN_SYNC_INTERVAL", "45s")
	t.Setenv("JOBSYNC_LOG_LEVEL", "DEBUG")

	cfg, err := config.NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).
		WithEnvFile("").
		Load()
	require.Error(t, err, "explicit config path must exist")
	assert.Nil(t, cfg)

	cfg, err = config.NewLoader("").WithEnvFile("").Load()
	require.NoError(t, err)

	assert.Equal(t, "https://test.example.com/rest/v1", cfg.Remote.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Sync.MinSyncInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoaderFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobsync.yaml")

	content := `
remote:
  driver: rest
  base_url: https://file.example.com/rest/v1
storage:
  data_dir: ` + filepath.Join(dir, "data") + `
sync:
  max_retries: 4
  pull_backoff: [1s, 2s]
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := config.NewLoader(path).WithEnvFile("").Load()
	require.NoError(t, err)

	assert.Equal(t, "https://file.example.com/rest/v1", cfg.Remote.BaseURL)
	assert.Equal(t, 4, cfg.Sync.MaxRetries)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, cfg.Sync.PullBackoff)
	assert.Equal(t, "json", cfg.Log.Format)

	// Derived paths follow the data dir.
	assert.Equal(t, filepath.Join(dir, "data", "jobsync.db"), cfg.Storage.DBFile)
	assert.Equal(t, filepath.Join(dir, "data", "snapshots"), cfg.Storage.SnapshotDir)
}

func TestLoaderDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("JOBSYNC_REMOTE_API_KEY=anon-key\n"), 0600))
	t.Cleanup(func() { _ = os.Unsetenv("JOBSYNC_REMOTE_API_KEY") })

	cfg, err := config.NewLoader("").WithEnvFile(envFile).Load()
	require.NoError(t, err)

	assert.Equal(t, "anon-key", cfg.Remote.APIKey)
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.DBFile = filepath.Join(dir, "data", "jobsync.db")
	cfg.Storage.SnapshotDir = filepath.Join(dir, "data", "snapshots")
	cfg.Auth.TokenFile = filepath.Join(dir, "auth", "token.json")
	cfg.Log.File = filepath.Join(dir, "logs", "jobsync.log")

	require.NoError(t, cfg.EnsureDirectories())

	for _, d := range []string{"data", "data/snapshots", "auth", "logs"} {
		info, err := os.Stat(filepath.Join(dir, d))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestSaveExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobsync.yaml")

	require.NoError(t, config.SaveExample(path))

	cfg, err := config.NewLoader(path).WithEnvFile("").Load()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Sync.MaxRetries, cfg.Sync.MaxRetries)

	assert.Error(t, config.SaveExample(path), "refuses to overwrite")
}
