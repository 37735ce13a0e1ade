package client_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/jobsync/internal/client"
	"github.com/TheMichaelB/jobsync/internal/config"
	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/schema"
)

func offlineConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Storage.DBFile = filepath.Join(dir, "jobsync.db")
	cfg.Storage.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.Auth.TokenFile = filepath.Join(dir, "token.json")
	cfg.Remote.BaseURL = ""
	return cfg
}

func TestOfflineClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := offlineConfig(t)

	c, err := client.New(ctx, cfg, events.Discard())
	require.NoError(t, err)
	assert.True(t, c.Offline())

	rec, err := c.Sync.Create(ctx, schema.Applications, map[string]interface{}{
		"company":  "Acme",
		"position": "Engineer",
	})
	require.NoError(t, err)

	list, err := c.Sync.List(ctx, schema.Applications)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)

	report, pushes, err := c.Snapshot(ctx, "before trip")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count)
	assert.Empty(t, pushes, "offline snapshots stay local")

	options, err := c.Recovery.GetRecoveryOptions(ctx)
	require.NoError(t, err)
	sources := make(map[string]bool)
	for _, o := range options {
		sources[o.Source] = true
	}
	assert.True(t, sources[models.SourcePrimary])
	assert.True(t, sources[models.SourceBackup])

	require.NoError(t, c.Close(ctx))

	// Data survives a restart; the unsynced record is still pending.
	c, err = client.New(ctx, cfg, events.Discard())
	require.NoError(t, err)
	defer c.Close(ctx)

	got, err := c.Sync.Get(ctx, schema.Applications, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.StringField("company"))
	assert.False(t, got.Synced)
}

func TestNewRejectsUnreachablePostgres(t *testing.T) {
	cfg := offlineConfig(t)
	cfg.Remote.Driver = config.DriverPostgres
	cfg.Remote.DatabaseURL = "postgres://jobsync@127.0.0.1:1/jobsync?sslmode=disable&connect_timeout=1"

	_, err := client.New(context.Background(), cfg, events.Discard())
	assert.Error(t, err)
}
