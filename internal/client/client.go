package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheMichaelB/jobsync/internal/auth"
	"github.com/TheMichaelB/jobsync/internal/cache"
	"github.com/TheMichaelB/jobsync/internal/config"
	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/gateway"
	"github.com/TheMichaelB/jobsync/internal/metrics"
	"github.com/TheMichaelB/jobsync/internal/recovery"
	"github.com/TheMichaelB/jobsync/internal/remote"
	"github.com/TheMichaelB/jobsync/internal/scheduler"
	"github.com/TheMichaelB/jobsync/internal/schema"
	"github.com/TheMichaelB/jobsync/internal/services/sync"
	"github.com/TheMichaelB/jobsync/internal/storage"
	"github.com/TheMichaelB/jobsync/internal/store"
)

// Client provides the high-level API for jobsync operations.
type Client struct {
	Auth     *auth.Service
	Sync     *sync.Service
	Recovery *recovery.Manager
	Metrics  *metrics.Metrics

	config    *config.Config
	logger    *events.Logger
	store     store.Store
	remote    remote.Store
	offline   bool
	registry  *prometheus.Registry
	stopWatch func()
	closers   []func() error
}

// New wires the local store, the remote store and every service on top of them.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	c := &Client{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	c.Metrics = metrics.New(c.registry)

	tables := schema.Default()

	st, err := store.NewSQLiteStore(cfg.Storage.DBFile, tables.Names(), logger)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	c.store = st
	c.closers = append(c.closers, st.Close)

	freshness := cache.New(cfg.Cache.TTL, cache.WithMetrics(c.Metrics))
	c.stopWatch = freshness.Watch(st)

	rs, setter, err := c.openRemote(ctx)
	if err != nil {
		_ = c.closeAll()
		return nil, err
	}
	c.remote = rs

	var authOpts []auth.Option
	if setter != nil {
		authOpts = append(authOpts, auth.WithTokenSetter(setter))
	}
	c.Auth = auth.NewService(rs, &cfg.Auth, logger, authOpts...)

	var session auth.Session = c.Auth
	if c.offline {
		logger.Info("No remote store configured, running offline")
		session = auth.Anonymous()
	}

	gw := gateway.New(rs, session, tables, gateway.OptionsFromConfig(&cfg.Sync), logger,
		gateway.WithMetrics(c.Metrics))

	sched := scheduler.New(st, freshness, sync.NewLocalFirstPuller(st, gw), cfg.Sync.MinSyncInterval, logger,
		scheduler.WithOrderKey(tables.OrderKey))

	c.Sync, err = sync.NewService(st, freshness, tables, gw, sched, &cfg.Sync, logger,
		sync.WithMetrics(c.Metrics))
	if err != nil {
		sched.Close()
		_ = c.closeAll()
		return nil, err
	}

	files, err := storage.NewLocalStore(cfg.Storage.SnapshotDir, logger)
	if err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("open snapshot directory: %w", err)
	}
	c.Recovery = recovery.NewManager(st, files, logger,
		recovery.WithRetention(cfg.Recovery.Retention),
		recovery.WithMetrics(c.Metrics))

	return c, nil
}

// openRemote connects the configured remote driver. The returned setter, when
// set, receives the session token.
func (c *Client) openRemote(ctx context.Context) (remote.Store, auth.TokenSetter, error) {
	cfg := c.config.Remote

	switch cfg.Driver {
	case config.DriverPostgres:
		if cfg.Migrate {
			if err := remote.Migrate(cfg.DatabaseURL, nil, c.logger); err != nil {
				return nil, nil, fmt.Errorf("migrate remote schema: %w", err)
			}
		}
		pg, err := remote.NewPostgresStore(ctx, cfg.DatabaseURL, c.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect remote store: %w", err)
		}
		c.closers = append(c.closers, pg.Close)
		return pg, nil, nil

	default:
		rest := remote.NewRESTClient(&cfg, c.logger)
		c.offline = cfg.BaseURL == ""
		return rest, rest, nil
	}
}

// Offline reports whether no remote store is configured.
func (c *Client) Offline() bool {
	return c.offline
}

// Config returns the loaded configuration.
func (c *Client) Config() *config.Config {
	return c.config
}

// Gatherer exposes the client's Prometheus collectors.
func (c *Client) Gatherer() prometheus.Gatherer {
	return c.registry
}

// Snapshot writes a recovery snapshot and, when signed in, pushes the new
// backup row to the remote store as an optional cloud copy.
func (c *Client) Snapshot(ctx context.Context, label string) (recovery.SnapshotReport, []gateway.Result, error) {
	report, err := c.Recovery.CreateSnapshot(ctx, label)
	if err != nil {
		return report, nil, err
	}
	if c.offline || !c.Auth.IsAuthenticated() {
		return report, nil, nil
	}

	results, err := c.Sync.PushPending(ctx, schema.Backups)
	if err != nil {
		c.logger.WithError(err).Warn("Cloud backup failed, local snapshot kept")
		return report, nil, nil
	}
	return report, results, nil
}

// Close drains pending pushes within ctx and releases every resource.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if c.Sync != nil {
		if err := c.Sync.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, c.closeAll())
	return errors.Join(errs...)
}

func (c *Client) closeAll() error {
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}

	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
