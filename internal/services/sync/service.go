// Package sync is the local-first service: reads and writes go to the local
// store, remote sync runs behind them.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/jobsync/internal/cache"
	"github.com/TheMichaelB/jobsync/internal/config"
	"github.com/TheMichaelB/jobsync/internal/conflict"
	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/gateway"
	"github.com/TheMichaelB/jobsync/internal/metrics"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/scheduler"
	"github.com/TheMichaelB/jobsync/internal/schema"
	"github.com/TheMichaelB/jobsync/internal/store"
)

// TableStatus summarizes one local table.
type TableStatus struct {
	Table     string            `json:"table"`
	Records   int               `json:"records"`
	Pending   int               `json:"pending"`
	Conflicts int               `json:"conflicts"`
	Synced    bool              `json:"synced"`
	Refresh   *scheduler.Status `json:"refresh,omitempty"`
}

// Service provides local-first record operations.
type Service struct {
	store     store.Store
	cache     *cache.Cache
	registry  *schema.Registry
	remote    Remote
	scheduler *scheduler.Scheduler
	engine    *Engine
	queue     *pushQueue
	log       *conflict.Log
	strategy  models.Strategy
	now       func() time.Time
	logger    *events.Logger
}

type serviceOptions struct {
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Service.
type Option func(*serviceOptions)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

// WithMetrics records push queue depth and conflict counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *serviceOptions) { o.metrics = m }
}

// NewService creates a sync service. sched may be nil to disable background
// refreshes on read.
func NewService(
	st store.Store,
	c *cache.Cache,
	registry *schema.Registry,
	remote Remote,
	sched *scheduler.Scheduler,
	cfg *config.SyncConfig,
	logger *events.Logger,
	opts ...Option,
) (*Service, error) {
	o := serviceOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	strategy, err := models.ParseStrategy(cfg.DefaultStrategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	s := &Service{
		store:     st,
		cache:     c,
		registry:  registry,
		remote:    remote,
		scheduler: sched,
		log:       conflict.NewLog(),
		strategy:  strategy,
		now:       o.now,
		logger:    logger.WithField("service", "sync"),
	}
	s.queue = newPushQueue(remote, st, cfg.PushQueueSize, o.now, o.metrics, logger)

	conflictOpts := []conflict.Option{
		conflict.WithClock(o.now),
		conflict.WithMetrics(o.metrics),
		conflict.WithLogger(logger),
	}
	s.engine = NewEngine(st, remote, registry,
		conflict.NewDetector(conflictOpts...),
		conflict.NewResolver(conflictOpts...),
		s.log, s.queue.flush, o.now, logger)
	return s, nil
}

// Engine returns the reconciliation engine, for progress and events.
func (s *Service) Engine() *Engine {
	return s.engine
}

// SyncTables lists the tables that are pulled from the remote store. Backup
// rows are only ever pushed.
func (s *Service) SyncTables() []string {
	var out []string
	for _, name := range s.registry.Names() {
		if name != schema.Backups {
			out = append(out, name)
		}
	}
	return out
}

func (s *Service) pulled(table string) bool {
	return table != schema.Backups
}

// List returns a table ordered by its ordering key, newest first, and asks
// the scheduler for a background refresh.
func (s *Service) List(ctx context.Context, table string) ([]models.Record, error) {
	desc, err := s.registry.Lookup(table)
	if err != nil {
		return nil, err
	}

	if s.scheduler != nil && s.pulled(table) {
		s.scheduler.RefreshAsync(table)
	}

	key := cache.TableKey(table)
	if v, ok := s.cache.Get(key); ok {
		if records, ok := v.([]models.Record); ok {
			return cloneRecords(records), nil
		}
	}

	gen := s.cache.Generation(key)
	records, err := s.store.OrderBy(ctx, table, desc.OrderKey, true)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	s.cache.SetIfUnchanged(key, gen, records)
	return cloneRecords(records), nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, table, id string) (models.Record, error) {
	if _, err := s.registry.Lookup(table); err != nil {
		return models.Record{}, err
	}

	key := cache.RecordKey(table, id)
	if v, ok := s.cache.Get(key); ok {
		if rec, ok := v.(models.Record); ok {
			return rec.Clone(), nil
		}
	}

	gen := s.cache.Generation(key)
	rec, err := s.store.Get(ctx, table, id)
	if err != nil {
		return models.Record{}, err
	}
	s.cache.SetIfUnchanged(key, gen, rec)
	return rec.Clone(), nil
}

// Create validates fields, stores a new record and queues its push.
func (s *Service) Create(ctx context.Context, table string, fields map[string]interface{}) (models.Record, error) {
	desc, err := s.registry.Lookup(table)
	if err != nil {
		return models.Record{}, err
	}

	rec := models.NewRecord(uuid.NewString(), models.CloneFields(fields), s.now())
	if err := validate(desc, rec); err != nil {
		return models.Record{}, err
	}
	rec = desc.Normalize(rec)

	if err := s.store.Add(ctx, table, rec); err != nil {
		return models.Record{}, fmt.Errorf("create %s: %w", table, err)
	}

	s.queue.enqueue(table, []models.Record{rec}, gateway.OpInsert)
	return rec, nil
}

// Update applies changes to a record and queues its push. A nil value removes the field.
func (s *Service) Update(ctx context.Context, table, id string, changes map[string]interface{}) (models.Record, error) {
	desc, err := s.registry.Lookup(table)
	if err != nil {
		return models.Record{}, err
	}

	var updated models.Record
	err = s.store.Transaction(ctx, []string{table}, func(tx store.Tx) error {
		rec, err := tx.Get(ctx, table, id)
		if err != nil {
			return err
		}
		for k, v := range changes {
			if v == nil {
				delete(rec.Fields, k)
				continue
			}
			rec.Set(k, models.CloneValue(v))
		}
		rec.Touch(s.now())
		if err := validate(desc, rec); err != nil {
			return err
		}
		updated = desc.Normalize(rec)
		return tx.Put(ctx, table, updated)
	})
	if err != nil {
		return models.Record{}, fmt.Errorf("update %s/%s: %w", table, id, err)
	}

	op := gateway.OpUpdate
	if updated.SyncedAt == nil {
		op = gateway.OpInsert
	}
	s.queue.enqueue(table, []models.Record{updated}, op)
	return updated, nil
}

// Delete removes a record locally and queues the remote delete. A record the
// remote has seen is kept as a tombstone until the remote confirms the delete;
// one it never saw is removed outright.
func (s *Service) Delete(ctx context.Context, table, id string) error {
	if _, err := s.registry.Lookup(table); err != nil {
		return err
	}

	var tombstone *models.Record
	err := s.store.Transaction(ctx, []string{table}, func(tx store.Tx) error {
		rec, err := tx.Get(ctx, table, id)
		if err != nil {
			return err
		}
		if rec.SyncedAt == nil {
			return tx.Delete(ctx, table, id)
		}
		rec.MarkDeleted(s.now())
		tombstone = &rec
		return tx.Put(ctx, table, rec)
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}

	if tombstone != nil {
		s.queue.enqueue(table, []models.Record{*tombstone}, gateway.OpDelete)
	}
	return nil
}

// Refresh runs a rate-limited pull of table now. It reports whether a pull ran.
func (s *Service) Refresh(ctx context.Context, table string) bool {
	if s.scheduler == nil || !s.pulled(table) {
		return false
	}
	return s.scheduler.RequestRefresh(ctx, table)
}

// RefreshAll pulls every synced table concurrently and returns their statuses.
func (s *Service) RefreshAll(ctx context.Context) ([]scheduler.Status, error) {
	if s.scheduler == nil {
		return nil, nil
	}

	tables := s.SyncTables()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(tables))
	for _, table := range tables {
		g.Go(func() error {
			s.scheduler.RequestRefresh(gctx, table)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	statuses := make([]scheduler.Status, 0, len(tables))
	for _, table := range tables {
		statuses = append(statuses, s.scheduler.Status(table))
	}
	return statuses, nil
}

// Reconcile runs a reconciliation pass on table. An empty strategy uses the configured default.
func (s *Service) Reconcile(ctx context.Context, table string, strategy models.Strategy) (Report, error) {
	if strategy == "" {
		strategy = s.strategy
	}
	return s.engine.Reconcile(ctx, table, strategy)
}

// ReconcileAll reconciles every synced table in turn. It stops at the first
// authorization failure; other failures are collected.
func (s *Service) ReconcileAll(ctx context.Context, strategy models.Strategy) ([]Report, error) {
	var (
		reports []Report
		errs    []error
	)
	for _, table := range s.SyncTables() {
		report, err := s.Reconcile(ctx, table, strategy)
		if err != nil {
			if models.KindOf(err) == models.KindAuthorization || ctx.Err() != nil {
				return reports, err
			}
			errs = append(errs, err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

// DetectConflicts pulls table and logs its conflicts without resolving them.
func (s *Service) DetectConflicts(ctx context.Context, table string) ([]models.Conflict, error) {
	return s.engine.Detect(ctx, table)
}

// Conflicts lists unresolved logged conflicts.
func (s *Service) Conflicts() []conflict.Entry {
	return s.log.Pending()
}

// PurgeResolvedConflicts drops resolved conflicts from the log.
func (s *Service) PurgeResolvedConflicts() int {
	return s.log.PurgeResolved()
}

// PushPending sends every unsynced record of table now and waits for the result.
func (s *Service) PushPending(ctx context.Context, table string) ([]gateway.Result, error) {
	if _, err := s.registry.Lookup(table); err != nil {
		return nil, err
	}
	if err := s.queue.flush(ctx); err != nil {
		return nil, err
	}

	pending, err := s.store.Where(ctx, table, models.KeySynced, false)
	if err != nil {
		return nil, fmt.Errorf("list pending %s: %w", table, err)
	}

	byOp := splitByOp(pending)
	var results []gateway.Result
	for _, op := range []gateway.Op{gateway.OpInsert, gateway.OpUpdate} {
		records := byOp[op]
		if len(records) == 0 {
			continue
		}
		res := s.remote.Push(ctx, table, records, op)
		results = append(results, res)
		markSynced(ctx, s.store, table, records, res.Synced, s.now(), s.logger)
	}

	tombstones, err := s.store.Tombstones(ctx, table)
	if err != nil {
		return results, fmt.Errorf("list tombstones %s: %w", table, err)
	}
	if len(tombstones) > 0 {
		res := s.remote.Push(ctx, table, tombstones, gateway.OpDelete)
		results = append(results, res)
		dropTombstones(ctx, s.store, table, tombstones, res.Synced, s.logger)
	}
	return results, nil
}

// Status summarizes every local table.
func (s *Service) Status(ctx context.Context) ([]TableStatus, error) {
	conflicts := make(map[string]int)
	for _, e := range s.log.Pending() {
		conflicts[e.Table]++
	}

	names := s.registry.Names()
	sort.Strings(names)

	out := make([]TableStatus, 0, len(names))
	for _, table := range names {
		n, err := s.store.Count(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		pending, err := s.store.Where(ctx, table, models.KeySynced, false)
		if err != nil {
			return nil, fmt.Errorf("list pending %s: %w", table, err)
		}
		tombstones, err := s.store.Tombstones(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("list tombstones %s: %w", table, err)
		}

		st := TableStatus{
			Table:     table,
			Records:   n,
			Pending:   len(pending) + len(tombstones),
			Conflicts: conflicts[table],
			Synced:    s.pulled(table),
		}
		if s.scheduler != nil && st.Synced {
			status := s.scheduler.Status(table)
			st.Refresh = &status
		}
		out = append(out, st)
	}
	return out, nil
}

// CacheStats returns freshness cache counters.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Reset clears every local table in one transaction and empties the cache.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.queue.flush(ctx); err != nil {
		return err
	}

	tables := s.store.Tables()
	err := s.store.Transaction(ctx, tables, func(tx store.Tx) error {
		for _, table := range tables {
			if err := tx.Clear(ctx, table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.Clear()
	s.logger.WithField("tables", len(tables)).Warn("Local data reset")
	return nil
}

// Flush waits for queued pushes.
func (s *Service) Flush(ctx context.Context) error {
	return s.queue.flush(ctx)
}

// Close drains queued pushes within ctx, then stops the push worker and the scheduler.
func (s *Service) Close(ctx context.Context) error {
	err := s.queue.flush(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Pending pushes abandoned on shutdown")
	}
	s.queue.close()
	if s.scheduler != nil {
		s.scheduler.Close()
	}
	return err
}

func validate(desc schema.Table, rec models.Record) error {
	verr := &models.ValidationError{Subject: desc.Name + " record"}
	for _, p := range desc.Validate(rec) {
		verr.Add("%s", p)
	}
	return verr.OrNil()
}

func cloneRecords(records []models.Record) []models.Record {
	out := make([]models.Record, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
	}
	return out
}
