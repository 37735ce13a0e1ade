// Package gateway moves records between the local shape and the remote store.
//
// Push never returns an error: its Result says what happened. Pull returns an
// error only when the remote store refuses access; every other failure yields
// an empty page so callers keep serving local data.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/jobsync/internal/auth"
	"github.com/TheMichaelB/jobsync/internal/config"
	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/metrics"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/remote"
	"github.com/TheMichaelB/jobsync/internal/schema"
)

// Options bound remote calls.
type Options struct {
	MaxRetries   int             // extra attempts after the first
	PushDelay    time.Duration   // fixed delay between push attempts
	PullBackoff  []time.Duration // delay before pull retry n; the last entry repeats
	QueryTimeout time.Duration   // per attempt
}

// DefaultOptions returns the standard retry policy.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   2,
		PushDelay:    time.Second,
		PullBackoff:  []time.Duration{3 * time.Second, 5 * time.Second},
		QueryTimeout: 30 * time.Second,
	}
}

// OptionsFromConfig reads the retry policy from sync config.
func OptionsFromConfig(cfg *config.SyncConfig) Options {
	opts := Options{
		MaxRetries:   cfg.MaxRetries,
		PushDelay:    cfg.PushDelay,
		PullBackoff:  cfg.PullBackoff,
		QueryTimeout: cfg.QueryTimeout,
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultOptions().QueryTimeout
	}
	return opts
}

// Gateway pushes and pulls records for the signed-in user.
type Gateway struct {
	remote   remote.Store
	session  auth.Session
	registry *schema.Registry
	opts     Options
	logger   *events.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock replaces time.Now for synced_at stamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithSleep replaces the delay between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = sleep }
}

// WithMetrics records pushes, pulls and retries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New creates a gateway.
func New(store remote.Store, session auth.Session, registry *schema.Registry, opts Options, logger *events.Logger, options ...Option) *Gateway {
	g := &Gateway{
		remote:   store,
		session:  session,
		registry: registry,
		opts:     opts,
		logger:   logger.WithField("component", "gateway"),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Push sends records to the remote store.
func (g *Gateway) Push(ctx context.Context, table string, records []models.Record, op Op) Result {
	res := Result{Table: table, Op: op}

	desc, err := g.registry.Lookup(table)
	if err != nil {
		res.Err = err
		return res
	}
	if len(records) == 0 {
		return res
	}

	userID, ok := g.resolveUser(ctx, table)
	if !ok {
		res.Skipped = true
		return res
	}

	res.Attempted = len(records)
	logger := g.logger.WithFields(map[string]interface{}{"table": table, "op": string(op)})

	switch op {
	case OpInsert:
		g.pushInsert(ctx, desc, userID, records, &res)
	case OpUpdate, OpDelete:
		g.pushEach(ctx, desc, userID, records, op, &res)
	default:
		res.Err = fmt.Errorf("unknown push operation %q", op)
		res.Failed = len(records)
	}

	g.metrics.PushRecords(table, string(op), "ok", res.Succeeded)
	g.metrics.PushRecords(table, string(op), "duplicate", res.Duplicates)
	g.metrics.PushRecords(table, string(op), "failed", res.Failed)

	switch {
	case res.Err != nil:
		logger.WithFields(res.fields()).WithError(res.Err).Warn("Push failed")
	case res.Failed > 0:
		logger.WithFields(res.fields()).Warn("Push partially failed")
	default:
		logger.WithFields(res.fields()).Debug("Push complete")
	}
	return res
}

func (g *Gateway) pushInsert(ctx context.Context, desc schema.Table, userID int64, records []models.Record, res *Result) {
	syncedAt := g.now()
	rows := make([]remote.Row, len(records))
	for i, rec := range records {
		rows[i] = desc.ToRemote(rec, userID, syncedAt)
	}

	err := g.retry(ctx, "push", g.pushDelay, func(ctx context.Context) error {
		var err error
		if len(rows) == 1 {
			_, err = g.remote.Insert(ctx, desc.Name, rows)
		} else {
			_, err = g.remote.Upsert(ctx, desc.Name, rows, schema.ColumnID)
		}
		return err
	})

	switch class := remote.Classify(err); class {
	case remote.ClassNone:
		res.Succeeded = len(records)
		res.Synced = ids(records)
	case remote.ClassDuplicate:
		// A retried or concurrent push already stored it.
		res.Duplicates = len(records)
		res.Synced = ids(records)
		res.warn("%s already synced", records[0].ID)
	default:
		res.Failed = len(records)
		res.Err = g.syncError(desc.Name, string(OpInsert), class, err)
		res.warn("insert failed: %v", err)
	}
}

func (g *Gateway) pushEach(ctx context.Context, desc schema.Table, userID int64, records []models.Record, op Op, res *Result) {
	for i, rec := range records {
		err := g.retry(ctx, "push", g.pushDelay, func(ctx context.Context) error {
			if op == OpDelete {
				return g.remote.Delete(ctx, desc.Name, rec.ID, userID)
			}
			row := desc.ToRemote(rec, userID, g.now())
			delete(row, schema.ColumnID)
			return g.remote.Update(ctx, desc.Name, rec.ID, userID, row)
		})

		class := remote.Classify(err)
		if class == remote.ClassNone {
			res.Succeeded++
			res.Synced = append(res.Synced, rec.ID)
			continue
		}

		res.Failed++
		res.warn("%s %s: %v", op, rec.ID, err)

		if class == remote.ClassPermission || class == remote.ClassTableMissing {
			res.Err = g.syncError(desc.Name, string(op), class, err)
			res.Failed += len(records) - i - 1
			return
		}
	}
}

// Pull returns the current user's most recent page of table, ordered by the
// table's ordering key descending.
func (g *Gateway) Pull(ctx context.Context, table string) ([]models.Record, error) {
	desc, err := g.registry.Lookup(table)
	if err != nil {
		return nil, err
	}

	userID, ok := g.resolveUser(ctx, table)
	if !ok {
		return nil, nil
	}

	logger := g.logger.WithField("table", table)
	start := g.now()

	q := remote.Query{
		OrderBy: desc.OrderColumn(),
		Desc:    true,
		Limit:   desc.PageSize,
	}.Eq(schema.ColumnUserID, userID)

	var rows []remote.Row
	err = g.retry(ctx, "pull", g.pullDelay, func(ctx context.Context) error {
		var err error
		rows, err = g.remote.Select(ctx, table, q)
		return err
	})

	class := remote.Classify(err)
	outcome := class.String()
	if class == remote.ClassNone {
		outcome = "ok"
	}
	g.metrics.Pull(table, outcome, g.now().Sub(start))

	switch class {
	case remote.ClassNone:
	case remote.ClassPermission:
		return nil, g.syncError(table, "pull", class, err)
	case remote.ClassTableMissing:
		logger.WithError(err).Warn("Remote table missing, skipping pull")
		return nil, nil
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.WithError(err).Warn("Pull failed, keeping local data")
		return nil, nil
	}

	records := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		rec := desc.FromRemote(row)
		if rec.ID == "" {
			logger.Warn("Skipping remote row without id")
			continue
		}
		records = append(records, rec)
	}

	logger.WithField("count", len(records)).Debug("Pulled records")
	return records, nil
}

// resolveUser reports false when the engine has to run offline.
func (g *Gateway) resolveUser(ctx context.Context, table string) (int64, bool) {
	logger := g.logger.WithField("table", table)

	if g.session == nil || !g.session.IsAuthenticated() {
		logger.Debug("Not authenticated, continuing in offline mode")
		return 0, false
	}

	userID, err := g.session.ResolveRemoteUserID(ctx)
	if err != nil {
		logger.WithError(err).Warn("Could not resolve remote user, continuing in offline mode")
		return 0, false
	}
	return userID, true
}

// retry runs fn until it succeeds, fails with a non-transient error or runs
// out of attempts. Each attempt is bounded by QueryTimeout.
func (g *Gateway) retry(ctx context.Context, kind string, delay func(attempt int) time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= g.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			d := delay(attempt)
			g.logger.WithFields(map[string]interface{}{
				"kind":    kind,
				"attempt": attempt,
				"delay":   d.String(),
			}).Debug("Retrying remote call")
			g.metrics.Retry(kind)

			if err := g.sleep(ctx, d); err != nil {
				return err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.opts.QueryTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		lastErr = err

		if ctx.Err() != nil || remote.Classify(err) != remote.ClassNetwork {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (g *Gateway) pushDelay(int) time.Duration {
	return g.opts.PushDelay
}

func (g *Gateway) pullDelay(attempt int) time.Duration {
	if len(g.opts.PullBackoff) == 0 {
		return g.opts.PushDelay
	}
	i := attempt - 1
	if i >= len(g.opts.PullBackoff) {
		i = len(g.opts.PullBackoff) - 1
	}
	return g.opts.PullBackoff[i]
}

func (g *Gateway) syncError(table, op string, class remote.Class, err error) error {
	switch class {
	case remote.ClassPermission:
		return &models.SyncError{Kind: models.KindAuthorization, Table: table, Op: op, Err: fmt.Errorf("%w: %w", models.ErrPermissionDenied, err)}
	case remote.ClassTableMissing:
		return &models.SyncError{Kind: models.KindSchema, Table: table, Op: op, Err: fmt.Errorf("%w: %w", models.ErrTableMissing, err)}
	case remote.ClassNetwork:
		return &models.SyncError{Kind: models.KindTransient, Table: table, Op: op, Err: err}
	default:
		if errors.Is(err, context.Canceled) {
			return &models.SyncError{Kind: models.KindTransient, Table: table, Op: op, Err: err}
		}
		return &models.SyncError{Kind: models.KindGeneric, Table: table, Op: op, Err: err}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ids(records []models.Record) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.ID
	}
	return out
}
