package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/jobsync/internal/conflict"
	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/gateway"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/schema"
	"github.com/TheMichaelB/jobsync/internal/store"
)

// Remote is the gateway as seen by the engine.
type Remote interface {
	Puller
	Pusher
}

// Phase names a step of a reconciliation pass.
type Phase string

const (
	PhasePulling   Phase = "pulling"
	PhaseDetecting Phase = "detecting"
	PhaseWriting   Phase = "writing"
	PhasePushing   Phase = "pushing"
	PhaseDone      Phase = "done"
)

// Progress tracks the running pass.
type Progress struct {
	Table     string
	Phase     Phase
	Conflicts int
	Resolved  int
	StartTime time.Time
}

// EventType defines reconciliation event types.
type EventType string

const (
	EventStarted   EventType = "started"
	EventConflicts EventType = "conflicts_detected"
	EventResolved  EventType = "conflict_resolved"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event reports reconciliation activity.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Table     string
	Conflict  *models.Conflict
	Report    *Report
	Error     error
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Table    string          `json:"table"`
	Strategy models.Strategy `json:"strategy"`
	Local    int             `json:"local"`
	Remote   int             `json:"remote"`

	// Pulled counts remote records that did not exist locally.
	Pulled int `json:"pulled"`

	// Settled counts pending local records found identical remotely.
	Settled int `json:"settled"`

	// Deleted counts local deletes sent to the remote store.
	Deleted int `json:"deleted"`

	conflict.Summary

	Pushes []gateway.Result `json:"pushes,omitempty"`
}

// Engine runs reconciliation passes, one at a time.
type Engine struct {
	store    store.Store
	remote   Remote
	registry *schema.Registry
	detector *conflict.Detector
	resolver *conflict.Resolver
	log      *conflict.Log
	flush    func(ctx context.Context) error
	now      func() time.Time
	logger   *events.Logger

	progress atomic.Value // *Progress
	events   chan Event

	mu       sync.Mutex
	syncing  bool
	cancelFn context.CancelFunc
}

// NewEngine creates a reconciliation engine. flush, when set, drains pending
// pushes before each pass.
func NewEngine(
	st store.Store,
	remote Remote,
	registry *schema.Registry,
	detector *conflict.Detector,
	resolver *conflict.Resolver,
	log *conflict.Log,
	flush func(ctx context.Context) error,
	now func() time.Time,
	logger *events.Logger,
) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    st,
		remote:   remote,
		registry: registry,
		detector: detector,
		resolver: resolver,
		log:      log,
		flush:    flush,
		now:      now,
		logger:   logger.WithField("component", "reconcile_engine"),
		events:   make(chan Event, 100),
	}
}

// Events returns the event channel. Events are dropped when nobody reads.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// GetProgress returns the progress of the current or last pass.
func (e *Engine) GetProgress() *Progress {
	if p := e.progress.Load(); p != nil {
		return p.(*Progress)
	}
	return nil
}

// Cancel stops a running pass.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelFn != nil {
		e.logger.Info("Cancelling reconciliation")
		e.cancelFn()
	}
}

func (e *Engine) begin(ctx context.Context) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.syncing {
		return nil, nil, models.ErrSyncInProgress
	}
	e.syncing = true
	ctx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel

	return ctx, func() {
		cancel()
		e.mu.Lock()
		e.syncing = false
		e.cancelFn = nil
		e.mu.Unlock()
	}, nil
}

// Detect pulls table and records its conflicts in the log without resolving them.
func (e *Engine) Detect(ctx context.Context, table string) ([]models.Conflict, error) {
	desc, err := e.registry.Lookup(table)
	if err != nil {
		return nil, err
	}

	ctx, end, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	local, remote, err := e.load(ctx, desc)
	if err != nil {
		return nil, err
	}
	conflicts := e.detector.Detect(local, remote, desc)
	e.log.Record(table, conflicts)
	return conflicts, nil
}

// Reconcile pulls table, resolves every conflict with strategy, writes the
// outcome locally and pushes it. Conflicts that stay unresolved, including
// all of them under models.StrategyManual, remain pending in the log.
func (e *Engine) Reconcile(ctx context.Context, table string, strategy models.Strategy) (Report, error) {
	report := Report{Table: table, Strategy: strategy}

	desc, err := e.registry.Lookup(table)
	if err != nil {
		return report, err
	}

	ctx, end, err := e.begin(ctx)
	if err != nil {
		return report, err
	}
	defer end()

	e.progress.Store(&Progress{Table: table, Phase: PhasePulling, StartTime: e.now()})
	e.emitEvent(Event{Type: EventStarted, Table: table})

	logger := e.logger.WithFields(map[string]interface{}{
		"table":    table,
		"strategy": string(strategy),
	})
	logger.Info("Starting reconciliation")

	if e.flush != nil {
		if err := e.flush(ctx); err != nil {
			return report, e.handleError(table, fmt.Errorf("flush pending pushes: %w", err))
		}
	}

	local, remote, err := e.load(ctx, desc)
	if err != nil {
		return report, e.handleError(table, err)
	}
	report.Local, report.Remote = len(local), len(remote)

	tombstones, err := e.store.Tombstones(ctx, table)
	if err != nil {
		return report, e.handleError(table, fmt.Errorf("list tombstones %s: %w", table, err))
	}

	e.updateProgress(func(p *Progress) { p.Phase = PhaseDetecting })
	conflicts := e.detector.Detect(local, remote, desc)
	logIDs := make(map[string]string, len(conflicts))
	for i, id := range e.log.Record(table, conflicts) {
		logIDs[conflicts[i].ID] = id
	}
	e.updateProgress(func(p *Progress) { p.Conflicts = len(conflicts) })
	if len(conflicts) > 0 {
		e.emitEvent(Event{Type: EventConflicts, Table: table})
	}

	report.Summary = e.resolver.Resolve(conflicts, strategy, desc)

	plan := planReconcile(local, remote, tombstones, conflicts)
	report.Pulled = len(plan.incoming)
	report.Settled = len(plan.settled)

	resolved := make([]models.Record, 0, len(report.Resolved))
	for _, c := range report.Resolved {
		resolved = append(resolved, c.Resolution.Record)
	}

	e.updateProgress(func(p *Progress) { p.Phase = PhaseWriting })
	now := e.now()
	err = e.store.Transaction(ctx, []string{table}, func(tx store.Tx) error {
		for _, rec := range plan.incoming {
			if err := tx.Put(ctx, table, rec); err != nil {
				return err
			}
		}
		for _, rec := range resolved {
			if err := tx.Put(ctx, table, rec); err != nil {
				return err
			}
		}
		for _, rec := range plan.settled {
			rec.MarkSynced(now)
			if err := tx.Put(ctx, table, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return report, e.handleError(table, fmt.Errorf("write reconciled %s: %w", table, err))
	}

	e.updateProgress(func(p *Progress) { p.Phase = PhasePushing })
	if len(resolved) > 0 {
		res := e.remote.Push(ctx, table, resolved, gateway.OpUpdate)
		report.Pushes = append(report.Pushes, res)
		e.markUnpushed(ctx, table, resolved, res)
	}
	if len(plan.outgoing) > 0 {
		res := e.remote.Push(ctx, table, plan.outgoing, gateway.OpInsert)
		report.Pushes = append(report.Pushes, res)
		markSynced(ctx, e.store, table, plan.outgoing, res.Synced, e.now(), e.logger)
	}
	if len(tombstones) > 0 {
		res := e.remote.Push(ctx, table, tombstones, gateway.OpDelete)
		report.Pushes = append(report.Pushes, res)
		report.Deleted = len(res.Synced)
		dropTombstones(ctx, e.store, table, tombstones, res.Synced, e.logger)
	}

	for i := range report.Resolved {
		c := &report.Resolved[i]
		if id, ok := logIDs[c.ID]; ok {
			if err := e.log.MarkResolved(id, *c.Resolution); err != nil {
				logger.WithError(err).Warn("Failed to mark conflict resolved")
			}
		}
		e.updateProgress(func(p *Progress) { p.Resolved++ })
		e.emitEvent(Event{Type: EventResolved, Table: table, Conflict: c})
	}

	e.updateProgress(func(p *Progress) { p.Phase = PhaseDone })
	e.emitEvent(Event{Type: EventCompleted, Table: table, Report: &report})
	logger.WithFields(map[string]interface{}{
		"local":     report.Local,
		"remote":    report.Remote,
		"pulled":    report.Pulled,
		"resolved":  report.ConflictsResolved,
		"remaining": report.ConflictsRemaining,
	}).Info("Reconciliation complete")
	return report, nil
}

func (e *Engine) load(ctx context.Context, desc schema.Table) (local, remote []models.Record, err error) {
	remote, err = e.remote.Pull(ctx, desc.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("pull %s: %w", desc.Name, err)
	}
	local, err = e.store.OrderBy(ctx, desc.Name, models.KeyID, false)
	if err != nil {
		return nil, nil, fmt.Errorf("list %s: %w", desc.Name, err)
	}
	return local, remote, nil
}

// markUnpushed flags resolved records the remote did not accept as pending again.
func (e *Engine) markUnpushed(ctx context.Context, table string, records []models.Record, res gateway.Result) {
	accepted := make(map[string]bool, len(res.Synced))
	for _, id := range res.Synced {
		accepted[id] = true
	}

	var failed []models.Record
	for _, rec := range records {
		if !accepted[rec.ID] {
			rec.Synced = false
			failed = append(failed, rec)
		}
	}
	if len(failed) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	err := e.store.Transaction(ctx, []string{table}, func(tx store.Tx) error {
		return putAll(ctx, tx, table, failed)
	})
	if err != nil {
		e.logger.WithField("table", table).WithError(err).Warn("Failed to mark records pending")
	}
}

// updateProgress publishes a modified copy so readers never see a partial update.
func (e *Engine) updateProgress(fn func(p *Progress)) {
	var next Progress
	if cur := e.GetProgress(); cur != nil {
		next = *cur
	}
	fn(&next)
	e.progress.Store(&next)
}

func (e *Engine) emitEvent(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	select {
	case e.events <- event:
	default:
		e.logger.Debug("Event channel full, dropping event")
	}
}

func (e *Engine) handleError(table string, err error) error {
	e.emitEvent(Event{Type: EventFailed, Table: table, Error: err})
	e.logger.WithField("table", table).WithError(err).Error("Reconciliation failed")
	return err
}

// reconcilePlan sorts the non-conflicting records of a pass.
type reconcilePlan struct {
	incoming []models.Record // remote only, not deleted locally
	outgoing []models.Record // local only and pending
	settled  []models.Record // pending locally, identical remotely
}

func planReconcile(local, remote, tombstones []models.Record, conflicts []models.Conflict) reconcilePlan {
	var plan reconcilePlan

	deleted := make(map[string]bool, len(tombstones))
	for _, rec := range tombstones {
		deleted[rec.ID] = true
	}
	conflicted := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		conflicted[c.ID] = true
	}
	remoteIDs := make(map[string]bool, len(remote))
	for _, rec := range remote {
		remoteIDs[rec.ID] = true
	}
	localByID := make(map[string]models.Record, len(local))
	for _, rec := range local {
		localByID[rec.ID] = rec
	}

	for _, rec := range remote {
		if _, ok := localByID[rec.ID]; !ok && !deleted[rec.ID] {
			plan.incoming = append(plan.incoming, rec)
		}
	}
	for _, rec := range local {
		switch {
		case rec.Synced:
		case !remoteIDs[rec.ID]:
			plan.outgoing = append(plan.outgoing, rec)
		case !conflicted[rec.ID]:
			plan.settled = append(plan.settled, rec)
		}
	}
	return plan
}

// splitByOp sends never-synced records as inserts and the rest as updates.
func splitByOp(records []models.Record) map[gateway.Op][]models.Record {
	out := make(map[gateway.Op][]models.Record)
	for _, rec := range records {
		op := gateway.OpUpdate
		if rec.SyncedAt == nil {
			op = gateway.OpInsert
		}
		out[op] = append(out[op], rec)
	}
	return out
}

func putAll(ctx context.Context, tx store.Tx, table string, records []models.Record) error {
	for _, rec := range records {
		if err := tx.Put(ctx, table, rec); err != nil {
			return err
		}
	}
	return nil
}
