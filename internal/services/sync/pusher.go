package sync

import (
	"context"
	"sync"
	"time"

	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/gateway"
	"github.com/TheMichaelB/jobsync/internal/metrics"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/store"
)

// Pusher sends local changes to the remote store.
type Pusher interface {
	Push(ctx context.Context, table string, records []models.Record, op gateway.Op) gateway.Result
}

type pushJob struct {
	table   string
	records []models.Record
	op      gateway.Op

	// barrier, when set, is closed once every earlier job has been processed.
	barrier chan struct{}
}

// pushQueue runs best-effort pushes one at a time in FIFO order.
type pushQueue struct {
	pusher  Pusher
	store   store.Store
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *events.Logger

	jobs   chan pushJob
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newPushQueue(p Pusher, st store.Store, size int, now func() time.Time, m *metrics.Metrics, logger *events.Logger) *pushQueue {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &pushQueue{
		pusher:  p,
		store:   st,
		now:     now,
		metrics: m,
		logger:  logger.WithField("component", "push_queue"),
		jobs:    make(chan pushJob, size),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

// enqueue schedules a push without blocking. A full queue drops the job: the
// records stay unsynced locally and go out with the next explicit push.
func (q *pushQueue) enqueue(table string, records []models.Record, op gateway.Op) bool {
	if len(records) == 0 {
		return false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}

	select {
	case q.jobs <- pushJob{table: table, records: records, op: op}:
		q.metrics.PushQueueDepth(len(q.jobs))
		return true
	default:
		q.logger.WithFields(map[string]interface{}{
			"table": table,
			"op":    string(op),
			"count": len(records),
		}).Warn("Push queue full, leaving records for the next push")
		return false
	}
}

// flush waits until every job queued before the call has been processed.
func (q *pushQueue) flush(ctx context.Context) error {
	barrier := make(chan struct{})

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil
	}
	select {
	case q.jobs <- pushJob{barrier: barrier}:
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}
	q.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting jobs, cancels in-flight pushes and waits for the worker.
func (q *pushQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cancel()
	close(q.jobs)
	q.mu.Unlock()

	<-q.done
}

func (q *pushQueue) loop() {
	defer close(q.done)

	for job := range q.jobs {
		if job.barrier != nil {
			close(job.barrier)
			continue
		}
		q.process(job)
		q.metrics.PushQueueDepth(len(q.jobs))
	}
}

func (q *pushQueue) process(job pushJob) {
	res := q.pusher.Push(q.ctx, job.table, job.records, job.op)
	logger := q.logger.WithFields(map[string]interface{}{
		"table":     job.table,
		"op":        string(job.op),
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
	})

	switch {
	case res.Skipped:
		logger.Debug("Push skipped")
		return
	case res.Err != nil:
		logger.WithError(res.Err).Warn("Push failed, records stay pending")
	case len(res.Warnings) > 0:
		logger.WithField("warnings", res.Warnings).Info("Push completed with warnings")
	default:
		logger.Debug("Push completed")
	}

	if job.op == gateway.OpDelete {
		dropTombstones(q.ctx, q.store, job.table, job.records, res.Synced, q.logger)
		return
	}
	markSynced(q.ctx, q.store, job.table, job.records, res.Synced, q.now(), q.logger)
}

// markSynced flags pushed records as synced unless they changed locally in the meantime.
func markSynced(ctx context.Context, st store.Store, table string, pushed []models.Record, synced []string, now time.Time, logger *events.Logger) {
	if len(synced) == 0 {
		return
	}

	byID := make(map[string]models.Record, len(pushed))
	for _, rec := range pushed {
		byID[rec.ID] = rec
	}

	// Pushed records are remote already; record that even when shutting down.
	ctx = context.WithoutCancel(ctx)
	err := st.Transaction(ctx, []string{table}, func(tx store.Tx) error {
		for _, id := range synced {
			sent, ok := byID[id]
			if !ok {
				continue
			}
			cur, err := tx.Get(ctx, table, id)
			if err != nil {
				continue
			}
			if cur.Synced || !cur.UpdatedAt.Equal(sent.UpdatedAt) {
				continue
			}
			cur.MarkSynced(now)
			if err := tx.Put(ctx, table, cur); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.WithField("table", table).WithError(err).Warn("Failed to mark records synced")
	}
}

// dropTombstones removes the tombstones whose remote delete was confirmed. A
// tombstone touched again after it was sent stays for the next push.
func dropTombstones(ctx context.Context, st store.Store, table string, sent []models.Record, confirmed []string, logger *events.Logger) {
	if len(confirmed) == 0 {
		return
	}

	byID := make(map[string]models.Record, len(sent))
	for _, rec := range sent {
		byID[rec.ID] = rec
	}

	ctx = context.WithoutCancel(ctx)
	err := st.Transaction(ctx, []string{table}, func(tx store.Tx) error {
		tombstones, err := tx.Tombstones(ctx, table)
		if err != nil {
			return err
		}
		current := make(map[string]models.Record, len(tombstones))
		for _, rec := range tombstones {
			current[rec.ID] = rec
		}
		for _, id := range confirmed {
			cur, ok := current[id]
			if !ok {
				continue
			}
			if s, ok := byID[id]; ok && !cur.UpdatedAt.Equal(s.UpdatedAt) {
				continue
			}
			if err := tx.Delete(ctx, table, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.WithField("table", table).WithError(err).Warn("Failed to drop confirmed tombstones")
	}
}
