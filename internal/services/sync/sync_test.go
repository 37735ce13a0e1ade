package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/jobsync/internal/cache"
	"github.com/TheMichaelB/jobsync/internal/config"
	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/gateway"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/schema"
	"github.com/TheMichaelB/jobsync/internal/store"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type pushCall struct {
	table string
	op    gateway.Op
	ids   []string
}

// fakeRemote keeps one page per table and applies pushes to it.
type fakeRemote struct {
	mu      sync.Mutex
	pages   map[string][]models.Record
	calls   []pushCall
	down    bool
	pullErr error

	// pushGate, when set, holds every push until it is closed. pushStarted
	// receives a value each time a push begins waiting.
	pushGate    chan struct{}
	pushStarted chan struct{}

	// pullGate works the same way for pulls.
	pullGate    chan struct{}
	pullStarted chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{pages: make(map[string][]models.Record)}
}

func (f *fakeRemote) seed(table string, recs ...models.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range recs {
		rec.Synced = true
		f.pages[table] = append(f.pages[table], rec)
	}
}

func (f *fakeRemote) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeRemote) pushes() []pushCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushCall(nil), f.calls...)
}

func (f *fakeRemote) page(table string) []models.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneRecords(f.pages[table])
}

func (f *fakeRemote) Pull(ctx context.Context, table string) ([]models.Record, error) {
	if f.pullGate != nil {
		f.pullStarted <- struct{}{}
		<-f.pullGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return cloneRecords(f.pages[table]), nil
}

func (f *fakeRemote) Push(ctx context.Context, table string, records []models.Record, op gateway.Op) gateway.Result {
	if f.pushGate != nil {
		f.pushStarted <- struct{}{}
		select {
		case <-f.pushGate:
		case <-ctx.Done():
			return gateway.Result{Table: table, Op: op, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	call := pushCall{table: table, op: op}
	for _, rec := range records {
		call.ids = append(call.ids, rec.ID)
	}
	f.calls = append(f.calls, call)

	res := gateway.Result{Table: table, Op: op, Attempted: len(records)}
	if f.down {
		res.Failed = len(records)
		res.Err = errors.New("remote unavailable")
		return res
	}

	for _, rec := range records {
		res.Succeeded++
		res.Synced = append(res.Synced, rec.ID)
		f.apply(table, rec, op)
	}
	return res
}

func (f *fakeRemote) apply(table string, rec models.Record, op gateway.Op) {
	page := f.pages[table]
	for i := range page {
		if page[i].ID != rec.ID {
			continue
		}
		if op == gateway.OpDelete {
			f.pages[table] = append(page[:i], page[i+1:]...)
			return
		}
		page[i] = rec.Clone()
		page[i].Synced = true
		return
	}
	if op != gateway.OpDelete {
		stored := rec.Clone()
		stored.Synced = true
		f.pages[table] = append(page, stored)
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *store.MemoryStore
	cache  *cache.Cache
	remote *fakeRemote
	clock  *clock
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := schema.Default()
	st := store.NewMemoryStore(registry.Names())
	clk := &clock{now: t0}
	c := cache.New(time.Minute, cache.WithClock(clk.Now))
	stop := c.Watch(st)

	remote := newFakeRemote()
	cfg := &config.SyncConfig{PushQueueSize: 16, DefaultStrategy: string(models.StrategyMerge)}
	svc, err := NewService(st, c, registry, remote, nil, cfg, events.Discard(), WithClock(clk.Now))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = svc.Close(context.Background())
		stop()
	})
	return &fixture{store: st, cache: c, remote: remote, clock: clk, svc: svc}
}

func application(company, position string) map[string]interface{} {
	return map[string]interface{}{"company": company, "position": position}
}

func syncedRecord(id string, fields map[string]interface{}, created, updated time.Time) models.Record {
	rec := models.NewRecord(id, fields, created)
	rec.UpdatedAt = updated
	rec.MarkSynced(updated)
	return rec
}

func TestNewServiceRejectsUnknownStrategy(t *testing.T) {
	registry := schema.Default()
	st := store.NewMemoryStore(registry.Names())
	cfg := &config.SyncConfig{DefaultStrategy: "coin-flip"}

	_, err := NewService(st, cache.New(time.Minute), registry, newFakeRemote(), nil, cfg, events.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestSyncTablesExcludeBackups(t *testing.T) {
	f := newFixture(t)

	tables := f.svc.SyncTables()
	assert.NotContains(t, tables, schema.Backups)
	assert.Contains(t, tables, schema.Applications)
	assert.Contains(t, tables, schema.Goals)
}
