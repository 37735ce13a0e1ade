// Package scheduler rate-limits background pulls so that reads can ask for a
// refresh as often as they like.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/jobsync/internal/cache"
	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/store"
)

// DefaultInterval is the minimum time between two pulls of the same table.
const DefaultInterval = 2 * time.Minute

// State of a table in the scheduler.
type State int

const (
	Idle State = iota
	Pulling
)

func (s State) String() string {
	if s == Pulling {
		return "pulling"
	}
	return "idle"
}

// Puller fetches the remote page of a table.
type Puller interface {
	Pull(ctx context.Context, table string) ([]models.Record, error)
}

// Status describes the last pull of a table.
type Status struct {
	Table       string    `json:"table"`
	State       string    `json:"state"`
	LastAttempt time.Time `json:"lastAttempt"`
	LastCount   int       `json:"lastCount"`
	LastError   string    `json:"lastError,omitempty"`
}

type tableState struct {
	state       State
	lastAttempt time.Time
	lastCount   int
	lastErr     error
}

// Scheduler runs at most one pull per table at a time and at most one per interval.
type Scheduler struct {
	store    store.Store
	cache    *cache.Cache
	puller   Puller
	interval time.Duration
	logger   *events.Logger
	now      func() time.Time
	orderKey func(table string) string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tables map[string]*tableState
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithOrderKey sets the field each table is listed by, newest first. The
// default is models.KeyUpdatedAt.
func WithOrderKey(key func(table string) string) Option {
	return func(s *Scheduler) { s.orderKey = key }
}

// New creates a scheduler. A non-positive interval uses DefaultInterval.
func New(st store.Store, c *cache.Cache, p Puller, interval time.Duration, logger *events.Logger, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:    st,
		cache:    c,
		puller:   p,
		interval: interval,
		logger:   logger.WithField("component", "scheduler"),
		now:      time.Now,
		orderKey: func(string) string { return models.KeyUpdatedAt },
		ctx:      ctx,
		cancel:   cancel,
		tables:   make(map[string]*tableState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestRefresh pulls table now if it is idle and its interval has elapsed.
// It reports whether a pull ran.
func (s *Scheduler) RequestRefresh(ctx context.Context, table string) bool {
	if !s.claim(table) {
		return false
	}
	s.run(ctx, table)
	return true
}

// RefreshAsync is RequestRefresh in the background. The claim is taken before returning.
func (s *Scheduler) RefreshAsync(table string) bool {
	if !s.claim(table) {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.ctx, table)
	}()
	return true
}

// Wait blocks until background pulls finish.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels background pulls and waits for them.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// State returns the current state of table.
func (s *Scheduler) State(table string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.tables[table]; ok {
		return ts.state
	}
	return Idle
}

// LastAttempt returns when the last pull of table finished, or the zero time.
func (s *Scheduler) LastAttempt(table string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.tables[table]; ok {
		return ts.lastAttempt
	}
	return time.Time{}
}

// Status returns diagnostics for table.
func (s *Scheduler) Status(table string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Table: table, State: Idle.String()}
	if ts, ok := s.tables[table]; ok {
		st.State = ts.state.String()
		st.LastAttempt = ts.lastAttempt
		st.LastCount = ts.lastCount
		if ts.lastErr != nil {
			st.LastError = ts.lastErr.Error()
		}
	}
	return st
}

// claim moves table from Idle to Pulling if the interval since the last attempt has elapsed.
func (s *Scheduler) claim(table string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tables[table]
	if !ok {
		ts = &tableState{}
		s.tables[table] = ts
	}

	if ts.state == Pulling {
		return false
	}
	if !ts.lastAttempt.IsZero() && s.now().Sub(ts.lastAttempt) < s.interval {
		return false
	}

	ts.state = Pulling
	return true
}

func (s *Scheduler) run(ctx context.Context, table string) {
	logger := s.logger.WithField("table", table)

	count, err := s.pull(events.WithTable(ctx, table), table)

	s.mu.Lock()
	ts := s.tables[table]
	ts.state = Idle
	ts.lastAttempt = s.now()
	ts.lastCount = count
	ts.lastErr = err
	s.mu.Unlock()

	if err != nil {
		logger.WithError(err).Warn("Background pull failed")
		return
	}
	logger.WithField("count", count).Debug("Background pull complete")
}

// pull replaces the local table with a non-empty remote page and writes the
// table's listing through to the cache. It returns the number of live records.
func (s *Scheduler) pull(ctx context.Context, table string) (int, error) {
	records, err := s.puller.Pull(ctx, table)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	err = s.store.Transaction(ctx, []string{table}, func(tx store.Tx) error {
		if err := tx.Clear(ctx, table); err != nil {
			return err
		}
		return tx.BulkAdd(ctx, table, records)
	})
	if err != nil {
		return 0, fmt.Errorf("replace %s: %w", table, err)
	}

	s.warm(ctx, table)

	live := 0
	for _, rec := range records {
		if !rec.Deleted {
			live++
		}
	}
	return live, nil
}

// warm caches the listing of table as reads would build it. Runs after
// commit, so the change notification has already invalidated the old entry.
func (s *Scheduler) warm(ctx context.Context, table string) {
	if s.cache == nil {
		return
	}

	key := cache.TableKey(table)
	gen := s.cache.Generation(key)
	listing, err := s.store.OrderBy(ctx, table, s.orderKey(table), true)
	if err != nil {
		s.logger.WithField("table", table).WithError(err).Warn("Failed to warm cache")
		return
	}
	s.cache.SetIfUnchanged(key, gen, listing)
}
