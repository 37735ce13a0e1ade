package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/jobsync/internal/models"
)

// MemoryStore is an in-process Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]map[string]models.Record
	tables tableSet
	closed bool
	notifier
}

// NewMemoryStore creates an empty store with the given tables.
func NewMemoryStore(tables []string) *MemoryStore {
	data := make(map[string]map[string]models.Record, len(tables))
	for _, t := range tables {
		data[t] = make(map[string]models.Record)
	}
	return &MemoryStore{
		data:   data,
		tables: newTableSet(tables),
	}
}

// Tables lists managed tables.
func (m *MemoryStore) Tables() []string {
	return m.tables.sorted()
}

// Subscribe registers a change listener.
func (m *MemoryStore) Subscribe(fn ChangeFunc) func() {
	return m.subscribe(fn)
}

// read runs fn under the lock against live data.
func (m *MemoryStore) read(fn func(tx *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.ErrStoreUnavailable
	}
	return fn(&memTx{data: m.data, scope: m.tables, changed: make(tableSet)})
}

// write applies fn to a copy of the touched tables and swaps it in on success.
func (m *MemoryStore) write(scope []string, fn func(tx *memTx) error) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return models.ErrStoreUnavailable
	}
	for _, t := range scope {
		if err := m.tables.check(t); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	staged := make(map[string]map[string]models.Record, len(scope))
	for _, t := range scope {
		rows := make(map[string]models.Record, len(m.data[t]))
		for id, rec := range m.data[t] {
			rows[id] = rec
		}
		staged[t] = rows
	}

	tx := &memTx{data: staged, scope: newTableSet(scope), changed: make(tableSet)}
	if err := fn(tx); err != nil {
		m.mu.Unlock()
		return err
	}
	for t, rows := range staged {
		m.data[t] = rows
	}
	m.mu.Unlock()

	m.notify(tx.changed.sorted()...)
	return nil
}

// Get retrieves one record.
func (m *MemoryStore) Get(ctx context.Context, table, id string) (rec models.Record, err error) {
	err = m.read(func(tx *memTx) error {
		rec, err = tx.Get(ctx, table, id)
		return err
	})
	return rec, err
}

// OrderBy lists a table sorted by key.
func (m *MemoryStore) OrderBy(ctx context.Context, table, key string, desc bool) (out []models.Record, err error) {
	err = m.read(func(tx *memTx) error {
		out, err = tx.OrderBy(ctx, table, key, desc)
		return err
	})
	return out, err
}

// Where lists records matching key = value.
func (m *MemoryStore) Where(ctx context.Context, table, key string, value interface{}) (out []models.Record, err error) {
	err = m.read(func(tx *memTx) error {
		out, err = tx.Where(ctx, table, key, value)
		return err
	})
	return out, err
}

// Count returns the number of records.
func (m *MemoryStore) Count(ctx context.Context, table string) (n int, err error) {
	err = m.read(func(tx *memTx) error {
		n, err = tx.Count(ctx, table)
		return err
	})
	return n, err
}

// Tombstones lists deleted records.
func (m *MemoryStore) Tombstones(ctx context.Context, table string) (out []models.Record, err error) {
	err = m.read(func(tx *memTx) error {
		out, err = tx.Tombstones(ctx, table)
		return err
	})
	return out, err
}

// Put upserts a record.
func (m *MemoryStore) Put(ctx context.Context, table string, rec models.Record) error {
	return m.write([]string{table}, func(tx *memTx) error { return tx.Put(ctx, table, rec) })
}

// Add inserts a new record.
func (m *MemoryStore) Add(ctx context.Context, table string, rec models.Record) error {
	return m.write([]string{table}, func(tx *memTx) error { return tx.Add(ctx, table, rec) })
}

// BulkAdd inserts records atomically.
func (m *MemoryStore) BulkAdd(ctx context.Context, table string, recs []models.Record) error {
	return m.write([]string{table}, func(tx *memTx) error { return tx.BulkAdd(ctx, table, recs) })
}

// Delete removes a record.
func (m *MemoryStore) Delete(ctx context.Context, table, id string) error {
	return m.write([]string{table}, func(tx *memTx) error { return tx.Delete(ctx, table, id) })
}

// BulkDelete removes records atomically.
func (m *MemoryStore) BulkDelete(ctx context.Context, table string, ids []string) error {
	return m.write([]string{table}, func(tx *memTx) error { return tx.BulkDelete(ctx, table, ids) })
}

// Clear empties a table.
func (m *MemoryStore) Clear(ctx context.Context, table string) error {
	return m.write([]string{table}, func(tx *memTx) error { return tx.Clear(ctx, table) })
}

// Transaction runs fn atomically over tables.
func (m *MemoryStore) Transaction(ctx context.Context, tables []string, fn func(tx Tx) error) error {
	return m.write(tables, func(tx *memTx) error { return fn(tx) })
}

// Close marks the store unavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memTx operates on a table map without locking; the caller holds the store lock.
type memTx struct {
	data    map[string]map[string]models.Record
	scope   tableSet
	changed tableSet
}

func (tx *memTx) rows(table string) (map[string]models.Record, error) {
	if err := tx.scope.check(table); err != nil {
		return nil, err
	}
	return tx.data[table], nil
}

func (tx *memTx) Get(_ context.Context, table, id string) (models.Record, error) {
	rows, err := tx.rows(table)
	if err != nil {
		return models.Record{}, err
	}
	rec, ok := rows[id]
	if !ok || rec.Deleted {
		return models.Record{}, fmt.Errorf("%w: %s/%s", models.ErrRecordNotFound, table, id)
	}
	return rec.Clone(), nil
}

func (tx *memTx) OrderBy(_ context.Context, table, key string, desc bool) ([]models.Record, error) {
	rows, err := tx.rows(table)
	if err != nil {
		return nil, err
	}
	if _, system := systemColumns[key]; !system {
		if err := validIdent(key); err != nil {
			return nil, err
		}
	}

	out := make([]models.Record, 0, len(rows))
	for _, rec := range rows {
		if !rec.Deleted {
			out = append(out, rec.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := compareValues(keyValue(out[i], key), keyValue(out[j], key))
		if c == 0 {
			return out[i].ID < out[j].ID
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out, nil
}

func (tx *memTx) Where(_ context.Context, table, key string, value interface{}) ([]models.Record, error) {
	rows, err := tx.rows(table)
	if err != nil {
		return nil, err
	}

	var out []models.Record
	for _, rec := range rows {
		if rec.Deleted {
			continue
		}
		if compareValues(keyValue(rec, key), value) == 0 && keyValue(rec, key) != nil {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) Count(_ context.Context, table string) (int, error) {
	rows, err := tx.rows(table)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range rows {
		if !rec.Deleted {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) Tombstones(_ context.Context, table string) ([]models.Record, error) {
	rows, err := tx.rows(table)
	if err != nil {
		return nil, err
	}

	var out []models.Record
	for _, rec := range rows {
		if rec.Deleted {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) Put(_ context.Context, table string, rec models.Record) error {
	rows, err := tx.rows(table)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}

	next := rec.Clone()
	if prev, ok := rows[rec.ID]; ok {
		if prev.UpdatedAt.After(next.UpdatedAt) {
			next.UpdatedAt = prev.UpdatedAt
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = prev.CreatedAt
		}
	}
	rows[rec.ID] = normalizeTimes(next)
	tx.changed[table] = true
	return nil
}

func (tx *memTx) Add(ctx context.Context, table string, rec models.Record) error {
	rows, err := tx.rows(table)
	if err != nil {
		return err
	}
	if prev, exists := rows[rec.ID]; exists {
		if !prev.Deleted {
			return fmt.Errorf("%w: %s/%s", models.ErrDuplicateKey, table, rec.ID)
		}
		delete(rows, rec.ID)
	}
	return tx.Put(ctx, table, rec)
}

func (tx *memTx) BulkAdd(ctx context.Context, table string, recs []models.Record) error {
	for _, rec := range recs {
		if err := tx.Add(ctx, table, rec); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memTx) Delete(_ context.Context, table, id string) error {
	rows, err := tx.rows(table)
	if err != nil {
		return err
	}
	if _, ok := rows[id]; ok {
		delete(rows, id)
		tx.changed[table] = true
	}
	return nil
}

func (tx *memTx) BulkDelete(ctx context.Context, table string, ids []string) error {
	for _, id := range ids {
		if err := tx.Delete(ctx, table, id); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memTx) Clear(_ context.Context, table string) error {
	if _, err := tx.rows(table); err != nil {
		return err
	}
	tx.data[table] = make(map[string]models.Record)
	tx.changed[table] = true
	return nil
}

// normalizeTimes stores timestamps in UTC, as the SQLite store does.
func normalizeTimes(rec models.Record) models.Record {
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.SyncedAt != nil {
		t := rec.SyncedAt.UTC()
		rec.SyncedAt = &t
	}
	return rec
}

func keyValue(rec models.Record, key string) interface{} {
	switch key {
	case models.KeyID:
		return rec.ID
	case models.KeyCreatedAt:
		return rec.CreatedAt
	case models.KeyUpdatedAt:
		return rec.UpdatedAt
	case models.KeySyncedAt:
		if rec.SyncedAt == nil {
			return nil
		}
		return *rec.SyncedAt
	case models.KeySynced:
		return rec.Synced
	}
	return rec.Fields[key]
}

// compareValues orders nil first, then numbers, bools, times and strings by their natural order.
func compareValues(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}

	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb)
		}
	}

	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
