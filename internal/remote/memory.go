package remote

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/TheMichaelB/jobsync/internal/models"
)

// Operation names used for error injection and call tracking.
const (
	OpSelect = "select"
	OpInsert = "insert"
	OpUpsert = "upsert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Call records one request made to a MemoryStore.
type Call struct {
	Op     string
	Table  string
	Query  Query
	Rows   []Row
	ID     string
	UserID int64
}

// MemoryStore is an in-process Store for tests and offline demos.
type MemoryStore struct {
	mu sync.Mutex

	tables     map[string]map[string]Row
	missing    map[string]bool
	failures   map[string][]error
	calls      []Call
	nextUserID int64
}

// NewMemoryStore creates an empty remote.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:     make(map[string]map[string]Row),
		missing:    make(map[string]bool),
		failures:   make(map[string][]error),
		nextUserID: 1,
	}
}

// FailNext makes the next len(errs) calls of op return errs in order.
func (m *MemoryStore) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// SetMissing makes every call on table fail as if the table did not exist.
func (m *MemoryStore) SetMissing(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[table] = true
}

// Seed stores rows as they are, bypassing duplicate checks.
func (m *MemoryStore) Seed(table string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.table(table)[models.IDString(row["id"])] = models.CloneFields(row)
	}
}

// Rows returns a copy of a table's rows ordered by id.
func (m *MemoryStore) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.tables[table]))
	for id := range m.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.CloneFields(m.tables[table][id]))
	}
	return out
}

// Calls returns the requests made so far.
func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount counts requests of op.
func (m *MemoryStore) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Select implements Store.
func (m *MemoryStore) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, Call{Op: OpSelect, Table: table, Query: q}); err != nil {
		return nil, err
	}

	var out []Row
	for _, row := range m.tables[table] {
		if matches(row, q.Filters) {
			out = append(out, models.CloneFields(row))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy != "" {
			a, b := out[i][q.OrderBy], out[j][q.OrderBy]
			if (a == nil) != (b == nil) {
				return b == nil
			}
			c := compareValues(a, b)
			if q.Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return models.IDString(out[i]["id"]) < models.IDString(out[j]["id"])
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Insert implements Store. A duplicate id fails the whole batch.
func (m *MemoryStore) Insert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, Call{Op: OpInsert, Table: table, Rows: cloneRows(rows)}); err != nil {
		return nil, err
	}

	t := m.table(table)
	for _, row := range rows {
		if id := models.IDString(row["id"]); id != "" {
			if _, exists := t[id]; exists {
				return nil, &Error{
					Status:  http.StatusConflict,
					Code:    CodeUniqueViolation,
					Message: fmt.Sprintf("duplicate key value violates unique constraint \"%s_pkey\"", table),
				}
			}
		}
	}

	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		stored := models.CloneFields(row)
		if models.IDString(stored["id"]) == "" {
			stored["id"] = m.nextUserID
			m.nextUserID++
		}
		t[models.IDString(stored["id"])] = stored
		out = append(out, models.CloneFields(stored))
	}
	return out, nil
}

// Upsert implements Store. Only onConflict "id" is supported.
func (m *MemoryStore) Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, Call{Op: OpUpsert, Table: table, Rows: cloneRows(rows)}); err != nil {
		return nil, err
	}
	if onConflict != "id" {
		return nil, &Error{Status: http.StatusBadRequest, Code: "42P10", Message: "unsupported conflict target " + onConflict}
	}

	t := m.table(table)
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		id := models.IDString(row["id"])
		stored, ok := t[id]
		if !ok {
			stored = make(Row, len(row))
		}
		for k, v := range row {
			stored[k] = models.CloneValue(v)
		}
		t[id] = stored
		out = append(out, models.CloneFields(stored))
	}
	return out, nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, table, id string, userID int64, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, Call{Op: OpUpdate, Table: table, ID: id, UserID: userID, Rows: []Row{models.CloneFields(row)}}); err != nil {
		return err
	}

	stored, ok := m.tables[table][id]
	if !ok || formatValue(stored["user_id"]) != formatValue(userID) {
		return nil
	}
	for k, v := range row {
		if k == "id" {
			continue
		}
		stored[k] = models.CloneValue(v)
	}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, table, id string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, Call{Op: OpDelete, Table: table, ID: id, UserID: userID}); err != nil {
		return err
	}

	if stored, ok := m.tables[table][id]; ok && formatValue(stored["user_id"]) == formatValue(userID) {
		delete(m.tables[table], id)
	}
	return nil
}

// begin tracks the call and returns any injected or simulated failure. Callers hold mu.
func (m *MemoryStore) begin(ctx context.Context, call Call) error {
	m.calls = append(m.calls, call)

	if err := ctx.Err(); err != nil {
		return err
	}
	if errs := m.failures[call.Op]; len(errs) > 0 {
		m.failures[call.Op] = errs[1:]
		return errs[0]
	}
	if m.missing[call.Table] {
		return &Error{
			Status:  http.StatusNotFound,
			Code:    CodeSchemaCacheTable,
			Message: fmt.Sprintf("Could not find the table 'public.%s' in the schema cache", call.Table),
		}
	}
	return nil
}

func (m *MemoryStore) table(name string) map[string]Row {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string]Row)
		m.tables[name] = t
	}
	return t
}

func matches(row Row, filters []Filter) bool {
	for _, f := range filters {
		v, ok := row[f.Column]
		if !ok || v == nil || formatValue(v) != formatValue(f.Value) {
			return false
		}
	}
	return true
}

// compareValues orders numbers numerically, timestamps chronologically and everything else by text.
func compareValues(a, b interface{}) int {
	if a == nil || b == nil {
		return 0
	}

	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			at, aok := models.ParseTime(as)
			bt, bok := models.ParseTime(bs)
			if aok && bok {
				return at.Compare(bt)
			}
		}
	}

	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}

	as, bs := formatValue(a), formatValue(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func cloneRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = models.CloneFields(row)
	}
	return out
}
