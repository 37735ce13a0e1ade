package remote_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/jobsync/internal/remote"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want remote.Class
	}{
		{"nil", nil, remote.ClassNone},
		{"unique violation", &remote.Error{Status: 409, Code: "23505"}, remote.ClassDuplicate},
		{"conflict status", &remote.Error{Status: http.StatusConflict}, remote.ClassDuplicate},
		{"insufficient privilege", &remote.Error{Status: 400, Code: "42501"}, remote.ClassPermission},
		{"unauthorized", &remote.Error{Status: http.StatusUnauthorized}, remote.ClassPermission},
		{"forbidden", &remote.Error{Status: http.StatusForbidden}, remote.ClassPermission},
		{"undefined table", &remote.Error{Status: 404, Code: "42P01"}, remote.ClassTableMissing},
		{"schema cache table", &remote.Error{Status: 404, Code: "PGRST205"}, remote.ClassTableMissing},
		{"schema cache schema", &remote.Error{Status: 406, Code: "PGRST106"}, remote.ClassTableMissing},
		{"no rows", &remote.Error{Status: 406, Code: "PGRST116"}, remote.ClassNotFound},
		{"server error", &remote.Error{Status: http.StatusInternalServerError}, remote.ClassNetwork},
		{"rate limited", &remote.Error{Status: http.StatusTooManyRequests}, remote.ClassNetwork},
		{"bad request", &remote.Error{Status: http.StatusBadRequest, Code: "22P02"}, remote.ClassGeneric},
		{"wrapped api error", fmt.Errorf("push: %w", &remote.Error{Code: "23505"}), remote.ClassDuplicate},
		{"unavailable", fmt.Errorf("%w: dial", remote.ErrUnavailable), remote.ClassNetwork},
		{"deadline", context.DeadlineExceeded, remote.ClassNetwork},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, remote.ClassNetwork},
		{"canceled", context.Canceled, remote.ClassGeneric},
		{"plain", errors.New("boom"), remote.ClassGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, remote.Classify(tt.err))
		})
	}
}

func TestQueryEqDoesNotAlias(t *testing.T) {
	base := remote.Query{}.Eq("user_id", int64(1))
	a := base.Eq("status", "applied")
	b := base.Eq("status", "offer")

	require.Len(t, base.Filters, 1)
	assert.Equal(t, "applied", a.Filters[1].Value)
	assert.Equal(t, "offer", b.Filters[1].Value)
}

func TestMemoryStoreSelect(t *testing.T) {
	ctx := context.Background()
	m := remote.NewMemoryStore()
	m.Seed("applications",
		remote.Row{"id": "a1", "user_id": int64(1), "updated_at": "2024-01-01T10:00:00Z"},
		remote.Row{"id": "a2", "user_id": int64(1), "updated_at": "2024-01-01T10:00:00.5Z"},
		remote.Row{"id": "a3", "user_id": int64(2), "updated_at": "2024-01-02T10:00:00Z"},
		remote.Row{"id": "a4", "user_id": int64(1), "updated_at": nil},
	)

	rows, err := m.Select(ctx, "applications", remote.Query{OrderBy: "updated_at", Desc: true}.Eq("user_id", float64(1)))
	require.NoError(t, err)

	var ids []string
	for _, r := range rows {
		ids = append(ids, r["id"].(string))
	}
	assert.Equal(t, []string{"a2", "a1", "a4"}, ids)

	rows, err = m.Select(ctx, "applications", remote.Query{OrderBy: "updated_at", Desc: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a3", rows[0]["id"])
}

func TestMemoryStoreInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	m := remote.NewMemoryStore()

	_, err := m.Insert(ctx, "goals", []remote.Row{{"id": "g1"}})
	require.NoError(t, err)

	_, err = m.Insert(ctx, "goals", []remote.Row{{"id": "g2"}, {"id": "g1"}})
	assert.Equal(t, remote.ClassDuplicate, remote.Classify(err))
	assert.Len(t, m.Rows("goals"), 1, "failed batch stores nothing")

	_, err = m.Upsert(ctx, "goals", []remote.Row{{"id": "g1", "title": "x"}, {"id": "g2"}}, "id")
	require.NoError(t, err)
	assert.Len(t, m.Rows("goals"), 2)
	assert.Equal(t, "x", m.Rows("goals")[0]["title"])
}

func TestMemoryStoreAssignsIDs(t *testing.T) {
	m := remote.NewMemoryStore()
	out, err := m.Insert(context.Background(), "users", []remote.Row{{"auth_id": "sub-1"}, {"auth_id": "sub-2"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out[0]["id"])
	assert.Equal(t, int64(2), out[1]["id"])
}

func TestMemoryStoreOwnerScopedMutations(t *testing.T) {
	ctx := context.Background()
	m := remote.NewMemoryStore()
	m.Seed("applications", remote.Row{"id": "a1", "user_id": int64(1), "status": "applied"})

	require.NoError(t, m.Update(ctx, "applications", "a1", 2, remote.Row{"status": "offer"}))
	assert.Equal(t, "applied", m.Rows("applications")[0]["status"])

	require.NoError(t, m.Update(ctx, "applications", "a1", 1, remote.Row{"status": "offer"}))
	assert.Equal(t, "offer", m.Rows("applications")[0]["status"])

	require.NoError(t, m.Delete(ctx, "applications", "a1", 2))
	assert.Len(t, m.Rows("applications"), 1)
	require.NoError(t, m.Delete(ctx, "applications", "a1", 1))
	assert.Empty(t, m.Rows("applications"))
}

func TestMemoryStoreFailures(t *testing.T) {
	ctx := context.Background()
	m := remote.NewMemoryStore()
	m.SetMissing("events")
	m.FailNext(remote.OpSelect, remote.ErrUnavailable)

	_, err := m.Select(ctx, "goals", remote.Query{})
	assert.ErrorIs(t, err, remote.ErrUnavailable)

	_, err = m.Select(ctx, "goals", remote.Query{})
	assert.NoError(t, err, "injected failures are consumed")

	_, err = m.Select(ctx, "events", remote.Query{})
	assert.Equal(t, remote.ClassTableMissing, remote.Classify(err))

	assert.Equal(t, 3, m.CallCount(remote.OpSelect))
}
