package store_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/store"
)

var testTables = []string{"applications", "goals", "backups"}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobsync.db")
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	s, err := store.NewSQLiteStore(dbPath, testTables, logger)
	require.NoError(t, err)
	defer s.Close()

	testStoreOperations(t, s)
}

func TestMemoryStore(t *testing.T) {
	s := store.NewMemoryStore(testTables)
	defer s.Close()

	testStoreOperations(t, s)
}

func TestSQLiteStoreReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobsync.db")
	ctx := context.Background()
	logger := events.NewTestLogger(events.InfoLevel, "text", &bytes.Buffer{})

	s, err := store.NewSQLiteStore(dbPath, testTables, logger)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, "goals", rec("g1", map[string]interface{}{"title": "Ten applications"}, baseTime)))
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(dbPath, testTables, logger)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "goals", "g1")
	require.NoError(t, err)
	assert.Equal(t, "Ten applications", got.StringField("title"))
}

func TestSQLiteStoreUpgradesTablesWithoutTombstones(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobsync.db")
	ctx := context.Background()

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE goals (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT '',
			synced_at TEXT,
			synced INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL DEFAULT '{}'
		);
		INSERT INTO goals (id, created_at, updated_at, synced, data)
		VALUES ('g1', '2024-06-01T12:00:00.000000000Z', '2024-06-01T12:00:00.000000000Z', 1, '{"title":"Old"}');
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := store.NewSQLiteStore(dbPath, testTables, events.Discard())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "goals", "g1")
	require.NoError(t, err)
	assert.Equal(t, "Old", got.StringField("title"))
	assert.False(t, got.Deleted)

	got.MarkDeleted(baseTime.Add(time.Hour))
	require.NoError(t, s.Put(ctx, "goals", got))
	buried, err := s.Tombstones(ctx, "goals")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, ids(buried))
}

func TestSQLiteStoreRejectsBadTableName(t *testing.T) {
	_, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"), []string{"apps; DROP"}, events.Discard())
	assert.Error(t, err)
}

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func rec(id string, fields map[string]interface{}, updated time.Time) models.Record {
	r := models.NewRecord(id, fields, baseTime)
	r.UpdatedAt = updated
	return r
}

func testStoreOperations(t *testing.T, s store.Store) {
	ctx := context.Background()

	var (
		mu      sync.Mutex
		changes []string
	)
	unsubscribe := s.Subscribe(func(table string) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, table)
	})
	defer unsubscribe()

	takeChanges := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := changes
		changes = nil
		return out
	}

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, "applications", "nope")
		assert.ErrorIs(t, err, models.ErrRecordNotFound)
	})

	t.Run("unknown table", func(t *testing.T) {
		_, err := s.Count(ctx, "todos")
		assert.ErrorIs(t, err, models.ErrUnknownTable)
	})

	t.Run("add and get", func(t *testing.T) {
		r := rec("a1", map[string]interface{}{
			"company":     "Acme",
			"position":    "Engineer",
			"attachments": []interface{}{map[string]interface{}{"id": "f1", "name": "cv.pdf"}},
		}, baseTime)

		require.NoError(t, s.Add(ctx, "applications", r))
		assert.Equal(t, []string{"applications"}, takeChanges())

		got, err := s.Get(ctx, "applications", "a1")
		require.NoError(t, err)
		assert.Equal(t, r.Fields, got.Fields)
		assert.True(t, r.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, r.UpdatedAt.Equal(got.UpdatedAt))
		assert.False(t, got.Synced)
		assert.Nil(t, got.SyncedAt)
	})

	t.Run("add duplicate", func(t *testing.T) {
		err := s.Add(ctx, "applications", rec("a1", map[string]interface{}{}, baseTime))
		assert.ErrorIs(t, err, models.ErrDuplicateKey)
		assert.Empty(t, takeChanges())
	})

	t.Run("put keeps later updatedAt", func(t *testing.T) {
		older := rec("a1", map[string]interface{}{"company": "Acme Corp", "position": "Engineer"}, baseTime.Add(-time.Hour))
		older.MarkSynced(baseTime)
		require.NoError(t, s.Put(ctx, "applications", older))

		got, err := s.Get(ctx, "applications", "a1")
		require.NoError(t, err)
		assert.Equal(t, "Acme Corp", got.StringField("company"))
		assert.True(t, baseTime.Equal(got.UpdatedAt), "updatedAt must not move backwards")
		assert.True(t, got.Synced)
		require.NotNil(t, got.SyncedAt)
		assert.True(t, baseTime.Equal(*got.SyncedAt))

		newer := got.Clone()
		newer.Touch(baseTime.Add(time.Hour))
		require.NoError(t, s.Put(ctx, "applications", newer))

		got, err = s.Get(ctx, "applications", "a1")
		require.NoError(t, err)
		assert.True(t, baseTime.Add(time.Hour).Equal(got.UpdatedAt))
		assert.False(t, got.Synced)
		takeChanges()
	})

	t.Run("order by and where", func(t *testing.T) {
		require.NoError(t, s.BulkAdd(ctx, "goals", []models.Record{
			rec("g1", map[string]interface{}{"title": "b", "targetCount": float64(5), "completed": true}, baseTime.Add(1*time.Minute)),
			rec("g2", map[string]interface{}{"title": "a", "targetCount": float64(20), "completed": false}, baseTime.Add(3*time.Minute)),
			rec("g3", map[string]interface{}{"title": "c", "targetCount": float64(10), "completed": true}, baseTime.Add(2*time.Minute)),
		}))
		assert.Equal(t, []string{"goals"}, takeChanges())

		byUpdated, err := s.OrderBy(ctx, "goals", models.KeyUpdatedAt, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"g2", "g3", "g1"}, ids(byUpdated))

		byTarget, err := s.OrderBy(ctx, "goals", "targetCount", false)
		require.NoError(t, err)
		assert.Equal(t, []string{"g1", "g3", "g2"}, ids(byTarget))

		byTitle, err := s.OrderBy(ctx, "goals", "title", true)
		require.NoError(t, err)
		assert.Equal(t, []string{"g3", "g1", "g2"}, ids(byTitle))

		done, err := s.Where(ctx, "goals", "completed", true)
		require.NoError(t, err)
		assert.Equal(t, []string{"g1", "g3"}, ids(done))

		titled, err := s.Where(ctx, "goals", "title", "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"g2"}, ids(titled))

		unsynced, err := s.Where(ctx, "goals", models.KeySynced, false)
		require.NoError(t, err)
		assert.Len(t, unsynced, 3)

		_, err = s.OrderBy(ctx, "goals", "title') --", true)
		assert.Error(t, err)
	})

	t.Run("bulk add is atomic", func(t *testing.T) {
		err := s.BulkAdd(ctx, "goals", []models.Record{
			rec("g4", map[string]interface{}{"title": "d"}, baseTime),
			rec("g1", map[string]interface{}{"title": "dup"}, baseTime),
		})
		assert.ErrorIs(t, err, models.ErrDuplicateKey)

		_, err = s.Get(ctx, "goals", "g4")
		assert.ErrorIs(t, err, models.ErrRecordNotFound, "first insert rolled back")
		assert.Empty(t, takeChanges())
	})

	t.Run("transaction replaces table", func(t *testing.T) {
		err := s.Transaction(ctx, []string{"goals"}, func(tx store.Tx) error {
			if err := tx.Clear(ctx, "goals"); err != nil {
				return err
			}
			return tx.BulkAdd(ctx, "goals", []models.Record{
				rec("g9", map[string]interface{}{"title": "fresh"}, baseTime),
			})
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"goals"}, takeChanges())

		n, err := s.Count(ctx, "goals")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("failed transaction rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Transaction(ctx, []string{"goals", "applications"}, func(tx store.Tx) error {
			if err := tx.Clear(ctx, "goals"); err != nil {
				return err
			}
			if err := tx.Delete(ctx, "applications", "a1"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, takeChanges())

		n, _ := s.Count(ctx, "goals")
		assert.Equal(t, 1, n)
		_, err = s.Get(ctx, "applications", "a1")
		assert.NoError(t, err)
	})

	t.Run("transaction scope enforced", func(t *testing.T) {
		err := s.Transaction(ctx, []string{"goals"}, func(tx store.Tx) error {
			_, err := tx.Count(ctx, "applications")
			return err
		})
		assert.ErrorIs(t, err, models.ErrUnknownTable)
	})

	t.Run("delete and bulk delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "applications", "missing"))
		assert.Empty(t, takeChanges(), "deleting nothing is silent")

		require.NoError(t, s.BulkAdd(ctx, "backups", []models.Record{
			rec("b1", map[string]interface{}{"data": "[]"}, baseTime),
			rec("b2", map[string]interface{}{"data": "[]"}, baseTime),
		}))
		require.NoError(t, s.BulkDelete(ctx, "backups", []string{"b1", "b2"}))

		n, err := s.Count(ctx, "backups")
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, s.Delete(ctx, "applications", "a1"))
		_, err = s.Get(ctx, "applications", "a1")
		assert.ErrorIs(t, err, models.ErrRecordNotFound)
		takeChanges()
	})

	t.Run("tombstones are hidden from reads", func(t *testing.T) {
		before, err := s.Count(ctx, "goals")
		require.NoError(t, err)

		live := rec("t1", map[string]interface{}{"title": "Keep"}, baseTime)
		gone := rec("t2", map[string]interface{}{"title": "Gone"}, baseTime)
		gone.MarkSynced(baseTime)
		require.NoError(t, s.BulkAdd(ctx, "goals", []models.Record{live, gone}))

		gone.MarkDeleted(baseTime.Add(time.Minute))
		require.NoError(t, s.Put(ctx, "goals", gone))

		_, err = s.Get(ctx, "goals", "t2")
		assert.ErrorIs(t, err, models.ErrRecordNotFound)

		n, err := s.Count(ctx, "goals")
		require.NoError(t, err)
		assert.Equal(t, before+1, n)

		listed, err := s.OrderBy(ctx, "goals", models.KeyID, false)
		require.NoError(t, err)
		assert.NotContains(t, ids(listed), "t2")

		pending, err := s.Where(ctx, "goals", models.KeySynced, false)
		require.NoError(t, err)
		assert.NotContains(t, ids(pending), "t2")

		buried, err := s.Tombstones(ctx, "goals")
		require.NoError(t, err)
		require.Len(t, buried, 1)
		assert.Equal(t, "t2", buried[0].ID)
		assert.True(t, buried[0].Deleted)
		assert.False(t, buried[0].Synced)
		assert.Equal(t, "Gone", buried[0].StringField("title"))

		// Adding over a tombstone revives the id; over a live record it fails.
		require.NoError(t, s.Add(ctx, "goals", rec("t2", map[string]interface{}{"title": "Back"}, baseTime)))
		got, err := s.Get(ctx, "goals", "t2")
		require.NoError(t, err)
		assert.Equal(t, "Back", got.StringField("title"))
		assert.ErrorIs(t, s.Add(ctx, "goals", rec("t1", nil, baseTime)), models.ErrDuplicateKey)

		buried, err = s.Tombstones(ctx, "goals")
		require.NoError(t, err)
		assert.Empty(t, buried)

		require.NoError(t, s.BulkDelete(ctx, "goals", []string{"t1", "t2"}))
		takeChanges()
	})

	t.Run("unsubscribe", func(t *testing.T) {
		unsubscribe()
		require.NoError(t, s.Clear(ctx, "goals"))
		assert.Empty(t, takeChanges())
	})

	t.Run("closed store", func(t *testing.T) {
		require.NoError(t, s.Close())

		_, err := s.Get(ctx, "goals", "g9")
		assert.ErrorIs(t, err, models.ErrStoreUnavailable)
		assert.ErrorIs(t, s.Put(ctx, "goals", rec("g1", nil, baseTime)), models.ErrStoreUnavailable)
		assert.ErrorIs(t, s.Transaction(ctx, []string{"goals"}, func(store.Tx) error { return nil }), models.ErrStoreUnavailable)
	})
}

func ids(recs []models.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
