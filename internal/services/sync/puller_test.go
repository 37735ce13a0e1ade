package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/schema"
	"github.com/TheMichaelB/jobsync/internal/store"
)

func TestLocalFirstPullerKeepsPendingEdits(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore([]string{schema.Applications})
	remote := newFakeRemote()

	remote.seed(schema.Applications,
		syncedRecord("edited", application("Acme", "Engineer"), t0, t0),
		syncedRecord("stale", application("Globex", "Designer"), t0, t0.Add(time.Hour)),
		syncedRecord("untouched", application("Initech", "Analyst"), t0, t0),
	)

	edited := models.NewRecord("edited", application("Acme", "Staff Engineer"), t0)
	edited.UpdatedAt = t0.Add(time.Minute)
	stale := models.NewRecord("stale", application("Globex", "Intern"), t0)
	require.NoError(t, st.Add(ctx, schema.Applications, edited))
	require.NoError(t, st.Add(ctx, schema.Applications, stale))
	require.NoError(t, st.Add(ctx, schema.Applications, models.NewRecord("new", application("Hooli", "Manager"), t0)))
	require.NoError(t, st.Add(ctx, schema.Applications, syncedRecord("untouched", application("Initech", "Old"), t0, t0)))

	page, err := NewLocalFirstPuller(st, remote).Pull(ctx, schema.Applications)
	require.NoError(t, err)
	require.Len(t, page, 4)

	byID := make(map[string]models.Record)
	for _, rec := range page {
		byID[rec.ID] = rec
	}
	assert.Equal(t, "Staff Engineer", byID["edited"].StringField("position"), "newer pending edit wins")
	assert.Equal(t, "Designer", byID["stale"].StringField("position"), "older pending edit loses to the remote copy")
	assert.Equal(t, "Analyst", byID["untouched"].StringField("position"), "synced records come from the remote page")
	assert.Equal(t, "Manager", byID["new"].StringField("position"), "local-only pending records are kept")
	assert.Equal(t, "new", page[3].ID)
}

func TestLocalFirstPullerEmptyPage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore([]string{schema.Applications})
	require.NoError(t, st.Add(ctx, schema.Applications, models.NewRecord("a", application("Acme", "Engineer"), t0)))

	page, err := NewLocalFirstPuller(st, newFakeRemote()).Pull(ctx, schema.Applications)
	require.NoError(t, err)
	assert.Empty(t, page, "an empty page leaves the local table alone")
}

func TestLocalFirstPullerCarriesTombstones(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore([]string{schema.Applications})
	remote := newFakeRemote()

	remote.seed(schema.Applications,
		syncedRecord("kept", application("Acme", "Engineer"), t0, t0),
		syncedRecord("gone", application("Globex", "Designer"), t0, t0),
	)

	gone := syncedRecord("gone", application("Globex", "Designer"), t0, t0)
	gone.MarkDeleted(t0.Add(time.Minute))
	require.NoError(t, st.Put(ctx, schema.Applications, gone))

	page, err := NewLocalFirstPuller(st, remote).Pull(ctx, schema.Applications)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "kept", page[0].ID)
	assert.Equal(t, "gone", page[1].ID)
	assert.True(t, page[1].Deleted, "the remote copy of a deleted record is replaced by its tombstone")
}
