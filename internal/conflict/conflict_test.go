package conflict_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/jobsync/internal/conflict"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/schema"
)

var (
	base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	now  = time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
)

func app(id string, updated time.Time, fields map[string]interface{}) models.Record {
	f := map[string]interface{}{
		"company":  "Acme",
		"position": "Engineer",
		"status":   models.StatusApplied,
	}
	for k, v := range fields {
		f[k] = v
	}
	rec := models.NewRecord(id, f, base)
	rec.UpdatedAt = updated
	return rec
}

func newDetector() *conflict.Detector {
	return conflict.NewDetector(conflict.WithClock(func() time.Time { return now }))
}

func newResolver() *conflict.Resolver {
	return conflict.NewResolver(conflict.WithClock(func() time.Time { return now }))
}

func TestDetectIsDeterministic(t *testing.T) {
	table := schema.ApplicationsTable()
	local := []models.Record{
		app("c", base, map[string]interface{}{"status": "offer"}),
		app("a", base, map[string]interface{}{"status": "offer"}),
		app("b", base, nil),
		app("only-local", base, nil),
	}
	remote := []models.Record{
		app("b", base, nil),
		app("a", base, nil),
		app("c", base, nil),
		app("only-remote", base, map[string]interface{}{"status": "offer"}),
	}

	first := newDetector().Detect(local, remote, table)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].ID)
	assert.Equal(t, "c", first[1].ID)
	assert.Equal(t, []string{"status"}, first[0].ConflictingFields)
	assert.Equal(t, conflict.TypeUpdate, first[0].Type)
	assert.Equal(t, now, first[0].DetectedAt)

	reversed := func(in []models.Record) []models.Record {
		out := make([]models.Record, len(in))
		for i := range in {
			out[len(in)-1-i] = in[i]
		}
		return out
	}
	second := newDetector().Detect(reversed(local), reversed(remote), table)
	assert.Equal(t, first, second)
}

func TestDetectTimeTolerance(t *testing.T) {
	table := schema.ApplicationsTable()
	applied := base.Add(-24 * time.Hour)

	tests := []struct {
		name     string
		offset   time.Duration
		conflict bool
	}{
		{"equal", 0, false},
		{"sub-second", 999 * time.Millisecond, false},
		{"exactly one second", time.Second, false},
		{"just over one second", time.Second + time.Millisecond, true},
		{"negative offset", -2 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := app("a1", base, map[string]interface{}{"dateApplied": applied.Format(time.RFC3339Nano)})
			remote := app("a1", base, map[string]interface{}{"dateApplied": applied.Add(tt.offset).Format(time.RFC3339Nano)})

			got := newDetector().Detect([]models.Record{local}, []models.Record{remote}, table)
			if tt.conflict {
				require.Len(t, got, 1)
				assert.Equal(t, []string{"dateApplied"}, got[0].ConflictingFields)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestDetectIgnoresUntrackedAndSystemFields(t *testing.T) {
	table := schema.ApplicationsTable()
	local := app("a1", base, map[string]interface{}{"scratch": "x"})
	remote := app("a1", base.Add(time.Hour), map[string]interface{}{"scratch": "y"})

	assert.Empty(t, newDetector().Detect([]models.Record{local}, []models.Record{remote}, table))
}

func TestDetectTreatsMissingAsDefault(t *testing.T) {
	table := schema.ApplicationsTable()
	local := app("a1", base, map[string]interface{}{"notes": "", "attachments": []interface{}{}})
	remote := app("a1", base, nil)

	assert.Empty(t, newDetector().Detect([]models.Record{local}, []models.Record{remote}, table))
}

func TestLocalWinsIsIdempotent(t *testing.T) {
	table := schema.ApplicationsTable()
	local := app("a1", base, map[string]interface{}{"status": "interview", "notes": "called back", "location": "Remote"})
	remote := app("a1", base.Add(time.Hour), map[string]interface{}{"status": "rejected", "notes": "", "location": "Remote", "salary": "90k"})

	conflicts := newDetector().Detect([]models.Record{local}, []models.Record{remote}, table)
	require.Len(t, conflicts, 1)

	sum := newResolver().Resolve(conflicts, models.StrategyLocalWins, table)
	require.Equal(t, 1, sum.ConflictsResolved)
	resolved := sum.Resolved[0].Resolution.Record

	assert.Equal(t, "interview", resolved.Fields["status"])
	assert.Equal(t, "called back", resolved.Fields["notes"])
	assert.Equal(t, "Remote", resolved.Fields["location"])
	_, hasSalary := resolved.Fields["salary"]
	assert.False(t, hasSalary, "local had no salary and won that field")

	// The result agrees with local on every field local won.
	for _, f := range conflicts[0].ConflictingFields {
		assert.Equal(t, local.Fields[f], resolved.Fields[f])
	}

	// Resolving again against the same remote yields the same business fields.
	again := newDetector().Detect([]models.Record{resolved}, []models.Record{remote}, table)
	require.Len(t, again, 1)
	sum2 := newResolver().Resolve(again, models.StrategyLocalWins, table)
	require.Len(t, sum2.Resolved, 1)
	assert.Equal(t, resolved.Fields, sum2.Resolved[0].Resolution.Record.Fields)
}

func TestRemoteWins(t *testing.T) {
	table := schema.ApplicationsTable()
	local := app("a1", base.Add(time.Hour), map[string]interface{}{"status": "interview", "salary": "100k"})
	remote := app("a1", base, map[string]interface{}{"status": "offer"})

	conflicts := newDetector().Detect([]models.Record{local}, []models.Record{remote}, table)
	sum := newResolver().Resolve(conflicts, models.StrategyRemoteWins, table)
	require.Len(t, sum.Resolved, 1)

	rec := sum.Resolved[0].Resolution.Record
	assert.Equal(t, "offer", rec.Fields["status"])
	_, hasSalary := rec.Fields["salary"]
	assert.False(t, hasSalary, "remote lacks salary, so it is removed")
}

func TestResolutionStamps(t *testing.T) {
	table := schema.ApplicationsTable()
	local := app("a1", base, map[string]interface{}{"status": "interview"})
	remote := app("a1", base, map[string]interface{}{"status": "offer"})
	remote.CreatedAt = base.Add(-time.Hour)

	conflicts := newDetector().Detect([]models.Record{local}, []models.Record{remote}, table)
	sum := newResolver().Resolve(conflicts, models.StrategyMerge, table)
	require.Len(t, sum.Resolved, 1)

	res := sum.Resolved[0].Resolution
	assert.Equal(t, models.StrategyMerge, res.Strategy)
	assert.Equal(t, now, res.ResolvedAt)
	assert.Equal(t, now, res.Record.UpdatedAt)
	require.NotNil(t, res.Record.SyncedAt)
	assert.Equal(t, now, *res.Record.SyncedAt)
	assert.True(t, res.Record.Synced)
	assert.Equal(t, base.Add(-time.Hour), res.Record.CreatedAt)
}

func TestResolutionNeverMovesUpdatedAtBackwards(t *testing.T) {
	table := schema.ApplicationsTable()
	future := now.Add(time.Hour)
	local := app("a1", future, map[string]interface{}{"status": "interview"})
	remote := app("a1", base, map[string]interface{}{"status": "offer"})

	conflicts := newDetector().Detect([]models.Record{local}, []models.Record{remote}, table)
	sum := newResolver().Resolve(conflicts, models.StrategyRemoteWins, table)
	require.Len(t, sum.Resolved, 1)
	assert.Equal(t, future, sum.Resolved[0].Resolution.Record.UpdatedAt)
}

func TestMerge(t *testing.T) {
	table := schema.ApplicationsTable()
	local := app("a1", base, map[string]interface{}{
		"status":      "interview",
		"notes":       "Recruiter call went well",
		"dateApplied": "2024-04-01T09:00:00Z",
		"attachments": []interface{}{
			map[string]interface{}{"id": "cv", "name": "cv.pdf"},
			map[string]interface{}{"id": "cl", "name": "letter.pdf"},
		},
	})
	remote := app("a1", base.Add(time.Minute), map[string]interface{}{
		"status":      "offer",
		"notes":       "Offer expected Friday",
		"dateApplied": "2024-04-02T09:00:00Z",
		"attachments": []interface{}{
			map[string]interface{}{"id": "cl", "name": "letter-v2.pdf"},
			map[string]interface{}{"id": "offer", "name": "offer.pdf"},
		},
	})

	conflicts := newDetector().Detect([]models.Record{local}, []models.Record{remote}, table)
	require.Len(t, conflicts, 1)
	assert.ElementsMatch(t, []string{"status", "notes", "dateApplied", "attachments"}, conflicts[0].ConflictingFields)

	sum := newResolver().Resolve(conflicts, models.StrategyMerge, table)
	require.Len(t, sum.Resolved, 1)
	rec := sum.Resolved[0].Resolution.Record

	assert.Equal(t, "Recruiter call went well"+conflict.NoteSeparator+"Offer expected Friday", rec.Fields["notes"])
	assert.Equal(t, "2024-04-02T09:00:00Z", rec.Fields["dateApplied"], "later timestamp wins")
	assert.Equal(t, "offer", rec.Fields["status"], "remote record is newer")

	// Union by id: local elements first, then remote-only elements.
	attachments := rec.Fields["attachments"].([]interface{})
	require.Len(t, attachments, 3)
	assert.Equal(t, "cv", attachments[0].(map[string]interface{})["id"])
	assert.Equal(t, "letter.pdf", attachments[1].(map[string]interface{})["name"])
	assert.Equal(t, "offer", attachments[2].(map[string]interface{})["id"])
}

func TestMergeTieKeepsLocal(t *testing.T) {
	table := schema.ApplicationsTable()
	local := app("a1", base, map[string]interface{}{"status": "interview"})
	remote := app("a1", base, map[string]interface{}{"status": "offer"})

	conflicts := newDetector().Detect([]models.Record{local}, []models.Record{remote}, table)
	sum := newResolver().Resolve(conflicts, models.StrategyMerge, table)
	require.Len(t, sum.Resolved, 1)
	assert.Equal(t, "interview", sum.Resolved[0].Resolution.Record.Fields["status"])
}

func TestMergeTextIsIdempotent(t *testing.T) {
	merged := conflict.MergeText("first", "second")
	assert.Equal(t, merged, conflict.MergeText(merged, "second"))
	assert.Equal(t, merged, conflict.MergeText(merged, "first"))
	assert.Equal(t, "longer text", conflict.MergeText("text", "longer text"))
	assert.Equal(t, "same", conflict.MergeText("same", ""))

	// Canonically equivalent forms are the same text.
	assert.Equal(t, "caf\u00e9", conflict.MergeText("cafe\u0301", "caf\u00e9"))
}

func TestUnionByIDLaw(t *testing.T) {
	a := []interface{}{
		map[string]interface{}{"id": "1"},
		map[string]interface{}{"id": "2"},
		"untagged",
	}
	b := []interface{}{
		map[string]interface{}{"id": "2", "name": "changed"},
		map[string]interface{}{"id": "3"},
		"untagged",
	}

	u := conflict.UnionByID(a, b)
	require.Len(t, u, 4)

	ids := func(list []interface{}) map[string]bool {
		out := map[string]bool{}
		for _, v := range list {
			if m, ok := v.(map[string]interface{}); ok {
				out[m["id"].(string)] = true
			}
		}
		return out
	}
	union := ids(a)
	for id := range ids(b) {
		union[id] = true
	}
	assert.Equal(t, union, ids(u))

	// Union with itself is a no-op and union is idempotent.
	assert.Equal(t, u, conflict.UnionByID(u, u))
	assert.Equal(t, u, conflict.UnionByID(u, b))
	assert.Equal(t, a[:3], u[:3], "local order first")
}

func TestManualNeverResolves(t *testing.T) {
	table := schema.ApplicationsTable()
	local := app("a1", base, map[string]interface{}{"status": "interview"})
	remote := app("a1", base, map[string]interface{}{"status": "offer"})
	conflicts := newDetector().Detect([]models.Record{local}, []models.Record{remote}, table)

	sum := newResolver().Resolve(conflicts, models.StrategyManual, table)
	assert.Equal(t, 0, sum.ConflictsResolved)
	assert.Equal(t, 1, sum.ConflictsRemaining)
	assert.False(t, sum.Remaining[0].Resolved())

	_, err := newResolver().ResolveOne(conflicts[0], models.StrategyManual, table)
	assert.ErrorIs(t, err, models.ErrManualResolution)
}

func TestResolveIsPerConflict(t *testing.T) {
	table := schema.ApplicationsTable()
	good := models.Conflict{
		ID:                "a1",
		Local:             app("a1", base, map[string]interface{}{"status": "interview"}),
		Remote:            app("a1", base, map[string]interface{}{"status": "offer"}),
		ConflictingFields: []string{"status"},
	}
	bad := models.Conflict{
		ID:                "a2",
		Local:             app("a2", base, nil),
		Remote:            app("other", base, nil),
		ConflictingFields: []string{"status"},
	}

	sum := newResolver().Resolve([]models.Conflict{bad, good}, models.StrategyLocalWins, table)
	assert.Equal(t, 1, sum.ConflictsResolved)
	assert.Equal(t, 1, sum.ConflictsRemaining)
	assert.Equal(t, "a1", sum.Resolved[0].ID)
	assert.Equal(t, "a2", sum.Remaining[0].ID)
}

func TestConflictingFieldsComparesNormalizedText(t *testing.T) {
	table := schema.ApplicationsTable()
	a := app("a1", base, map[string]interface{}{"notes": "cafe\u0301", "status": models.StatusApplied})
	b := app("a1", base, map[string]interface{}{"notes": "caf\u00e9", "status": models.StatusInterview})

	assert.Equal(t, []string{"status"}, conflict.ConflictingFields(a, b, table),
		"composed and decomposed forms of the same text are equal")
}
