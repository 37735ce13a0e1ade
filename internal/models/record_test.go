package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/jobsync/internal/models"
)

func TestRecordJSONFlatForm(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := models.NewRecord("a1", map[string]interface{}{
		"company":  "Acme",
		"position": "Engineer",
	}, created)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "a1", flat["id"])
	assert.Equal(t, "Acme", flat["company"])
	assert.Equal(t, "2024-03-01T09:00:00.000000000Z", flat["createdAt"])
	assert.NotContains(t, flat, "syncedAt")

	var back models.Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec.ID, back.ID)
	assert.Equal(t, rec.Fields, back.Fields)
	assert.True(t, rec.CreatedAt.Equal(back.CreatedAt))
}

func TestRecordUnmarshalLenient(t *testing.T) {
	var rec models.Record
	err := json.Unmarshal([]byte(`{"id": 42, "createdAt": "not a date", "company": "Acme"}`), &rec)
	require.NoError(t, err)

	assert.Equal(t, "42", rec.ID)
	assert.True(t, rec.CreatedAt.IsZero())
	assert.Equal(t, "Acme", rec.StringField("company"))

	assert.Error(t, json.Unmarshal([]byte(`null`), &rec))
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &rec))
}

func TestRecordTouchIsMonotonic(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := models.NewRecord("a1", nil, t0)
	rec.MarkSynced(t0)

	rec.Touch(t0.Add(-time.Hour))
	assert.True(t, rec.UpdatedAt.Equal(t0), "never moves backwards")
	assert.False(t, rec.Synced)

	rec.Touch(t0.Add(time.Minute))
	assert.True(t, rec.UpdatedAt.Equal(t0.Add(time.Minute)))
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := models.NewRecord("a1", map[string]interface{}{
		"attachments": []interface{}{
			map[string]interface{}{"id": "f1", "name": "cv.pdf"},
		},
	}, time.Now())

	clone := rec.Clone()
	clone.Fields["attachments"].([]interface{})[0].(map[string]interface{})["name"] = "changed"

	orig := rec.Fields["attachments"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "cv.pdf", orig["name"])
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	tests := []struct {
		name  string
		input interface{}
		ok    bool
	}{
		{"rfc3339", "2024-05-06T07:08:09Z", true},
		{"offset", "2024-05-06T09:08:09+02:00", true},
		{"postgres text", "2024-05-06 07:08:09+00", true},
		{"epoch millis", float64(want.UnixMilli()), true},
		{"time value", want, true},
		{"empty", "", false},
		{"garbage", "yesterday", false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := models.ParseTime(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, want.Equal(got), "got %s", got)
			}
		})
	}
}

func TestApplicationRecordConversion(t *testing.T) {
	app := models.Application{
		ID:          "a1",
		Company:     "Acme",
		Position:    "Engineer",
		Status:      models.StatusInterview,
		Notes:       "Phone screen went well",
		DateApplied: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
		Attachments: []models.Attachment{{ID: "f1", Name: "cv.pdf", URL: "https://files/cv.pdf"}},
		CreatedAt:   time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 2, 11, 8, 0, 0, 0, time.UTC),
	}

	rec := app.ToRecord()
	assert.Equal(t, "Acme", rec.StringField("company"))

	back := models.ApplicationFromRecord(rec)
	assert.Equal(t, app, back)
}

func TestApplicationValidate(t *testing.T) {
	assert.NoError(t, models.Application{Company: "Acme", Position: "Dev"}.Validate())

	err := models.Application{Company: "  "}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "company is required")
	assert.Contains(t, err.Error(), "position is required")
}

func TestParseStrategy(t *testing.T) {
	s, err := models.ParseStrategy("remote-wins")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyRemoteWins, s)

	_, err = models.ParseStrategy("newest")
	assert.Error(t, err)
}

func TestTokenInfoExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, (&models.TokenInfo{}).IsExpiredAt(now))
	assert.True(t, (&models.TokenInfo{ExpiresAt: now.Add(-time.Second)}).IsExpiredAt(now))
	assert.False(t, (&models.TokenInfo{ExpiresAt: now.Add(time.Hour)}).IsExpiredAt(now))
}
