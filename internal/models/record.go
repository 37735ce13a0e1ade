package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// System keys that live beside the business fields in the flat JSON form of a record.
const (
	KeyID        = "id"
	KeyCreatedAt = "createdAt"
	KeyUpdatedAt = "updatedAt"
	KeySyncedAt  = "syncedAt"
	KeySynced    = "synced"
	KeyDeleted   = "deleted"
)

// Record is one row of a synced table: an id, business fields and sync metadata.
type Record struct {
	ID        string
	Fields    map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
	SyncedAt  *time.Time
	Synced    bool

	// Deleted marks a tombstone: the record was deleted locally and the
	// remote delete is not confirmed yet. Stores hide tombstones from reads.
	Deleted bool
}

// NewRecord creates an unsynced record stamped at now.
func NewRecord(id string, fields map[string]interface{}, now time.Time) Record {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	now = now.UTC()
	return Record{
		ID:        id,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Get returns a business field.
func (r Record) Get(key string) (interface{}, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// StringField returns a business field as a string, or "" when absent or not a string.
func (r Record) StringField(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Set assigns a business field.
func (r *Record) Set(key string, value interface{}) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{})
	}
	r.Fields[key] = value
}

// Touch bumps UpdatedAt to now without ever moving it backwards and marks the record dirty.
func (r *Record) Touch(now time.Time) {
	now = now.UTC()
	if now.After(r.UpdatedAt) {
		r.UpdatedAt = now
	}
	r.Synced = false
}

// MarkDeleted turns the record into a pending tombstone.
func (r *Record) MarkDeleted(now time.Time) {
	r.Deleted = true
	r.Touch(now)
}

// MarkSynced records a successful exchange with the remote store.
func (r *Record) MarkSynced(now time.Time) {
	now = now.UTC()
	r.SyncedAt = &now
	r.Synced = true
}

// Clone returns a deep copy; nested maps and slices are not shared.
func (r Record) Clone() Record {
	out := r
	out.Fields = CloneFields(r.Fields)
	if r.SyncedAt != nil {
		t := *r.SyncedAt
		out.SyncedAt = &t
	}
	return out
}

// CloneFields deep-copies a field map.
func CloneFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies JSON-shaped values.
func CloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CloneFields(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = CloneValue(val[i])
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = CloneFields(val[i])
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = val[i]
		}
		return out
	default:
		return val
	}
}

// MarshalJSON writes the flat form: system keys next to business fields.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(r.Fields)+5)
	for k, v := range r.Fields {
		flat[k] = v
	}
	flat[KeyID] = r.ID
	flat[KeyCreatedAt] = FormatTime(r.CreatedAt)
	flat[KeyUpdatedAt] = FormatTime(r.UpdatedAt)
	if r.SyncedAt != nil {
		flat[KeySyncedAt] = FormatTime(*r.SyncedAt)
	}
	flat[KeySynced] = r.Synced
	if r.Deleted {
		flat[KeyDeleted] = true
	}
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flat form. Unparseable timestamps become zero rather than failing.
func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&flat); err != nil {
		return err
	}
	if flat == nil {
		return fmt.Errorf("record must be a JSON object")
	}

	*r = Record{Fields: make(map[string]interface{}, len(flat))}
	for k, v := range flat {
		switch k {
		case KeyID:
			r.ID = IDString(v)
		case KeyCreatedAt:
			r.CreatedAt, _ = ParseTime(v)
		case KeyUpdatedAt:
			r.UpdatedAt, _ = ParseTime(v)
		case KeySyncedAt:
			if t, ok := ParseTime(v); ok {
				r.SyncedAt = &t
			}
		case KeySynced:
			r.Synced, _ = v.(bool)
		case KeyDeleted:
			r.Deleted, _ = v.(bool)
		default:
			r.Fields[k] = v
		}
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	return nil
}

// IDString renders an id that may arrive as a JSON string or number.
func IDString(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprintf("%v", id)
	}
}

// TimeLayout is the fixed-width UTC layout used for stored timestamps so they sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout, or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts RFC 3339, Postgres text timestamps, dates, time.Time and epoch milliseconds.
func ParseTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		if val.IsZero() {
			return time.Time{}, false
		}
		return val.UTC(), true
	case *time.Time:
		if val == nil {
			return time.Time{}, false
		}
		return ParseTime(*val)
	case string:
		if val == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	case float64:
		if val <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(val)).UTC(), true
	case int64:
		if val <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(val).UTC(), true
	default:
		return time.Time{}, false
	}
}
