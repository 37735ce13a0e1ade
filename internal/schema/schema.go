// Package schema describes the synced tables and maps records between the
// local shape (camelCase business fields plus sync metadata) and the remote
// relational shape (snake_case columns scoped by user_id).
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/TheMichaelB/jobsync/internal/models"
)

// Remote system columns present on every synced table.
const (
	ColumnID        = "id"
	ColumnUserID    = "user_id"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
	ColumnSyncedAt  = "synced_at"
)

// Kind controls coercion, defaults, conflict comparison and merge behavior of a field.
type Kind int

const (
	KindString Kind = iota
	KindText        // free text; merged by concatenation
	KindNumber
	KindBool
	KindTime // compared with a tolerance; merged by taking the later
	KindList // list of objects with an "id"; merged by union
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindTime:
		return "timestamp"
	case KindList:
		return "list"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Field maps one business field to its remote column.
type Field struct {
	Name     string
	Column   string
	Kind     Kind
	Default  interface{}
	Tracked  bool
	Required bool
}

// Table is a sync table descriptor.
type Table struct {
	Name     string
	OrderKey string
	PageSize int
	Fields   []Field
}

// Field looks up a business field by local name.
func (t Table) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// TrackedFields returns the fields compared during conflict detection.
func (t Table) TrackedFields() []Field {
	out := make([]Field, 0, len(t.Fields))
	for _, f := range t.Fields {
		if f.Tracked {
			out = append(out, f)
		}
	}
	return out
}

// Column translates a local key, system or business, to its remote column.
func (t Table) Column(key string) (string, bool) {
	switch key {
	case models.KeyID:
		return ColumnID, true
	case models.KeyCreatedAt:
		return ColumnCreatedAt, true
	case models.KeyUpdatedAt:
		return ColumnUpdatedAt, true
	case models.KeySyncedAt:
		return ColumnSyncedAt, true
	}
	if f, ok := t.Field(key); ok {
		return f.Column, true
	}
	return "", false
}

// OrderColumn is the remote column pulls are sorted by, descending.
func (t Table) OrderColumn() string {
	if col, ok := t.Column(t.OrderKey); ok {
		return col
	}
	return ColumnUpdatedAt
}

// Value returns a business field, or the field default when absent or null.
func (t Table) Value(rec models.Record, f Field) interface{} {
	if v, ok := rec.Fields[f.Name]; ok && v != nil {
		return v
	}
	return models.CloneValue(f.Default)
}

// ToRemote builds the remote row for rec, stamped with the owning user and sync time.
// Fields not described by the table are not sent.
func (t Table) ToRemote(rec models.Record, userID int64, syncedAt time.Time) map[string]interface{} {
	row := make(map[string]interface{}, len(t.Fields)+5)
	row[ColumnID] = rec.ID
	row[ColumnUserID] = userID
	row[ColumnCreatedAt] = timeOrNil(rec.CreatedAt)
	row[ColumnUpdatedAt] = timeOrNil(rec.UpdatedAt)
	row[ColumnSyncedAt] = timeOrNil(syncedAt)

	for _, f := range t.Fields {
		v, ok := coerce(f.Kind, rec.Fields[f.Name])
		if !ok {
			v = models.CloneValue(f.Default)
		}
		row[f.Column] = v
	}
	return row
}

// FromRemote builds a local record from a remote row. It never fails: missing, null
// or mistyped columns take the field default.
func (t Table) FromRemote(row map[string]interface{}) models.Record {
	rec := models.Record{
		ID:     models.IDString(row[ColumnID]),
		Fields: make(map[string]interface{}, len(t.Fields)),
		Synced: true,
	}
	rec.CreatedAt, _ = models.ParseTime(row[ColumnCreatedAt])
	rec.UpdatedAt, _ = models.ParseTime(row[ColumnUpdatedAt])
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if ts, ok := models.ParseTime(row[ColumnSyncedAt]); ok {
		rec.SyncedAt = &ts
	}

	for _, f := range t.Fields {
		v, ok := coerce(f.Kind, row[f.Column])
		if !ok {
			v = models.CloneValue(f.Default)
		}
		if v == nil {
			continue
		}
		if f.Kind == KindTime {
			if ts, ok := models.ParseTime(v); ok {
				v = models.FormatTime(ts)
			}
		}
		rec.Fields[f.Name] = v
	}
	return rec
}

// Normalize coerces every described field to its canonical local representation,
// filling defaults. Undescribed fields are kept as they are.
func (t Table) Normalize(rec models.Record) models.Record {
	out := rec.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]interface{})
	}
	for _, f := range t.Fields {
		v, ok := coerce(f.Kind, out.Fields[f.Name])
		if !ok {
			v = models.CloneValue(f.Default)
		}
		if v == nil {
			delete(out.Fields, f.Name)
			continue
		}
		if f.Kind == KindTime {
			if ts, ok := models.ParseTime(v); ok {
				v = models.FormatTime(ts)
			}
		}
		out.Fields[f.Name] = v
	}
	return out
}

// Validate lists required-field and type problems of rec.
func (t Table) Validate(rec models.Record) []string {
	var problems []string
	for _, f := range t.Fields {
		raw, present := rec.Fields[f.Name]
		if f.Required {
			s, _ := raw.(string)
			if strings.TrimSpace(s) == "" {
				problems = append(problems, fmt.Sprintf("%s is required", f.Name))
				continue
			}
		}
		if !present || raw == nil {
			continue
		}
		if _, ok := coerce(f.Kind, raw); !ok {
			problems = append(problems, fmt.Sprintf("%s: expected %s", f.Name, f.Kind))
		}
	}
	return problems
}

func timeOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// coerce converts v to the canonical representation for kind. ok is false for
// nil or values that cannot represent the kind.
func coerce(kind Kind, v interface{}) (interface{}, bool) {
	if v == nil {
		return nil, false
	}

	switch kind {
	case KindString, KindText:
		switch s := v.(type) {
		case string:
			return s, true
		case float64, int, int64, bool:
			return fmt.Sprintf("%v", s), true
		}
		return nil, false

	case KindNumber:
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int32:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			f, err := n.Float64()
			return f, err == nil
		}
		return nil, false

	case KindBool:
		b, ok := v.(bool)
		return b, ok

	case KindTime:
		ts, ok := models.ParseTime(v)
		if !ok {
			return nil, false
		}
		return ts.Format(time.RFC3339Nano), true

	case KindList:
		switch l := v.(type) {
		case []interface{}:
			return models.CloneValue(l), true
		case []map[string]interface{}:
			return models.CloneValue(l), true
		case string:
			// Some remotes store lists in text columns.
			var out []interface{}
			if err := json.Unmarshal([]byte(l), &out); err != nil {
				return nil, false
			}
			return out, true
		}
		return nil, false

	case KindJSON:
		return models.CloneValue(v), true
	}

	return nil, false
}
