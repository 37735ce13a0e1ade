package schema

import (
	"fmt"
	"sort"

	"github.com/TheMichaelB/jobsync/internal/models"
)

// Table names.
const (
	Applications = "applications"
	Goals        = "goals"
	Backups      = "backups"
	Metrics      = "metrics"
	Sessions     = "sessions"
	Events       = "events"
)

// ApplicationsTable describes job applications.
func ApplicationsTable() Table {
	return Table{
		Name:     Applications,
		OrderKey: models.KeyUpdatedAt,
		PageSize: 100,
		Fields: []Field{
			{Name: "company", Column: "company", Kind: KindString, Default: "", Tracked: true, Required: true},
			{Name: "position", Column: "position", Kind: KindString, Default: "", Tracked: true, Required: true},
			{Name: "status", Column: "status", Kind: KindString, Default: models.StatusApplied, Tracked: true},
			{Name: "location", Column: "location", Kind: KindString, Default: "", Tracked: true},
			{Name: "salary", Column: "salary", Kind: KindString, Default: "", Tracked: true},
			{Name: "url", Column: "job_url", Kind: KindString, Default: "", Tracked: true},
			{Name: "notes", Column: "notes", Kind: KindText, Default: "", Tracked: true},
			{Name: "dateApplied", Column: "date_applied", Kind: KindTime, Tracked: true},
			{Name: "attachments", Column: "attachments", Kind: KindList, Default: []interface{}{}, Tracked: true},
		},
	}
}

// GoalsTable describes job-search goals.
func GoalsTable() Table {
	return Table{
		Name:     Goals,
		OrderKey: models.KeyCreatedAt,
		PageSize: 50,
		Fields: []Field{
			{Name: "title", Column: "title", Kind: KindString, Default: "", Tracked: true, Required: true},
			{Name: "description", Column: "description", Kind: KindText, Default: "", Tracked: true},
			{Name: "targetCount", Column: "target_count", Kind: KindNumber, Default: float64(0), Tracked: true},
			{Name: "currentCount", Column: "current_count", Kind: KindNumber, Default: float64(0), Tracked: true},
			{Name: "deadline", Column: "deadline", Kind: KindTime, Tracked: true},
			{Name: "completed", Column: "completed", Kind: KindBool, Default: false, Tracked: true},
		},
	}
}

// BackupsTable describes local backup rows used as a recovery source.
func BackupsTable() Table {
	return Table{
		Name:     Backups,
		OrderKey: "timestamp",
		PageSize: 50,
		Fields: []Field{
			{Name: "timestamp", Column: "timestamp", Kind: KindTime, Tracked: true},
			{Name: "label", Column: "label", Kind: KindString, Default: ""},
			{Name: "data", Column: "data", Kind: KindText, Default: ""},
		},
	}
}

// MetricsTable describes daily activity counters.
func MetricsTable() Table {
	return Table{
		Name:     Metrics,
		OrderKey: "date",
		PageSize: 100,
		Fields: []Field{
			{Name: "date", Column: "date", Kind: KindTime, Tracked: true},
			{Name: "applicationsSent", Column: "applications_sent", Kind: KindNumber, Default: float64(0), Tracked: true},
			{Name: "responses", Column: "responses", Kind: KindNumber, Default: float64(0), Tracked: true},
			{Name: "interviews", Column: "interviews", Kind: KindNumber, Default: float64(0), Tracked: true},
		},
	}
}

// SessionsTable describes usage sessions.
func SessionsTable() Table {
	return Table{
		Name:     Sessions,
		OrderKey: "startedAt",
		PageSize: 50,
		Fields: []Field{
			{Name: "startedAt", Column: "started_at", Kind: KindTime, Tracked: true},
			{Name: "endedAt", Column: "ended_at", Kind: KindTime, Tracked: true},
			{Name: "device", Column: "device", Kind: KindString, Default: ""},
		},
	}
}

// EventsTable describes the local activity log.
func EventsTable() Table {
	return Table{
		Name:     Events,
		OrderKey: "occurredAt",
		PageSize: 100,
		Fields: []Field{
			{Name: "name", Column: "name", Kind: KindString, Default: "", Required: true},
			{Name: "occurredAt", Column: "occurred_at", Kind: KindTime},
			{Name: "payload", Column: "payload", Kind: KindJSON},
		},
	}
}

// Registry resolves table descriptors by name.
type Registry struct {
	tables map[string]Table
}

// NewRegistry builds a registry from descriptors.
func NewRegistry(tables ...Table) *Registry {
	r := &Registry{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		r.tables[t.Name] = t
	}
	return r
}

// Default returns the registry of every synced table.
func Default() *Registry {
	return NewRegistry(
		ApplicationsTable(),
		GoalsTable(),
		BackupsTable(),
		MetricsTable(),
		SessionsTable(),
		EventsTable(),
	)
}

// Lookup finds a descriptor.
func (r *Registry) Lookup(name string) (Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %s", models.ErrUnknownTable, name)
	}
	return t, nil
}

// OrderKey returns the field a table is listed by, or models.KeyUpdatedAt
// for an unknown table.
func (r *Registry) OrderKey(name string) string {
	if t, ok := r.tables[name]; ok && t.OrderKey != "" {
		return t.OrderKey
	}
	return models.KeyUpdatedAt
}

// Has reports whether name is a known table.
func (r *Registry) Has(name string) bool {
	_, ok := r.tables[name]
	return ok
}

// Names lists table names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
