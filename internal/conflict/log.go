package conflict

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/TheMichaelB/jobsync/internal/models"
)

// Entry is a logged conflict.
type Entry struct {
	LogID    string          `json:"logId"`
	Table    string          `json:"table"`
	Conflict models.Conflict `json:"conflict"`
}

// Log keeps detected conflicts in memory until they are resolved and purged.
// A newer detection for the same table and id replaces a pending entry.
type Log struct {
	mu      sync.Mutex
	entries map[string]*Entry // by LogID
	byKey   map[string]string // table:id -> LogID of the pending entry
}

// NewLog creates an empty conflict log.
func NewLog() *Log {
	return &Log{
		entries: make(map[string]*Entry),
		byKey:   make(map[string]string),
	}
}

// Record adds conflicts detected on table and returns their log ids.
func (l *Log) Record(table string, conflicts []models.Conflict) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		key := table + ":" + c.ID
		if old, ok := l.byKey[key]; ok {
			delete(l.entries, old)
		}

		entry := &Entry{LogID: uuid.NewString(), Table: table, Conflict: c}
		l.entries[entry.LogID] = entry
		if !c.Resolved() {
			l.byKey[key] = entry.LogID
		}
		ids = append(ids, entry.LogID)
	}
	return ids
}

// Get returns an entry by log id.
func (l *Log) Get(logID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[logID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Pending lists unresolved entries ordered by table then record id.
func (l *Log) Pending() []Entry {
	return l.list(func(e *Entry) bool { return !e.Conflict.Resolved() })
}

// All lists every entry ordered by table then record id.
func (l *Log) All() []Entry {
	return l.list(func(*Entry) bool { return true })
}

// MarkResolved attaches a resolution to a pending entry.
func (l *Log) MarkResolved(logID string, res models.Resolution) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[logID]
	if !ok {
		return fmt.Errorf("conflict %s: %w", logID, models.ErrRecordNotFound)
	}
	e.Conflict.Resolution = &res
	delete(l.byKey, e.Table+":"+e.Conflict.ID)
	return nil
}

// PurgeResolved drops resolved entries and returns how many were removed.
func (l *Log) PurgeResolved() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, e := range l.entries {
		if e.Conflict.Resolved() {
			delete(l.entries, id)
			n++
		}
	}
	return n
}

func (l *Log) list(keep func(*Entry) bool) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		if out[i].Conflict.ID != out[j].Conflict.ID {
			return out[i].Conflict.ID < out[j].Conflict.ID
		}
		return out[i].LogID < out[j].LogID
	})
	return out
}
