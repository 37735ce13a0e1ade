package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/TheMichaelB/jobsync/internal/models"
)

// Reader is the query half of the local store. Get, OrderBy, Where and
// Count never see tombstones; Tombstones lists them.
type Reader interface {
	// Get returns the record with id, or models.ErrRecordNotFound.
	Get(ctx context.Context, table, id string) (models.Record, error)

	// OrderBy lists a table sorted by a system key (id, createdAt, updatedAt,
	// syncedAt, synced) or a business field. Ties are broken by id.
	OrderBy(ctx context.Context, table, key string, desc bool) ([]models.Record, error)

	// Where lists records whose key equals value.
	Where(ctx context.Context, table, key string, value interface{}) ([]models.Record, error)

	// Count returns the number of records in a table.
	Count(ctx context.Context, table string) (int, error)

	// Tombstones lists the deleted records of a table, ordered by id.
	Tombstones(ctx context.Context, table string) ([]models.Record, error)
}

// Writer is the mutation half of the local store.
type Writer interface {
	// Put inserts or replaces a record. UpdatedAt never moves backwards.
	// A record with Deleted set is stored as a tombstone.
	Put(ctx context.Context, table string, rec models.Record) error

	// Add inserts a record, failing with models.ErrDuplicateKey if a live
	// record has the id. A tombstone with the id is replaced.
	Add(ctx context.Context, table string, rec models.Record) error

	// BulkAdd inserts records atomically.
	BulkAdd(ctx context.Context, table string, recs []models.Record) error

	// Delete removes a record or tombstone. Missing ids are not an error.
	Delete(ctx context.Context, table, id string) error

	// BulkDelete removes records atomically.
	BulkDelete(ctx context.Context, table string, ids []string) error

	// Clear removes every record of a table.
	Clear(ctx context.Context, table string) error
}

// Tx is the view of the store handed to a transaction body.
type Tx interface {
	Reader
	Writer
}

// ChangeFunc is called after a committed mutation of table.
type ChangeFunc = func(table string)

// Store is the local persistent store. Every method fails with
// models.ErrStoreUnavailable once the store is closed.
type Store interface {
	Tx

	// Transaction runs fn atomically over tables. fn must only use tx;
	// touching a table outside the scope is an error. Change notifications
	// fire after commit.
	Transaction(ctx context.Context, tables []string, fn func(tx Tx) error) error

	// Subscribe registers fn for change notifications and returns its cancel func.
	Subscribe(fn ChangeFunc) (unsubscribe func())

	// Tables lists the tables this store manages.
	Tables() []string

	// Close releases resources.
	Close() error
}

// System keys and the columns backing them.
var systemColumns = map[string]string{
	models.KeyID:        "id",
	models.KeyCreatedAt: "created_at",
	models.KeyUpdatedAt: "updated_at",
	models.KeySyncedAt:  "synced_at",
	models.KeySynced:    "synced",
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("invalid identifier %q", s)
	}
	return nil
}

// notifier fans out change notifications.
type notifier struct {
	mu   sync.RWMutex
	next int
	subs map[int]ChangeFunc
}

func (n *notifier) subscribe(fn ChangeFunc) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subs == nil {
		n.subs = make(map[int]ChangeFunc)
	}
	id := n.next
	n.next++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) notify(tables ...string) {
	n.mu.RLock()
	subs := make([]ChangeFunc, 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, table := range tables {
		for _, fn := range subs {
			fn(table)
		}
	}
}

// tableSet tracks the tables a store or transaction may touch.
type tableSet map[string]bool

func newTableSet(tables []string) tableSet {
	set := make(tableSet, len(tables))
	for _, t := range tables {
		set[t] = true
	}
	return set
}

func (s tableSet) check(table string) error {
	if !s[table] {
		return fmt.Errorf("%w: %s", models.ErrUnknownTable, table)
	}
	return nil
}

func (s tableSet) sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
