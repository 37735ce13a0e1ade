package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/models"
)

// SQLiteStore keeps each table as (id, timestamps, sync marker, JSON business fields).
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
	tables tableSet
	closed atomic.Bool
	notifier
}

// NewSQLiteStore opens (creating if needed) the database at dbPath with one table per name.
func NewSQLiteStore(dbPath string, tables []string, logger *events.Logger) (*SQLiteStore, error) {
	for _, t := range tables {
		if err := validIdent(t); err != nil {
			return nil, err
		}
	}

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_store"),
		tables: newTableSet(tables),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	var ddl strings.Builder
	for _, t := range s.tables.sorted() {
		fmt.Fprintf(&ddl, `
    CREATE TABLE IF NOT EXISTS %[1]s (
        id TEXT PRIMARY KEY,
        created_at TEXT NOT NULL DEFAULT '',
        updated_at TEXT NOT NULL DEFAULT '',
        synced_at TEXT,
        synced INTEGER NOT NULL DEFAULT 0,
        deleted INTEGER NOT NULL DEFAULT 0,
        data TEXT NOT NULL DEFAULT '{}'
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_updated ON %[1]s(updated_at);
    CREATE INDEX IF NOT EXISTS idx_%[1]s_synced ON %[1]s(synced);
    `, t)
	}

	if _, err := s.db.Exec(ddl.String()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return s.addDeletedColumn()
}

// addDeletedColumn upgrades tables created before tombstones were stored.
func (s *SQLiteStore) addDeletedColumn() error {
	for _, t := range s.tables.sorted() {
		var n int
		err := s.db.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = 'deleted'", t).Scan(&n)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", t, err)
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.Exec("ALTER TABLE " + t + " ADD COLUMN deleted INTEGER NOT NULL DEFAULT 0"); err != nil {
			return fmt.Errorf("upgrade %s: %w", t, err)
		}
		s.logger.WithField("table", t).Info("Added tombstone column")
	}
	return nil
}

// Tables lists managed tables.
func (s *SQLiteStore) Tables() []string {
	return s.tables.sorted()
}

// Subscribe registers a change listener.
func (s *SQLiteStore) Subscribe(fn ChangeFunc) func() {
	return s.subscribe(fn)
}

func (s *SQLiteStore) available() error {
	if s.closed.Load() {
		return models.ErrStoreUnavailable
	}
	return nil
}

func (s *SQLiteStore) direct() *sqliteTx {
	return &sqliteTx{q: s.db, scope: s.tables, changed: make(tableSet)}
}

// Get retrieves one record.
func (s *SQLiteStore) Get(ctx context.Context, table, id string) (models.Record, error) {
	if err := s.available(); err != nil {
		return models.Record{}, err
	}
	return s.direct().Get(ctx, table, id)
}

// OrderBy lists a table sorted by key.
func (s *SQLiteStore) OrderBy(ctx context.Context, table, key string, desc bool) ([]models.Record, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	return s.direct().OrderBy(ctx, table, key, desc)
}

// Where lists records matching key = value.
func (s *SQLiteStore) Where(ctx context.Context, table, key string, value interface{}) ([]models.Record, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	return s.direct().Where(ctx, table, key, value)
}

// Count returns the row count of a table.
func (s *SQLiteStore) Count(ctx context.Context, table string) (int, error) {
	if err := s.available(); err != nil {
		return 0, err
	}
	return s.direct().Count(ctx, table)
}

// Tombstones lists deleted records.
func (s *SQLiteStore) Tombstones(ctx context.Context, table string) ([]models.Record, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	return s.direct().Tombstones(ctx, table)
}

// Put upserts a record.
func (s *SQLiteStore) Put(ctx context.Context, table string, rec models.Record) error {
	return s.write(ctx, table, func(tx *sqliteTx) error { return tx.Put(ctx, table, rec) })
}

// Add inserts a new record.
func (s *SQLiteStore) Add(ctx context.Context, table string, rec models.Record) error {
	return s.write(ctx, table, func(tx *sqliteTx) error { return tx.Add(ctx, table, rec) })
}

// Delete removes a record.
func (s *SQLiteStore) Delete(ctx context.Context, table, id string) error {
	return s.write(ctx, table, func(tx *sqliteTx) error { return tx.Delete(ctx, table, id) })
}

// Clear empties a table.
func (s *SQLiteStore) Clear(ctx context.Context, table string) error {
	return s.write(ctx, table, func(tx *sqliteTx) error { return tx.Clear(ctx, table) })
}

// BulkAdd inserts records in one transaction.
func (s *SQLiteStore) BulkAdd(ctx context.Context, table string, recs []models.Record) error {
	return s.Transaction(ctx, []string{table}, func(tx Tx) error {
		return tx.BulkAdd(ctx, table, recs)
	})
}

// BulkDelete removes records in one transaction.
func (s *SQLiteStore) BulkDelete(ctx context.Context, table string, ids []string) error {
	return s.Transaction(ctx, []string{table}, func(tx Tx) error {
		return tx.BulkDelete(ctx, table, ids)
	})
}

func (s *SQLiteStore) write(ctx context.Context, table string, fn func(tx *sqliteTx) error) error {
	if err := s.available(); err != nil {
		return err
	}
	tx := s.direct()
	if err := fn(tx); err != nil {
		return err
	}
	s.notify(tx.changed.sorted()...)
	return nil
}

// Transaction runs fn in a database transaction.
func (s *SQLiteStore) Transaction(ctx context.Context, tables []string, fn func(tx Tx) error) error {
	if err := s.available(); err != nil {
		return err
	}
	for _, t := range tables {
		if err := s.tables.check(t); err != nil {
			return err
		}
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &sqliteTx{q: sqlTx, scope: newTableSet(tables), changed: make(tableSet)}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"tables":  strings.Join(tables, ","),
		"changed": len(tx.changed),
	}).Debug("Transaction committed")

	s.notify(tx.changed.sorted()...)
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx runs operations against the database or an open transaction.
type sqliteTx struct {
	q       queryer
	scope   tableSet
	changed tableSet
}

const recordColumns = "id, created_at, updated_at, synced_at, synced, deleted, data"

func (tx *sqliteTx) Get(ctx context.Context, table, id string) (models.Record, error) {
	if err := tx.scope.check(table); err != nil {
		return models.Record{}, err
	}

	row := tx.q.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM "+table+" WHERE id = ? AND deleted = 0", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, fmt.Errorf("%w: %s/%s", models.ErrRecordNotFound, table, id)
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	return rec, nil
}

func (tx *sqliteTx) OrderBy(ctx context.Context, table, key string, desc bool) ([]models.Record, error) {
	if err := tx.scope.check(table); err != nil {
		return nil, err
	}
	expr, err := keyExpr(key)
	if err != nil {
		return nil, err
	}

	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE deleted = 0 ORDER BY %s %s, id ASC", recordColumns, table, expr, dir)
	return tx.list(ctx, query)
}

func (tx *sqliteTx) Where(ctx context.Context, table, key string, value interface{}) ([]models.Record, error) {
	if err := tx.scope.check(table); err != nil {
		return nil, err
	}
	expr, err := keyExpr(key)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE deleted = 0 AND %s = ? ORDER BY id ASC", recordColumns, table, expr)
	return tx.list(ctx, query, value)
}

func (tx *sqliteTx) Count(ctx context.Context, table string) (int, error) {
	if err := tx.scope.check(table); err != nil {
		return 0, err
	}

	var n int
	if err := tx.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE deleted = 0").Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (tx *sqliteTx) Tombstones(ctx context.Context, table string) ([]models.Record, error) {
	if err := tx.scope.check(table); err != nil {
		return nil, err
	}
	return tx.list(ctx, "SELECT "+recordColumns+" FROM "+table+" WHERE deleted = 1 ORDER BY id ASC")
}

func (tx *sqliteTx) Put(ctx context.Context, table string, rec models.Record) error {
	if err := tx.scope.check(table); err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
        INSERT INTO %[1]s (%[2]s) VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            created_at = COALESCE(NULLIF(excluded.created_at, ''), %[1]s.created_at),
            updated_at = MAX(excluded.updated_at, %[1]s.updated_at),
            synced_at = excluded.synced_at,
            synced = excluded.synced,
            deleted = excluded.deleted,
            data = excluded.data
    `, table, recordColumns)

	if _, err := tx.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("put %s/%s: %w", table, rec.ID, err)
	}
	tx.changed[table] = true
	return nil
}

func (tx *sqliteTx) Add(ctx context.Context, table string, rec models.Record) error {
	if err := tx.scope.check(table); err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	// A tombstone with the same id is overwritten; a live row is left alone.
	query := fmt.Sprintf(`
        INSERT INTO %[1]s (%[2]s) VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            created_at = excluded.created_at,
            updated_at = excluded.updated_at,
            synced_at = excluded.synced_at,
            synced = excluded.synced,
            deleted = excluded.deleted,
            data = excluded.data
        WHERE %[1]s.deleted = 1
    `, table, recordColumns)
	res, err := tx.q.ExecContext(ctx, query, args...)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s/%s", models.ErrDuplicateKey, table, rec.ID)
		}
		return fmt.Errorf("add %s/%s: %w", table, rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s", models.ErrDuplicateKey, table, rec.ID)
	}
	tx.changed[table] = true
	return nil
}

func (tx *sqliteTx) BulkAdd(ctx context.Context, table string, recs []models.Record) error {
	for _, rec := range recs {
		if err := tx.Add(ctx, table, rec); err != nil {
			return err
		}
	}
	return nil
}

func (tx *sqliteTx) Delete(ctx context.Context, table, id string) error {
	if err := tx.scope.check(table); err != nil {
		return err
	}
	res, err := tx.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.changed[table] = true
	}
	return nil
}

func (tx *sqliteTx) BulkDelete(ctx context.Context, table string, ids []string) error {
	for _, id := range ids {
		if err := tx.Delete(ctx, table, id); err != nil {
			return err
		}
	}
	return nil
}

func (tx *sqliteTx) Clear(ctx context.Context, table string) error {
	if err := tx.scope.check(table); err != nil {
		return err
	}
	if _, err := tx.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	tx.changed[table] = true
	return nil
}

func (tx *sqliteTx) list(ctx context.Context, query string, args ...interface{}) ([]models.Record, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

// keyExpr maps a record key to a SQL expression. Business fields live in the JSON column.
func keyExpr(key string) (string, error) {
	if col, ok := systemColumns[key]; ok {
		return col, nil
	}
	if err := validIdent(key); err != nil {
		return "", err
	}
	return "json_extract(data, '$." + key + "')", nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (models.Record, error) {
	var (
		rec                  models.Record
		createdAt, updatedAt string
		syncedAt             sql.NullString
		synced, deleted      int
		data                 string
	)
	if err := row.Scan(&rec.ID, &createdAt, &updatedAt, &syncedAt, &synced, &deleted, &data); err != nil {
		return models.Record{}, err
	}

	rec.CreatedAt, _ = models.ParseTime(createdAt)
	rec.UpdatedAt, _ = models.ParseTime(updatedAt)
	if syncedAt.Valid {
		if t, ok := models.ParseTime(syncedAt.String); ok {
			rec.SyncedAt = &t
		}
	}
	rec.Synced = synced != 0
	rec.Deleted = deleted != 0

	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return models.Record{}, fmt.Errorf("decode %s: %w", rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]interface{})
	}
	return rec, nil
}

func recordArgs(rec models.Record) ([]interface{}, error) {
	if rec.ID == "" {
		return nil, errors.New("record id is required")
	}

	fields := rec.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", rec.ID, err)
	}

	var syncedAt interface{}
	if rec.SyncedAt != nil {
		syncedAt = models.FormatTime(*rec.SyncedAt)
	}
	synced, deleted := 0, 0
	if rec.Synced {
		synced = 1
	}
	if rec.Deleted {
		deleted = 1
	}

	return []interface{}{
		rec.ID,
		models.FormatTime(rec.CreatedAt),
		models.FormatTime(rec.UpdatedAt),
		syncedAt,
		synced,
		deleted,
		string(data),
	}, nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
