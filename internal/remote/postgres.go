package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TheMichaelB/jobsync/internal/events"
)

// PostgresStore is a Store backed directly by PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *events.Logger
}

// NewPostgresStore connects a pool and verifies it.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *events.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, translatePgError(fmt.Errorf("ping: %w", err))
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.WithField("component", "postgres_store"),
	}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Select implements Store.
func (s *PostgresStore) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	var (
		sb   strings.Builder
		args []interface{}
	)
	fmt.Fprintf(&sb, "SELECT to_jsonb(t) FROM %s t", ident(table))
	for i, f := range q.Filters {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		args = append(args, f.Value)
		fmt.Fprintf(&sb, "%s = $%d", ident(f.Column), len(args))
	}
	if q.OrderBy != "" {
		fmt.Fprintf(&sb, " ORDER BY %s", ident(q.OrderBy))
		if q.Desc {
			sb.WriteString(" DESC NULLS LAST")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, translatePgError(err)
	}
	return collectRows(rows)
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, table string, rows []Row) ([]Row, error) {
	return s.insert(ctx, table, rows, "")
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error) {
	return s.insert(ctx, table, rows, onConflict)
}

func (s *PostgresStore) insert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	columns := unionColumns(rows)
	if len(columns) == 0 {
		return nil, fmt.Errorf("insert into %s: rows have no columns", table)
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = ident(c)
	}

	var (
		sb   strings.Builder
		args []interface{}
	)
	fmt.Fprintf(&sb, "INSERT INTO %s AS t (%s) VALUES ", ident(table), strings.Join(quoted, ", "))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, c := range columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			v, ok := row[c]
			if !ok {
				sb.WriteString("DEFAULT")
				continue
			}
			arg, err := encodeArg(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s.%s: %w", table, c, err)
			}
			args = append(args, arg)
			fmt.Fprintf(&sb, "$%d", len(args))
		}
		sb.WriteString(")")
	}

	if onConflict != "" {
		var sets []string
		for _, c := range columns {
			if c == onConflict {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident(c), ident(c)))
		}
		if len(sets) == 0 {
			fmt.Fprintf(&sb, " ON CONFLICT (%s) DO NOTHING", ident(onConflict))
		} else {
			fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET %s", ident(onConflict), strings.Join(sets, ", "))
		}
	}
	sb.WriteString(" RETURNING to_jsonb(t)")

	result, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, translatePgError(err)
	}
	return collectRows(result)
}

// Update implements Store. Updating a row that does not exist is not an error.
func (s *PostgresStore) Update(ctx context.Context, table, id string, userID int64, row Row) error {
	columns := make([]string, 0, len(row))
	for c := range row {
		if c == "id" || c == "user_id" {
			continue
		}
		columns = append(columns, c)
	}
	if len(columns) == 0 {
		return nil
	}
	sort.Strings(columns)

	var (
		sets []string
		args []interface{}
	)
	for _, c := range columns {
		arg, err := encodeArg(row[c])
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", table, c, err)
		}
		args = append(args, arg)
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(c), len(args)))
	}
	args = append(args, id, userID)

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND user_id = $%d",
		ident(table), strings.Join(sets, ", "), len(args)-1, len(args))

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return translatePgError(err)
	}
	s.logger.WithFields(map[string]interface{}{
		"table": table,
		"id":    id,
		"rows":  tag.RowsAffected(),
	}).Debug("Updated row")
	return nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, table, id string, userID int64) error {
	sql := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND user_id = $2", ident(table))
	if _, err := s.pool.Exec(ctx, sql, id, userID); err != nil {
		return translatePgError(err)
	}
	return nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func unionColumns(rows []Row) []string {
	seen := make(map[string]bool)
	var columns []string
	for _, row := range rows {
		for c := range row {
			if !seen[c] {
				seen[c] = true
				columns = append(columns, c)
			}
		}
	}
	sort.Strings(columns)
	return columns
}

// encodeArg hands nested JSON values to the server as text so jsonb and text columns accept them.
func encodeArg(v interface{}) (interface{}, error) {
	switch v.(type) {
	case map[string]interface{}, []interface{}, []map[string]interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return v, nil
	}
}

func collectRows(rows pgx.Rows) ([]Row, error) {
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, translatePgError(err)
	}

	out := make([]Row, 0, len(raw))
	for _, data := range raw {
		var row Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

// translatePgError maps driver errors onto the remote error model.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{
			Status:  pgStatus(pgErr.Code),
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Details: pgErr.Detail,
			Hint:    pgErr.Hint,
		}
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func pgStatus(code string) int {
	switch {
	case code == CodeUniqueViolation:
		return http.StatusConflict
	case code == CodeInsufficientPriv:
		return http.StatusForbidden
	case code == CodeUndefinedTable:
		return http.StatusNotFound
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57"):
		// connection exceptions, insufficient resources, operator intervention
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
