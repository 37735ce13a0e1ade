// Package remote talks to the hosted relational store that backs cloud sync.
package remote

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/TheMichaelB/jobsync/internal/models"
)

// Row is one remote row keyed by column name.
type Row = map[string]interface{}

// Error is a typed remote failure carrying a SQLSTATE or PostgREST code.
type Error = models.APIError

// ErrUnavailable marks connection-level failures that are worth retrying.
var ErrUnavailable = errors.New("remote store unavailable")

// Filter is an equality condition on a column.
type Filter struct {
	Column string
	Value  interface{}
}

// Query selects rows of a table.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Eq appends an equality filter.
func (q Query) Eq(column string, value interface{}) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Column: column, Value: value})
	return q
}

// Store is the remote table API.
type Store interface {
	// Select returns rows matching q.
	Select(ctx context.Context, table string, q Query) ([]Row, error)

	// Insert adds rows and returns them as stored.
	Insert(ctx context.Context, table string, rows []Row) ([]Row, error)

	// Upsert inserts rows, merging into existing rows that collide on onConflict.
	Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error)

	// Update changes the row with id owned by userID.
	Update(ctx context.Context, table, id string, userID int64, row Row) error

	// Delete removes the row with id owned by userID.
	Delete(ctx context.Context, table, id string, userID int64) error
}

// Class is the reaction-relevant category of a remote failure.
type Class int

const (
	ClassNone Class = iota
	ClassGeneric
	ClassDuplicate
	ClassPermission
	ClassTableMissing
	ClassNotFound
	ClassNetwork
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassDuplicate:
		return "duplicate"
	case ClassPermission:
		return "permission"
	case ClassTableMissing:
		return "table_missing"
	case ClassNotFound:
		return "not_found"
	case ClassNetwork:
		return "network"
	default:
		return "generic"
	}
}

// SQLSTATE and PostgREST codes the engine reacts to.
const (
	CodeUniqueViolation   = "23505"
	CodeInsufficientPriv  = "42501"
	CodeUndefinedTable    = "42P01"
	CodeUndefinedColumn   = "42703"
	CodeSchemaCacheTable  = "PGRST205"
	CodeSchemaCacheSchema = "PGRST106"
	CodeNoRows            = "PGRST116"
	CodeJWTExpired        = "PGRST301"
)

// Classify maps an error from a Store to its Class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	switch {
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return ClassNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}

	return ClassGeneric
}

func classifyAPIError(e *Error) Class {
	switch e.Code {
	case CodeUniqueViolation:
		return ClassDuplicate
	case CodeInsufficientPriv, CodeJWTExpired:
		return ClassPermission
	case CodeUndefinedTable, CodeUndefinedColumn, CodeSchemaCacheTable, CodeSchemaCacheSchema:
		return ClassTableMissing
	case CodeNoRows:
		return ClassNotFound
	}

	switch {
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return ClassPermission
	case e.Status == http.StatusConflict:
		return ClassDuplicate
	case e.Status == http.StatusRequestTimeout,
		e.Status == http.StatusTooManyRequests,
		e.Status >= 500:
		return ClassNetwork
	case e.Status == http.StatusNotFound:
		return ClassNotFound
	}

	return ClassGeneric
}
