package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error handling.
const (
	ErrCodeAuth        = "AUTH_ERROR"
	ErrCodePermission  = "PERMISSION_DENIED"
	ErrCodeNetwork     = "NETWORK_ERROR"
	ErrCodeSchema      = "SCHEMA_ERROR"
	ErrCodeDuplicate   = "DUPLICATE_KEY"
	ErrCodeStorage     = "STORAGE_ERROR"
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeConfig      = "CONFIG_ERROR"
	ErrCodeServerError = "SERVER_ERROR"
)

// Sentinel errors
var (
	ErrStoreUnavailable = errors.New("local store unavailable")
	ErrRecordNotFound   = errors.New("record not found")
	ErrUnknownTable     = errors.New("unknown table")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTableMissing     = errors.New("remote table missing")
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrManualResolution = errors.New("conflict requires manual resolution")
	ErrNothingImported  = errors.New("no records imported")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// ErrorKind groups failures by how callers should react to them.
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindTransient
	KindAuthorization
	KindSchema
	KindConflict
	KindValidation
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthorization:
		return "authorization"
	case KindSchema:
		return "schema"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	default:
		return "generic"
	}
}

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// APIError represents an error returned by the remote store.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "remote error %d", e.Status)
	if e.Code != "" {
		fmt.Fprintf(&sb, " (%s)", e.Code)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Details != "" {
		fmt.Fprintf(&sb, " [%s]", e.Details)
	}
	return sb.String()
}

// SyncError provides detailed sync failure information.
type SyncError struct {
	Kind  ErrorKind
	Table string
	Op    string
	Err   error
}

func (e *SyncError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("sync %s %s [%s]: %v", e.Op, e.Table, e.Kind, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: %v", e.Table, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind of a SyncError anywhere in the chain.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNotAuthenticated):
		return KindAuthorization
	case errors.Is(err, ErrTableMissing):
		return KindSchema
	case errors.Is(err, ErrStoreUnavailable):
		return KindStorage
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	return KindGeneric
}

// ValidationError lists every problem found in a candidate before any mutation.
type ValidationError struct {
	Subject  string
	Problems []string
}

func (e *ValidationError) Error() string {
	subject := e.Subject
	if subject == "" {
		subject = "input"
	}
	return fmt.Sprintf("invalid %s: %s", subject, strings.Join(e.Problems, "; "))
}

// Add records a problem.
func (e *ValidationError) Add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns e when it holds problems.
func (e *ValidationError) OrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
