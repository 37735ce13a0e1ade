package gateway

import "fmt"

// Op is a push operation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Result reports what a push did. Write paths log it; nothing in it is returned as an error.
type Result struct {
	Table      string   `json:"table"`
	Op         Op       `json:"op"`
	Attempted  int      `json:"attempted"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	Duplicates int      `json:"duplicates"`
	Skipped    bool     `json:"skipped"`
	Warnings   []string `json:"warnings,omitempty"`

	// Synced lists ids now present remotely, duplicates included.
	Synced []string `json:"synced,omitempty"`

	// Err is set when the whole call failed: permission, missing table or exhausted retries.
	Err error `json:"-"`
}

// OK reports whether every attempted record reached the remote store.
func (r Result) OK() bool {
	return r.Err == nil && r.Failed == 0
}

func (r *Result) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r Result) fields() map[string]interface{} {
	return map[string]interface{}{
		"table":      r.Table,
		"op":         string(r.Op),
		"attempted":  r.Attempted,
		"succeeded":  r.Succeeded,
		"failed":     r.Failed,
		"duplicates": r.Duplicates,
	}
}
