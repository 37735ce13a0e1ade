package models

import "time"

// Recovery sources.
const (
	SourcePrimary = "primary"
	SourceBackup  = "backup"
)

// RecoveryOption is one candidate data set offered for restore.
type RecoveryOption struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Label        string    `json:"label"`
	Ref          string    `json:"ref,omitempty"` // backup row id for SourceBackup
	Data         []Record  `json:"data"`
	Count        int       `json:"count"`
	LastModified time.Time `json:"lastModified"`
}

// LastModifiedLabel renders the timestamp, or "Unknown" when the source carried none.
func (o RecoveryOption) LastModifiedLabel() string {
	if o.LastModified.IsZero() {
		return "Unknown"
	}
	return o.LastModified.Local().Format("2006-01-02 15:04")
}

// RecoveryReport summarizes a restore.
type RecoveryReport struct {
	OptionID string `json:"optionId"`
	Source   string `json:"source"`
	Imported int    `json:"imported"`
	Failed   int    `json:"failed"`
}

// ImportReport summarizes a partial-tolerant import.
type ImportReport struct {
	Added    int      `json:"added"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Problems []string `json:"problems,omitempty"`
}
