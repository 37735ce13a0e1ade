package models

import (
	"strings"
	"time"
)

// Application statuses used by the CLI. Any string is stored as given.
const (
	StatusApplied   = "applied"
	StatusInterview = "interview"
	StatusOffer     = "offer"
	StatusRejected  = "rejected"
	StatusWithdrawn = "withdrawn"
)

// Attachment is a file linked to an application. Lists of attachments are merged by ID.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Application is the typed view of an applications record.
type Application struct {
	ID          string
	Company     string
	Position    string
	Status      string
	Location    string
	Salary      string
	URL         string
	Notes       string
	DateApplied time.Time
	Attachments []Attachment
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Synced      bool
}

// ToRecord converts to the generic record shape stored locally and pushed remotely.
func (a Application) ToRecord() Record {
	attachments := make([]interface{}, 0, len(a.Attachments))
	for _, att := range a.Attachments {
		m := map[string]interface{}{"id": att.ID, "name": att.Name}
		if att.URL != "" {
			m["url"] = att.URL
		}
		attachments = append(attachments, m)
	}

	fields := map[string]interface{}{
		"company":     a.Company,
		"position":    a.Position,
		"status":      a.Status,
		"location":    a.Location,
		"salary":      a.Salary,
		"url":         a.URL,
		"notes":       a.Notes,
		"attachments": attachments,
	}
	if !a.DateApplied.IsZero() {
		fields["dateApplied"] = FormatTime(a.DateApplied)
	}

	return Record{
		ID:        a.ID,
		Fields:    fields,
		CreatedAt: a.CreatedAt.UTC(),
		UpdatedAt: a.UpdatedAt.UTC(),
		Synced:    a.Synced,
	}
}

// ApplicationFromRecord reads the typed view. Missing or mistyped fields become zero values.
func ApplicationFromRecord(r Record) Application {
	app := Application{
		ID:        r.ID,
		Company:   r.StringField("company"),
		Position:  r.StringField("position"),
		Status:    r.StringField("status"),
		Location:  r.StringField("location"),
		Salary:    r.StringField("salary"),
		URL:       r.StringField("url"),
		Notes:     r.StringField("notes"),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Synced:    r.Synced,
	}
	app.DateApplied, _ = ParseTime(r.Fields["dateApplied"])

	if list, ok := r.Fields["attachments"].([]interface{}); ok {
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			att := Attachment{
				ID:   IDString(m["id"]),
				Name: stringValue(m["name"]),
				URL:  stringValue(m["url"]),
			}
			app.Attachments = append(app.Attachments, att)
		}
	}

	return app
}

// Validate checks the identity fields an application cannot be stored without.
func (a Application) Validate() error {
	verr := &ValidationError{Subject: "application"}
	if strings.TrimSpace(a.Company) == "" {
		verr.Add("company is required")
	}
	if strings.TrimSpace(a.Position) == "" {
		verr.Add("position is required")
	}
	return verr.OrNil()
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}
