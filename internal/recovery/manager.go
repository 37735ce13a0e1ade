// Package recovery finds restorable application data after local data loss
// and restores it.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/metrics"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/schema"
	"github.com/TheMichaelB/jobsync/internal/storage"
	"github.com/TheMichaelB/jobsync/internal/store"
)

// DefaultRetention is how old a backup row may be and still be offered.
const DefaultRetention = 30 * 24 * time.Hour

// PrimaryOptionID is the option id of the primary snapshot.
const PrimaryOptionID = "primary"

// ErrEmptySnapshot is returned when there are no applications to snapshot.
var ErrEmptySnapshot = errors.New("no applications to snapshot")

// SnapshotReport describes a snapshot written by CreateSnapshot.
type SnapshotReport struct {
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  string    `json:"checksum"`
	BackupID  string    `json:"backupId"`
	Pruned    int       `json:"pruned"`
}

// Manager scans the recovery sources and restores from them.
type Manager struct {
	store     store.Store
	files     storage.FileStore
	apps      schema.Table
	retention time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *events.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRetention overrides DefaultRetention. Non-positive values are ignored.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithMetrics counts recoveries.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a recovery manager over the local store and the snapshot files.
func NewManager(st store.Store, files storage.FileStore, logger *events.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		files:     files,
		apps:      schema.ApplicationsTable(),
		retention: DefaultRetention,
		now:       time.Now,
		logger:    logger.WithField("component", "recovery"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckForRecoveryData reports whether any source holds a valid candidate.
func (m *Manager) CheckForRecoveryData(ctx context.Context) (bool, error) {
	options, err := m.GetRecoveryOptions(ctx)
	if err != nil {
		return false, err
	}
	return len(options) > 0, nil
}

// NeedsRecovery reports whether local applications are gone while a
// recovery candidate exists.
func (m *Manager) NeedsRecovery(ctx context.Context) (bool, error) {
	n, err := m.store.Count(ctx, schema.Applications)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	return m.CheckForRecoveryData(ctx)
}

// GetRecoveryOptions lists every valid candidate, newest first. Candidates
// without a known timestamp sort last. Backup rows older than the retention
// window are left out; the primary snapshot is always offered.
func (m *Manager) GetRecoveryOptions(ctx context.Context) ([]models.RecoveryOption, error) {
	var options []models.RecoveryOption

	snap, ok, err := readPrimary(m.files)
	switch {
	case err != nil:
		m.logger.WithError(err).Warn("Primary snapshot unusable")
	case ok:
		opt := models.RecoveryOption{
			ID:           PrimaryOptionID,
			Source:       models.SourcePrimary,
			Label:        "Local snapshot",
			Data:         snap.records,
			Count:        len(snap.records),
			LastModified: snap.lastModified,
		}
		if problems := m.validateRecords(opt.Data); len(problems) == 0 {
			options = append(options, opt)
		} else {
			m.logger.WithField("problems", len(problems)).Debug("Primary snapshot is not restorable")
		}
	}

	backups, err := m.backupOptions(ctx)
	if err != nil {
		return nil, err
	}
	options = append(options, backups...)

	sort.SliceStable(options, func(i, j int) bool {
		a, b := options[i].LastModified, options[j].LastModified
		switch {
		case a.IsZero() != b.IsZero():
			return b.IsZero()
		case !a.Equal(b):
			return a.After(b)
		default:
			return options[i].ID < options[j].ID
		}
	})
	return options, nil
}

// FindOption returns the current candidate with id.
func (m *Manager) FindOption(ctx context.Context, id string) (models.RecoveryOption, error) {
	options, err := m.GetRecoveryOptions(ctx)
	if err != nil {
		return models.RecoveryOption{}, err
	}
	for _, opt := range options {
		if opt.ID == id {
			return opt, nil
		}
	}
	return models.RecoveryOption{}, fmt.Errorf("recovery option %q: %w", id, models.ErrRecordNotFound)
}

func (m *Manager) backupOptions(ctx context.Context) ([]models.RecoveryOption, error) {
	rows, err := m.store.OrderBy(ctx, schema.Backups, "timestamp", true)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	now := m.now()
	var options []models.RecoveryOption
	for _, row := range rows {
		ts, known := models.ParseTime(row.Fields["timestamp"])
		if known && now.Sub(ts) > m.retention {
			continue
		}

		raw, _ := row.Fields["data"].(string)
		records, err := ParseRecords([]byte(raw))
		if err != nil {
			m.logger.WithField("backup_id", row.ID).WithError(err).Debug("Skipping unreadable backup")
			continue
		}
		if problems := m.validateRecords(records); len(problems) > 0 {
			m.logger.WithField("backup_id", row.ID).Debug("Skipping invalid backup")
			continue
		}

		label := "Backup"
		if l := row.StringField("label"); l != "" {
			label = "Backup: " + l
		}
		options = append(options, models.RecoveryOption{
			ID:           "backup-" + row.ID,
			Source:       models.SourceBackup,
			Label:        label,
			Ref:          row.ID,
			Data:         records,
			Count:        len(records),
			LastModified: ts,
		})
	}
	return options, nil
}

// validateRecords lists the problems that make records unrestorable.
func (m *Manager) validateRecords(records []models.Record) []string {
	if len(records) == 0 {
		return []string{"no records"}
	}
	var problems []string
	for i, rec := range records {
		for _, p := range m.apps.Validate(rec) {
			problems = append(problems, fmt.Sprintf("record %d: %s", i, p))
		}
	}
	return problems
}

// validateOption re-checks an option before any store is touched.
func (m *Manager) validateOption(opt models.RecoveryOption) error {
	verr := &models.ValidationError{Subject: "recovery option"}
	if opt.ID == "" {
		verr.Add("missing id")
	}
	switch opt.Source {
	case models.SourcePrimary:
	case models.SourceBackup:
		if opt.Ref == "" {
			verr.Add("backup option has no backup reference")
		}
	case "":
		verr.Add("missing source")
	default:
		verr.Add("unknown source %q", opt.Source)
	}
	if opt.Count != len(opt.Data) {
		verr.Add("count mismatch: option reports %d records, data has %d", opt.Count, len(opt.Data))
	}
	if opt.Count <= 0 {
		verr.Add("count must be positive")
	}
	if len(opt.Data) > 0 {
		verr.Problems = append(verr.Problems, m.validateRecords(opt.Data)...)
	}
	return verr.OrNil()
}

// PerformRecovery replaces local applications with the option's data. It
// fails without touching any store when the option is invalid, and fails
// with models.ErrNothingImported when not a single record could be written,
// in which case the previous local data is kept. On success the recovered
// source is wiped so it is not offered again.
func (m *Manager) PerformRecovery(ctx context.Context, opt models.RecoveryOption) (models.RecoveryReport, error) {
	report := models.RecoveryReport{OptionID: opt.ID, Source: opt.Source}
	logger := m.logger.WithFields(map[string]interface{}{
		"option": opt.ID,
		"source": opt.Source,
		"count":  opt.Count,
	})

	if err := m.validateOption(opt); err != nil {
		m.metrics.Recovery(opt.Source, "invalid")
		logger.WithError(err).Error("Recovery option rejected")
		return report, err
	}

	tables := []string{schema.Applications}
	if opt.Source == models.SourceBackup {
		tables = append(tables, schema.Backups)
	}

	now := m.now()
	var problems []string
	err := m.store.Transaction(ctx, tables, func(tx store.Tx) error {
		report.Imported, report.Failed, problems = 0, 0, nil

		if err := tx.Clear(ctx, schema.Applications); err != nil {
			return fmt.Errorf("clear applications: %w", err)
		}
		for i, rec := range opt.Data {
			rec = m.prepare(rec, now)
			if err := tx.Add(ctx, schema.Applications, rec); err != nil {
				if !errors.Is(err, models.ErrDuplicateKey) {
					return fmt.Errorf("import record %d: %w", i, err)
				}
				report.Failed++
				problems = append(problems, fmt.Sprintf("record %d: %v", i, err))
				continue
			}
			report.Imported++
		}
		if report.Imported == 0 {
			return models.ErrNothingImported
		}
		if opt.Source == models.SourceBackup {
			return tx.Delete(ctx, schema.Backups, opt.Ref)
		}
		return nil
	})
	if err != nil {
		m.metrics.Recovery(opt.Source, "failed")
		logger.WithError(err).Error("Recovery failed")
		return report, fmt.Errorf("recover from %s: %w", opt.ID, err)
	}

	if opt.Source == models.SourcePrimary {
		m.wipePrimary()
	}

	if report.Failed > 0 {
		m.metrics.Recovery(opt.Source, "partial")
		logger.WithFields(map[string]interface{}{
			"imported": report.Imported,
			"failed":   report.Failed,
			"problems": problems,
		}).Warn("Recovery completed with failures")
	} else {
		m.metrics.Recovery(opt.Source, "ok")
		logger.WithField("imported", report.Imported).Info("Recovery completed")
	}
	return report, nil
}

func (m *Manager) wipePrimary() {
	for _, name := range []string{SnapshotFile, SnapshotMetaFile} {
		if err := m.files.Delete(name); err != nil {
			m.logger.WithField("file", name).WithError(err).Warn("Failed to remove recovered snapshot")
		}
	}
}

// prepare normalizes a record for import, minting an id and timestamps when absent.
func (m *Manager) prepare(rec models.Record, now time.Time) models.Record {
	rec = m.apps.Normalize(rec)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	return rec
}

// Import adds records that are valid and not yet present. Invalid records are
// counted as failed and existing ids as skipped. It returns
// models.ErrNothingImported, along with the report, when records were given
// but none was added.
func (m *Manager) Import(ctx context.Context, records []models.Record) (models.ImportReport, error) {
	var report models.ImportReport
	if len(records) == 0 {
		return report, nil
	}

	now := m.now()
	err := m.store.Transaction(ctx, []string{schema.Applications}, func(tx store.Tx) error {
		report = models.ImportReport{}
		for i, rec := range records {
			if problems := m.apps.Validate(rec); len(problems) > 0 {
				report.Failed++
				for _, p := range problems {
					report.Problems = append(report.Problems, fmt.Sprintf("record %d: %s", i, p))
				}
				continue
			}

			rec = m.prepare(rec, now)
			err := tx.Add(ctx, schema.Applications, rec)
			switch {
			case errors.Is(err, models.ErrDuplicateKey):
				report.Skipped++
			case err != nil:
				return fmt.Errorf("import record %d: %w", i, err)
			default:
				report.Added++
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	m.logger.WithFields(map[string]interface{}{
		"added":   report.Added,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	}).Info("Import finished")

	if report.Added == 0 {
		return report, models.ErrNothingImported
	}
	return report, nil
}

// CreateSnapshot writes the primary snapshot from the local applications,
// records a matching backup row and prunes backup rows past retention.
func (m *Manager) CreateSnapshot(ctx context.Context, label string) (SnapshotReport, error) {
	records, err := m.store.OrderBy(ctx, schema.Applications, models.KeyUpdatedAt, true)
	if err != nil {
		return SnapshotReport{}, fmt.Errorf("list applications: %w", err)
	}
	if len(records) == 0 {
		return SnapshotReport{}, ErrEmptySnapshot
	}

	data, err := json.Marshal(records)
	if err != nil {
		return SnapshotReport{}, fmt.Errorf("encode snapshot: %w", err)
	}

	now := m.now().UTC()
	if err := writePrimary(m.files, data, len(records), now); err != nil {
		return SnapshotReport{}, err
	}

	report := SnapshotReport{
		Count:     len(records),
		Timestamp: now,
		Checksum:  Checksum(data),
		BackupID:  uuid.NewString(),
	}

	row := models.NewRecord(report.BackupID, map[string]interface{}{
		"timestamp": models.FormatTime(now),
		"label":     label,
		"data":      string(data),
	}, now)

	err = m.store.Transaction(ctx, []string{schema.Backups}, func(tx store.Tx) error {
		if err := tx.Add(ctx, schema.Backups, row); err != nil {
			return fmt.Errorf("insert backup: %w", err)
		}
		rows, err := tx.OrderBy(ctx, schema.Backups, "timestamp", false)
		if err != nil {
			return err
		}
		var stale []string
		for _, r := range rows {
			if ts, ok := models.ParseTime(r.Fields["timestamp"]); ok && now.Sub(ts) > m.retention {
				stale = append(stale, r.ID)
			}
		}
		report.Pruned = len(stale)
		if len(stale) == 0 {
			return nil
		}
		return tx.BulkDelete(ctx, schema.Backups, stale)
	})
	if err != nil {
		return report, err
	}

	m.logger.WithFields(map[string]interface{}{
		"count":     report.Count,
		"backup_id": report.BackupID,
		"pruned":    report.Pruned,
	}).Info("Snapshot created")
	return report, nil
}
