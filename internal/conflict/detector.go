// Package conflict finds records that diverged between the local and remote
// stores and resolves them with a strategy.
package conflict

import (
	"reflect"
	"sort"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/metrics"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/schema"
)

// TimeTolerance is how far apart two timestamps may be and still count as equal.
const TimeTolerance = time.Second

// TypeUpdate marks a record modified on both sides.
const TypeUpdate = "update"

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *events.Logger
}

// Option configures a Detector or Resolver.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics counts detections and resolutions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *events.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) options {
	o := options{now: time.Now, logger: events.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Detector compares local and remote copies of a table.
type Detector struct {
	options
}

// NewDetector creates a detector.
func NewDetector(opts ...Option) *Detector {
	return &Detector{options: newOptions(opts)}
}

// Detect returns one conflict per id present on both sides whose tracked
// fields differ, ordered by id. Ids present on one side only are not conflicts.
func (d *Detector) Detect(local, remote []models.Record, table schema.Table) []models.Conflict {
	localByID := make(map[string]models.Record, len(local))
	for _, rec := range local {
		localByID[rec.ID] = rec
	}

	remoteByID := make(map[string]models.Record, len(remote))
	for _, rec := range remote {
		if _, ok := localByID[rec.ID]; ok {
			remoteByID[rec.ID] = rec
		}
	}

	ids := make([]string, 0, len(remoteByID))
	for id := range remoteByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	detectedAt := d.now().UTC()
	var conflicts []models.Conflict
	for _, id := range ids {
		l, r := localByID[id], remoteByID[id]
		fields := ConflictingFields(l, r, table)
		if len(fields) == 0 {
			continue
		}
		conflicts = append(conflicts, models.Conflict{
			ID:                id,
			Type:              TypeUpdate,
			Local:             l.Clone(),
			Remote:            r.Clone(),
			ConflictingFields: fields,
			DetectedAt:        detectedAt,
		})
	}

	d.metrics.ConflictsDetected(table.Name, len(conflicts))
	if len(conflicts) > 0 {
		d.logger.WithFields(map[string]interface{}{
			"table":     table.Name,
			"conflicts": len(conflicts),
		}).Info("Conflicts detected")
	}
	return conflicts
}

// ConflictingFields lists the tracked fields of table on which a and b disagree,
// in descriptor order. String and text fields are compared after Unicode NFC
// normalisation, so the composed and decomposed forms of the same text never
// conflict. Times match within TimeTolerance; other kinds must be deeply equal.
func ConflictingFields(a, b models.Record, table schema.Table) []string {
	na, nb := table.Normalize(a), table.Normalize(b)

	var fields []string
	for _, f := range table.TrackedFields() {
		if differs(f, table.Value(na, f), table.Value(nb, f)) {
			fields = append(fields, f.Name)
		}
	}
	return fields
}

func differs(f schema.Field, a, b interface{}) bool {
	switch f.Kind {
	case schema.KindTime:
		at, aok := models.ParseTime(a)
		bt, bok := models.ParseTime(b)
		if aok != bok {
			return true
		}
		if !aok {
			return false
		}
		diff := at.Sub(bt)
		if diff < 0 {
			diff = -diff
		}
		return diff > TimeTolerance

	case schema.KindString, schema.KindText:
		as, _ := a.(string)
		bs, _ := b.(string)
		return norm.NFC.String(as) != norm.NFC.String(bs)

	default:
		return !reflect.DeepEqual(a, b)
	}
}
