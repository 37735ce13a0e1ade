package conflict

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/schema"
)

// NoteSeparator joins diverged free-text fields during a merge.
const NoteSeparator = "\n\n---\n\n"

// Summary is the outcome of resolving a batch of conflicts.
type Summary struct {
	Resolved           []models.Conflict `json:"resolved"`
	Remaining          []models.Conflict `json:"remaining"`
	ConflictsResolved  int               `json:"conflictsResolved"`
	ConflictsRemaining int               `json:"conflictsRemaining"`
}

// Resolver applies a strategy to conflicts.
type Resolver struct {
	options
}

// NewResolver creates a resolver.
func NewResolver(opts ...Option) *Resolver {
	return &Resolver{options: newOptions(opts)}
}

// Resolve handles each conflict independently. Conflicts that cannot be
// resolved, including every conflict under StrategyManual, are returned in Remaining.
func (r *Resolver) Resolve(conflicts []models.Conflict, strategy models.Strategy, table schema.Table) Summary {
	var sum Summary
	for _, c := range conflicts {
		resolved, err := r.ResolveOne(c, strategy, table)
		if err != nil {
			r.logger.WithFields(map[string]interface{}{
				"table":    table.Name,
				"id":       c.ID,
				"strategy": string(strategy),
			}).WithError(err).Debug("Conflict left unresolved")
			r.metrics.ConflictResolved(string(strategy), "remaining")
			sum.Remaining = append(sum.Remaining, c)
			continue
		}
		r.metrics.ConflictResolved(string(strategy), "resolved")
		sum.Resolved = append(sum.Resolved, resolved)
	}
	sum.ConflictsResolved = len(sum.Resolved)
	sum.ConflictsRemaining = len(sum.Remaining)
	return sum
}

// ResolveOne returns c with its Resolution attached.
func (r *Resolver) ResolveOne(c models.Conflict, strategy models.Strategy, table schema.Table) (models.Conflict, error) {
	if c.Local.ID != c.Remote.ID {
		return c, fmt.Errorf("conflict %s: local id %q and remote id %q differ", c.ID, c.Local.ID, c.Remote.ID)
	}

	var rec models.Record
	switch strategy {
	case models.StrategyLocalWins:
		rec = overlay(c.Remote, c.Local, c.ConflictingFields)
	case models.StrategyRemoteWins:
		rec = overlay(c.Local, c.Remote, c.ConflictingFields)
	case models.StrategyMerge:
		rec = merge(c.Local, c.Remote, c.ConflictingFields, table)
	case models.StrategyManual:
		return c, models.ErrManualResolution
	default:
		return c, fmt.Errorf("unknown conflict strategy %q", strategy)
	}

	now := r.now().UTC()
	rec.CreatedAt = earliest(c.Local.CreatedAt, c.Remote.CreatedAt)
	rec.UpdatedAt = latest(now, c.Local.UpdatedAt, c.Remote.UpdatedAt)
	rec.MarkSynced(now)

	out := c
	out.Resolution = &models.Resolution{
		Strategy:   strategy,
		Record:     rec,
		ResolvedAt: now,
	}
	return out, nil
}

// overlay starts from base and copies the named fields from winner.
func overlay(base, winner models.Record, fields []string) models.Record {
	out := base.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]interface{})
	}
	for _, name := range fields {
		if v, ok := winner.Fields[name]; ok {
			out.Fields[name] = models.CloneValue(v)
		} else {
			delete(out.Fields, name)
		}
	}
	return out
}

func merge(local, remote models.Record, fields []string, table schema.Table) models.Record {
	out := local.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]interface{})
	}
	remoteNewer := remote.UpdatedAt.After(local.UpdatedAt)

	for _, name := range fields {
		lv, rv := local.Fields[name], remote.Fields[name]
		f, ok := table.Field(name)
		if !ok {
			if remoteNewer {
				out.Fields[name] = models.CloneValue(rv)
			}
			continue
		}

		switch f.Kind {
		case schema.KindText:
			out.Fields[name] = MergeText(stringOf(lv), stringOf(rv))
		case schema.KindList:
			out.Fields[name] = UnionByID(listOf(lv), listOf(rv))
		case schema.KindTime:
			out.Fields[name] = laterTime(lv, rv)
		default:
			if remoteNewer {
				out.Fields[name] = models.CloneValue(rv)
			}
		}
	}
	return out
}

// MergeText concatenates two texts. When one already contains the other the
// longer one is kept, so merging a result again changes nothing.
func MergeText(local, remote string) string {
	local, remote = norm.NFC.String(local), norm.NFC.String(remote)
	switch {
	case strings.Contains(local, remote):
		return local
	case strings.Contains(remote, local):
		return remote
	default:
		return local + NoteSeparator + remote
	}
}

// UnionByID keeps every local element, then appends remote elements whose id
// is not present locally. Elements without an id are deduplicated by value.
func UnionByID(local, remote []interface{}) []interface{} {
	out := make([]interface{}, 0, len(local)+len(remote))
	seen := make(map[string]bool)

	contains := func(v interface{}) bool {
		for _, e := range out {
			if reflect.DeepEqual(e, v) {
				return true
			}
		}
		return false
	}

	add := func(v interface{}) {
		if id := elementID(v); id != "" {
			if seen[id] {
				return
			}
			seen[id] = true
		} else if contains(v) {
			return
		}
		out = append(out, models.CloneValue(v))
	}

	for _, v := range local {
		add(v)
	}
	for _, v := range remote {
		add(v)
	}
	return out
}

func elementID(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	return models.IDString(m["id"])
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

func listOf(v interface{}) []interface{} {
	switch l := models.CloneValue(v).(type) {
	case []interface{}:
		return l
	default:
		return nil
	}
}

// laterTime returns whichever timestamp is later, keeping its original form.
func laterTime(a, b interface{}) interface{} {
	at, aok := models.ParseTime(a)
	bt, bok := models.ParseTime(b)
	switch {
	case !bok:
		return a
	case !aok:
		return b
	case bt.After(at):
		return b
	default:
		return a
	}
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero(), a.Before(b):
		return a
	default:
		return b
	}
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
