package sync

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/store"
)

// Puller fetches the remote page of a table.
type Puller interface {
	Pull(ctx context.Context, table string) ([]models.Record, error)
}

// LocalFirstPuller wraps a remote puller so that a page which is about to
// replace a local table keeps local writes that have not been pushed yet.
type LocalFirstPuller struct {
	store  store.Reader
	remote Puller
}

// NewLocalFirstPuller creates a puller that overlays pending local records on the remote page.
func NewLocalFirstPuller(st store.Reader, remote Puller) *LocalFirstPuller {
	return &LocalFirstPuller{store: st, remote: remote}
}

// Pull returns the remote page with every unsynced local record folded in.
// A pending local record replaces its remote copy only when it is newer.
// Remote copies of locally deleted records are dropped and the tombstones
// are carried in the page so replacing the table keeps them.
// An empty remote page is returned unchanged so the caller keeps local data.
func (p *LocalFirstPuller) Pull(ctx context.Context, table string) ([]models.Record, error) {
	page, err := p.remote.Pull(ctx, table)
	if err != nil || len(page) == 0 {
		return page, err
	}

	pending, err := p.store.Where(ctx, table, models.KeySynced, false)
	if err != nil {
		return nil, fmt.Errorf("list pending %s: %w", table, err)
	}
	tombstones, err := p.store.Tombstones(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("list tombstones %s: %w", table, err)
	}
	if len(pending) == 0 && len(tombstones) == 0 {
		return page, nil
	}

	deleted := make(map[string]bool, len(tombstones))
	for _, rec := range tombstones {
		deleted[rec.ID] = true
	}

	out := make([]models.Record, 0, len(page)+len(pending)+len(tombstones))
	for _, rec := range page {
		if !deleted[rec.ID] {
			out = append(out, rec)
		}
	}
	index := make(map[string]int, len(out))
	for i, rec := range out {
		index[rec.ID] = i
	}

	for _, rec := range pending {
		if i, ok := index[rec.ID]; ok {
			if rec.UpdatedAt.After(out[i].UpdatedAt) {
				out[i] = rec
			}
			continue
		}
		out = append(out, rec)
	}
	out = append(out, tombstones...)
	events.FromContext(ctx).WithFields(map[string]interface{}{
		"pending":    len(pending),
		"tombstones": len(tombstones),
	}).Debug("Kept pending local records over remote page")
	return out, nil
}
