// Package reconciler merges pages of remote events into local event state.
// Remote always wins; nothing is written back to providers.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"calsync/internal/metrics"
	"calsync/internal/models"
)

// Store is the event persistence the reconciler needs.
type Store interface {
	GetEvents(ctx context.Context, connectionID string, externalIDs []string) (map[string]models.LocalEvent, error)
	ApplyWrites(ctx context.Context, connectionID string, writes []models.EventWrite) error
	SoftDeleteMissing(ctx context.Context, connectionID string, seen []string, from, to, writtenBefore time.Time) (int, error)
	ListCurrentEvents(ctx context.Context, connectionID string) ([]models.LocalEvent, error)
}

// Reconciler turns remote pages into local upserts and soft deletes.
type Reconciler struct {
	store  Store
	logger *slog.Logger
	dryRun bool
	now    func() time.Time
}

// New creates a reconciler. In dry-run mode writes are computed and logged
// but never applied.
func New(logger *slog.Logger, store Store, dryRun bool) *Reconciler {
	return &Reconciler{store: store, logger: logger, dryRun: dryRun, now: time.Now}
}

// Apply reconciles one page for a connection. The page is written as a single
// batch; on error nothing from the page has been applied.
func (r *Reconciler) Apply(ctx context.Context, p models.Provider, conn models.CalendarConnection, events []models.RemoteEvent) (models.ApplyStats, error) {
	page := normalize(events)
	if len(page) == 0 {
		return models.ApplyStats{}, nil
	}
	ids := make([]string, len(page))
	for i, e := range page {
		ids[i] = e.ExternalID
	}
	existing, err := r.store.GetEvents(ctx, conn.ID, ids)
	if err != nil {
		return models.ApplyStats{}, fmt.Errorf("load local events: %w", err)
	}

	writes, stats := Plan(existing, page, r.now().UTC())
	if r.dryRun {
		for _, w := range writes {
			r.logger.Info("[DRY RUN] Would apply event change.", "connectionID", conn.ID, "op", w.Op, "externalID", w.Event.ExternalID)
		}
		return stats, nil
	}
	if len(writes) > 0 {
		if err := r.store.ApplyWrites(ctx, conn.ID, writes); err != nil {
			return models.ApplyStats{}, fmt.Errorf("apply page: %w", err)
		}
	}
	metrics.ObserveApply(string(p), stats.Upserted, stats.SoftDeleted, stats.Unchanged)
	r.logger.Debug("Page reconciled.", "connectionID", conn.ID, "upserted", stats.Upserted, "softDeleted", stats.SoftDeleted, "unchanged", stats.Unchanged)
	return stats, nil
}

// SweepMissing soft-deletes live events starting in [from, to) that a full
// fetch begun at started did not return. Events written since started are
// left alone.
func (r *Reconciler) SweepMissing(ctx context.Context, p models.Provider, conn models.CalendarConnection, seen []string, from, to, started time.Time) (int, error) {
	if r.dryRun {
		live, err := r.store.ListCurrentEvents(ctx, conn.ID)
		if err != nil {
			return 0, fmt.Errorf("list events: %w", err)
		}
		keep := make(map[string]bool, len(seen))
		for _, id := range seen {
			keep[id] = true
		}
		n := 0
		for _, e := range live {
			if keep[e.ExternalID] || e.Payload.Start.Before(from) || !e.Payload.Start.Before(to) {
				continue
			}
			r.logger.Info("[DRY RUN] Would soft-delete missing event.", "connectionID", conn.ID, "externalID", e.ExternalID)
			n++
		}
		return n, nil
	}
	n, err := r.store.SoftDeleteMissing(ctx, conn.ID, seen, from, to, started)
	if err != nil {
		return 0, fmt.Errorf("sweep missing: %w", err)
	}
	if n > 0 {
		metrics.ObserveApply(string(p), 0, n, 0)
		r.logger.Info("Soft-deleted events missing from full fetch.", "connectionID", conn.ID, "count", n)
	}
	return n, nil
}

// Plan computes the writes that bring existing in line with page. It is pure;
// page must already be normalized.
func Plan(existing map[string]models.LocalEvent, page []models.RemoteEvent, now time.Time) ([]models.EventWrite, models.ApplyStats) {
	var (
		writes []models.EventWrite
		stats  models.ApplyStats
	)
	for _, re := range page {
		local, found := existing[re.ExternalID]
		switch {
		case re.Deleted:
			if !found || local.DeletedAt != nil {
				stats.Unchanged++
				continue
			}
			at := now
			local.DeletedAt = &at
			if re.UpdatedAt.After(local.UpdatedAt) {
				local.UpdatedAt = re.UpdatedAt
			}
			writes = append(writes, models.EventWrite{Op: models.OpSoftDelete, Event: local})
			stats.SoftDeleted++

		case !found:
			writes = append(writes, models.EventWrite{Op: models.OpInsert, Event: models.LocalEvent{
				ExternalID: re.ExternalID,
				UpdatedAt:  re.UpdatedAt,
				Payload:    re.Payload(),
			}})
			stats.Upserted++

		case local.DeletedAt == nil && re.UpdatedAt.After(local.UpdatedAt),
			local.DeletedAt != nil && !re.UpdatedAt.Before(local.UpdatedAt):
			local.UpdatedAt = re.UpdatedAt
			local.Payload = re.Payload()
			local.DeletedAt = nil
			writes = append(writes, models.EventWrite{Op: models.OpUpdate, Event: local})
			stats.Upserted++

		default:
			stats.Unchanged++
		}
	}
	return writes, stats
}

// normalize drops events without an ID, keeps the last occurrence of a
// duplicated ID and truncates timestamps to the storage resolution.
func normalize(events []models.RemoteEvent) []models.RemoteEvent {
	index := make(map[string]int, len(events))
	out := make([]models.RemoteEvent, 0, len(events))
	for _, e := range events {
		if e.ExternalID == "" {
			continue
		}
		e.UpdatedAt = e.UpdatedAt.UTC().Truncate(time.Microsecond)
		e.Start = e.Start.UTC().Truncate(time.Microsecond)
		e.End = e.End.UTC().Truncate(time.Microsecond)
		if i, ok := index[e.ExternalID]; ok {
			out[i] = e
			continue
		}
		index[e.ExternalID] = len(out)
		out = append(out, e)
	}
	return out
}
