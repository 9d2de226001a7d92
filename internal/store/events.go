package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"calsync/internal/models"
)

const eventColumns = `id, connection_id, external_event_id, remote_updated_at, payload, deleted_at`

func scanEvent(row scanner) (models.LocalEvent, error) {
	var e models.LocalEvent
	if err := row.Scan(&e.ID, &e.ConnectionID, &e.ExternalID, &e.UpdatedAt, &e.Payload, &e.DeletedAt); err != nil {
		return e, err
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// GetEvents loads the local events of a connection keyed by external ID,
// including soft-deleted ones.
func (s *Store) GetEvents(ctx context.Context, connectionID string, externalIDs []string) (map[string]models.LocalEvent, error) {
	defer observeDB(ctx, "db.get_events")()
	out := make(map[string]models.LocalEvent, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+eventColumns+` FROM local_events
WHERE connection_id = $1 AND external_event_id = ANY($2)`, connectionID, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.LocalEvent, error) {
		return scanEvent(row)
	})
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	for _, e := range events {
		out[e.ExternalID] = e
	}
	return out, nil
}

// ApplyWrites applies one page of reconciler output atomically. Each
// statement re-checks the stored timestamp so concurrent tiers cannot
// regress an event to an older version. updated_at records when the row was
// last written and is what SoftDeleteMissing compares against.
func (s *Store) ApplyWrites(ctx context.Context, connectionID string, writes []models.EventWrite) error {
	defer observeDB(ctx, "db.apply_writes")()
	if len(writes) == 0 {
		return nil
	}
	const upsert = `INSERT INTO local_events (id, connection_id, external_event_id, remote_updated_at, starts_at, payload, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (connection_id, external_event_id) DO UPDATE SET
    remote_updated_at = EXCLUDED.remote_updated_at,
    starts_at = EXCLUDED.starts_at,
    payload = EXCLUDED.payload,
    deleted_at = NULL,
    updated_at = EXCLUDED.updated_at
WHERE local_events.remote_updated_at < EXCLUDED.remote_updated_at
    OR (local_events.deleted_at IS NOT NULL AND local_events.remote_updated_at <= EXCLUDED.remote_updated_at)`
	const softDelete = `UPDATE local_events SET
    deleted_at = $3,
    remote_updated_at = GREATEST(remote_updated_at, $4),
    updated_at = $5
WHERE connection_id = $1 AND external_event_id = $2 AND deleted_at IS NULL`

	now := s.now().UTC()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, w := range writes {
			e := w.Event
			var err error
			switch w.Op {
			case models.OpInsert, models.OpUpdate:
				id := e.ID
				if id == "" {
					id = uuid.NewString()
				}
				_, err = tx.Exec(ctx, upsert, id, connectionID, e.ExternalID, e.UpdatedAt.UTC(), e.Payload.Start.UTC(), e.Payload, now)
			case models.OpSoftDelete:
				deletedAt := now
				if e.DeletedAt != nil {
					deletedAt = e.DeletedAt.UTC()
				}
				_, err = tx.Exec(ctx, softDelete, connectionID, e.ExternalID, deletedAt, e.UpdatedAt.UTC(), now)
			default:
				err = fmt.Errorf("unknown write op %d", w.Op)
			}
			if err != nil {
				return fmt.Errorf("apply %s %s: %w", w.Op, e.ExternalID, err)
			}
		}
		return nil
	})
}

// SoftDeleteMissing marks live events starting inside [from, to) whose
// external ID is not in seen as deleted. Rows written at or after
// writtenBefore are newer than the listing seen came from and are kept.
// It returns the number of rows changed.
func (s *Store) SoftDeleteMissing(ctx context.Context, connectionID string, seen []string, from, to, writtenBefore time.Time) (int, error) {
	defer observeDB(ctx, "db.soft_delete_missing")()
	if seen == nil {
		// A NULL array would make NOT (x = ANY(NULL)) unknown and match nothing.
		seen = []string{}
	}
	const q = `UPDATE local_events SET deleted_at = $5, updated_at = $5
WHERE connection_id = $1 AND deleted_at IS NULL
    AND starts_at >= $2 AND starts_at < $3
    AND NOT (external_event_id = ANY($4))
    AND updated_at < $6`
	tag, err := s.db.Exec(ctx, q, connectionID, from.UTC(), to.UTC(), seen, s.now().UTC(), writtenBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("soft delete missing: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListCurrentEvents returns the live events of a connection ordered by start.
func (s *Store) ListCurrentEvents(ctx context.Context, connectionID string) ([]models.LocalEvent, error) {
	defer observeDB(ctx, "db.list_current_events")()
	rows, err := s.db.Query(ctx, `SELECT `+eventColumns+` FROM local_events
WHERE connection_id = $1 AND deleted_at IS NULL ORDER BY starts_at, external_event_id`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.LocalEvent, error) {
		return scanEvent(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
