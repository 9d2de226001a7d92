package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"calsync/internal/models"
)

// GetCursor returns the sync cursor of a connection or ErrNotFound before the first successful sync.
func (s *Store) GetCursor(ctx context.Context, connectionID string) (models.SyncCursor, error) {
	defer observeDB(ctx, "db.get_cursor")()
	const q = `SELECT connection_id, cursor_token, window_start, last_synced_at, immediate_last_run, extended_last_run
FROM sync_cursors WHERE connection_id = $1`
	var (
		c         models.SyncCursor
		immediate *time.Time
		extended  *time.Time
	)
	err := s.db.QueryRow(ctx, q, connectionID).Scan(&c.ConnectionID, &c.Token, &c.WindowStart, &c.LastSyncedAt, &immediate, &extended)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncCursor{}, ErrNotFound
	}
	if err != nil {
		return models.SyncCursor{}, fmt.Errorf("get cursor %s: %w", connectionID, err)
	}
	c.TierLastRun = map[models.Tier]time.Time{}
	if immediate != nil {
		c.TierLastRun[models.TierImmediate] = immediate.UTC()
	}
	if extended != nil {
		c.TierLastRun[models.TierExtended] = extended.UTC()
	}
	return c, nil
}

// SaveCursor commits progress for one connection. It is only called after
// every page of the pass has been reconciled.
func (s *Store) SaveCursor(ctx context.Context, u models.CursorUpdate) error {
	defer observeDB(ctx, "db.save_cursor")()
	const q = `INSERT INTO sync_cursors (connection_id, cursor_token, window_start, last_synced_at, immediate_last_run, extended_last_run)
VALUES ($1, $2, $3, $4,
    CASE WHEN $5::text = 'immediate' THEN $4::timestamptz END,
    CASE WHEN $5::text = 'extended' THEN $4::timestamptz END)
ON CONFLICT (connection_id) DO UPDATE SET
    cursor_token = CASE WHEN $6::bool THEN EXCLUDED.cursor_token ELSE sync_cursors.cursor_token END,
    window_start = COALESCE(EXCLUDED.window_start, sync_cursors.window_start),
    last_synced_at = EXCLUDED.last_synced_at,
    immediate_last_run = COALESCE(EXCLUDED.immediate_last_run, sync_cursors.immediate_last_run),
    extended_last_run = COALESCE(EXCLUDED.extended_last_run, sync_cursors.extended_last_run)`
	token := ""
	if u.Token != nil {
		token = *u.Token
	}
	_, err := s.db.Exec(ctx, q, u.ConnectionID, token, u.WindowStart, u.SyncedAt.UTC(), string(u.Tier), u.Token != nil)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", u.ConnectionID, err)
	}
	return nil
}
