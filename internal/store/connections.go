package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"calsync/internal/models"
)

const connectionColumns = `id, account_id, external_calendar_id, display_name, color, is_enabled, sync_status, last_error, last_attempt_at`

func scanConnection(row scanner, extra ...any) (models.CalendarConnection, error) {
	var (
		c      models.CalendarConnection
		status string
	)
	dest := append([]any{&c.ID, &c.AccountID, &c.ExternalCalendarID, &c.DisplayName, &c.Color, &c.IsEnabled, &status, &c.LastError, &c.LastAttemptAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return c, err
	}
	c.SyncStatus = models.ConnectionStatus(status)
	return c, nil
}

// UpsertConnection records a discovered remote calendar. Existing rows keep
// their enabled flag and get a refreshed name and color. The bool reports
// whether a new row was created.
func (s *Store) UpsertConnection(ctx context.Context, c models.CalendarConnection) (models.CalendarConnection, bool, error) {
	defer observeDB(ctx, "db.upsert_connection")()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	const q = `INSERT INTO calendar_connections (id, account_id, external_calendar_id, display_name, color, is_enabled)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (account_id, external_calendar_id) DO UPDATE SET
    display_name = EXCLUDED.display_name,
    color = EXCLUDED.color
RETURNING ` + connectionColumns + `, (xmax = 0) AS inserted`
	var inserted bool
	out, err := scanConnection(s.db.QueryRow(ctx, q, c.ID, c.AccountID, c.ExternalCalendarID, c.DisplayName, c.Color, c.IsEnabled), &inserted)
	if err != nil {
		return models.CalendarConnection{}, false, fmt.Errorf("upsert connection: %w", err)
	}
	return out, inserted, nil
}

// GetConnection loads a connection together with the workspace owning it.
func (s *Store) GetConnection(ctx context.Context, id string) (models.CalendarConnection, string, error) {
	defer observeDB(ctx, "db.get_connection")()
	const q = `SELECT c.id, c.account_id, c.external_calendar_id, c.display_name, c.color, c.is_enabled, c.sync_status, c.last_error, c.last_attempt_at, a.ws_id
FROM calendar_connections c JOIN calendar_accounts a ON a.id = c.account_id
WHERE c.id = $1`
	var wsID string
	c, err := scanConnection(s.db.QueryRow(ctx, q, id), &wsID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CalendarConnection{}, "", ErrNotFound
	}
	if err != nil {
		return models.CalendarConnection{}, "", fmt.Errorf("get connection %s: %w", id, err)
	}
	return c, wsID, nil
}

// ListConnections returns all connections of an account, enabled or not.
func (s *Store) ListConnections(ctx context.Context, accountID string) ([]models.CalendarConnection, error) {
	defer observeDB(ctx, "db.list_connections")()
	rows, err := s.db.Query(ctx, `SELECT `+connectionColumns+` FROM calendar_connections
WHERE account_id = $1 ORDER BY display_name, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	conns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CalendarConnection, error) {
		return scanConnection(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

// SetConnectionEnabled flips the visibility flag only; cursors and events are untouched.
func (s *Store) SetConnectionEnabled(ctx context.Context, id string, enabled bool) error {
	defer observeDB(ctx, "db.set_connection_enabled")()
	tag, err := s.db.Exec(ctx, `UPDATE calendar_connections SET is_enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set connection %s enabled: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordConnectionStatus stores the outcome of the latest sync attempt.
func (s *Store) RecordConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, lastErr string, at time.Time) error {
	defer observeDB(ctx, "db.record_connection_status")()
	const q = `UPDATE calendar_connections SET sync_status = $2, last_error = $3, last_attempt_at = $4 WHERE id = $1`
	if _, err := s.db.Exec(ctx, q, id, string(status), lastErr, at.UTC()); err != nil {
		return fmt.Errorf("record connection %s status: %w", id, err)
	}
	return nil
}

// ListSyncTargets returns the enabled connections of active accounts in a
// workspace. A non-empty providers list restricts the result to those providers.
func (s *Store) ListSyncTargets(ctx context.Context, wsID string, providers []models.Provider) ([]models.SyncTarget, error) {
	defer observeDB(ctx, "db.list_sync_targets")()
	const q = `SELECT a.id, a.ws_id, a.user_id, a.provider, a.access_token, a.refresh_token, a.expires_at, a.account_email, a.is_active, a.created_at,
    c.id, c.account_id, c.external_calendar_id, c.display_name, c.color, c.is_enabled, c.sync_status, c.last_error, c.last_attempt_at
FROM calendar_connections c JOIN calendar_accounts a ON a.id = c.account_id
WHERE a.ws_id = $1 AND a.is_active AND c.is_enabled AND ($2::text[] IS NULL OR a.provider = ANY($2))
ORDER BY a.id, c.id`
	rows, err := s.db.Query(ctx, q, wsID, providerNames(providers))
	if err != nil {
		return nil, fmt.Errorf("list sync targets: %w", err)
	}
	targets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SyncTarget, error) {
		var (
			t         models.SyncTarget
			provider  string
			access    string
			refresh   string
			expiresAt *time.Time
			status    string
		)
		a := &t.Account
		c := &t.Connection
		if err := row.Scan(&a.ID, &a.WsID, &a.UserID, &provider, &access, &refresh, &expiresAt, &a.AccountEmail, &a.IsActive, &a.CreatedAt,
			&c.ID, &c.AccountID, &c.ExternalCalendarID, &c.DisplayName, &c.Color, &c.IsEnabled, &status, &c.LastError, &c.LastAttemptAt); err != nil {
			return t, err
		}
		a.Provider = models.Provider(provider)
		a.ExpiresAt = derefTime(expiresAt)
		c.SyncStatus = models.ConnectionStatus(status)
		var err error
		if a.AccessToken, err = s.cipher.Open(access); err != nil {
			return t, err
		}
		if a.RefreshToken, err = s.cipher.Open(refresh); err != nil {
			return t, err
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sync targets: %w", err)
	}
	return targets, nil
}

// EligibleWorkspaces lists workspaces with at least one active account that
// has an enabled connection, optionally restricted to providers.
func (s *Store) EligibleWorkspaces(ctx context.Context, providers []models.Provider) ([]string, error) {
	defer observeDB(ctx, "db.eligible_workspaces")()
	const q = `SELECT DISTINCT a.ws_id
FROM calendar_accounts a JOIN calendar_connections c ON c.account_id = a.id
WHERE a.is_active AND c.is_enabled AND ($1::text[] IS NULL OR a.provider = ANY($1))
ORDER BY a.ws_id`
	rows, err := s.db.Query(ctx, q, providerNames(providers))
	if err != nil {
		return nil, fmt.Errorf("eligible workspaces: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("eligible workspaces: %w", err)
	}
	return ids, nil
}

// providerNames maps an empty filter to NULL.
func providerNames(providers []models.Provider) []string {
	if len(providers) == 0 {
		return nil
	}
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = string(p)
	}
	return out
}
