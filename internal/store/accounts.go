package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/oauth2"

	"calsync/internal/models"
)

const accountColumns = `id, ws_id, user_id, provider, access_token, refresh_token, expires_at, account_email, is_active, created_at`

func (s *Store) scanAccount(row scanner) (models.CalendarAccount, error) {
	var (
		a         models.CalendarAccount
		provider  string
		access    string
		refresh   string
		expiresAt *time.Time
	)
	if err := row.Scan(&a.ID, &a.WsID, &a.UserID, &provider, &access, &refresh, &expiresAt, &a.AccountEmail, &a.IsActive, &a.CreatedAt); err != nil {
		return a, err
	}
	a.Provider = models.Provider(provider)
	a.ExpiresAt = derefTime(expiresAt)

	var err error
	if a.AccessToken, err = s.cipher.Open(access); err != nil {
		return a, fmt.Errorf("account %s access token: %w", a.ID, err)
	}
	if a.RefreshToken, err = s.cipher.Open(refresh); err != nil {
		return a, fmt.Errorf("account %s refresh token: %w", a.ID, err)
	}
	return a, nil
}

// CreateAccount stores a freshly authorized account. Re-authorizing the same
// (workspace, user, provider, email) reactivates and updates the existing row;
// when that row had been disconnected its connections are enabled again.
func (s *Store) CreateAccount(ctx context.Context, a models.CalendarAccount) (models.CalendarAccount, error) {
	defer observeDB(ctx, "db.create_account")()
	if !a.Provider.Valid() {
		return models.CalendarAccount{}, fmt.Errorf("unknown provider %q", a.Provider)
	}
	access, err := s.cipher.Seal(a.AccessToken)
	if err != nil {
		return models.CalendarAccount{}, err
	}
	refresh, err := s.cipher.Seal(a.RefreshToken)
	if err != nil {
		return models.CalendarAccount{}, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	const q = `WITH previous AS (
    SELECT is_active FROM calendar_accounts
    WHERE ws_id = $2 AND user_id = $3 AND provider = $4 AND account_email = $8
), account AS (
    INSERT INTO calendar_accounts (id, ws_id, user_id, provider, access_token, refresh_token, expires_at, account_email, is_active)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
    ON CONFLICT (ws_id, user_id, provider, account_email) DO UPDATE SET
        access_token = EXCLUDED.access_token,
        refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN calendar_accounts.refresh_token ELSE EXCLUDED.refresh_token END,
        expires_at = EXCLUDED.expires_at,
        is_active = TRUE,
        updated_at = NOW()
    RETURNING ` + accountColumns + `
), reenabled AS (
    UPDATE calendar_connections SET is_enabled = TRUE
    WHERE account_id IN (SELECT id FROM account)
        AND EXISTS (SELECT 1 FROM previous WHERE NOT is_active)
)
SELECT ` + accountColumns + ` FROM account`
	row := s.db.QueryRow(ctx, q, a.ID, a.WsID, a.UserID, string(a.Provider), access, refresh, nullTime(a.ExpiresAt), a.AccountEmail)
	out, err := s.scanAccount(row)
	if err != nil {
		return models.CalendarAccount{}, fmt.Errorf("create account: %w", err)
	}
	return out, nil
}

// GetAccount loads one account regardless of its active flag.
func (s *Store) GetAccount(ctx context.Context, id string) (models.CalendarAccount, error) {
	defer observeDB(ctx, "db.get_account")()
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM calendar_accounts WHERE id = $1`, id)
	a, err := s.scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CalendarAccount{}, ErrNotFound
	}
	if err != nil {
		return models.CalendarAccount{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

// ListAccounts returns the active accounts of a workspace.
func (s *Store) ListAccounts(ctx context.Context, wsID string) ([]models.CalendarAccount, error) {
	defer observeDB(ctx, "db.list_accounts")()
	rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM calendar_accounts
WHERE ws_id = $1 AND is_active ORDER BY provider, account_email, id`, wsID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CalendarAccount, error) {
		return s.scanAccount(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// UpdateTokens persists a refreshed token pair if the stored refresh token
// still equals prevRefresh. It returns ErrTokenConflict otherwise.
func (s *Store) UpdateTokens(ctx context.Context, accountID, prevRefresh string, tok *oauth2.Token) error {
	defer observeDB(ctx, "db.update_tokens")()
	access, err := s.cipher.Seal(tok.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.cipher.Seal(tok.RefreshToken)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var stored string
		err := tx.QueryRow(ctx, `SELECT refresh_token FROM calendar_accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock account %s: %w", accountID, err)
		}
		current, err := s.cipher.Open(stored)
		if err != nil {
			return err
		}
		if current != prevRefresh {
			return ErrTokenConflict
		}
		const q = `UPDATE calendar_accounts SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = NOW() WHERE id = $1`
		if _, err := tx.Exec(ctx, q, accountID, access, refresh, nullTime(tok.Expiry)); err != nil {
			return fmt.Errorf("update tokens %s: %w", accountID, err)
		}
		return nil
	})
}

// DeactivateAccount marks an account inactive after irrecoverable auth failure.
func (s *Store) DeactivateAccount(ctx context.Context, accountID string) error {
	defer observeDB(ctx, "db.deactivate_account")()
	tag, err := s.db.Exec(ctx, `UPDATE calendar_accounts SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("deactivate account %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DisconnectAccount deactivates an account of wsID and disables all of its
// connections in one transaction. Events are kept.
func (s *Store) DisconnectAccount(ctx context.Context, wsID, accountID string) error {
	defer observeDB(ctx, "db.disconnect_account")()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE calendar_accounts SET is_active = FALSE, updated_at = NOW() WHERE id = $1 AND ws_id = $2`, accountID, wsID)
		if err != nil {
			return fmt.Errorf("disconnect account %s: %w", accountID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `UPDATE calendar_connections SET is_enabled = FALSE WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("disable connections of %s: %w", accountID, err)
		}
		return nil
	})
}
