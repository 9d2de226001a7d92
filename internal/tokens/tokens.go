// Package tokens hands out valid provider access tokens, refreshing them at
// most once per account at a time.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"calsync/internal/metrics"
	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/store"
)

// AccountStore is the persistence the token store needs.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (models.CalendarAccount, error)
	UpdateTokens(ctx context.Context, accountID, prevRefresh string, tok *oauth2.Token) error
	DeactivateAccount(ctx context.Context, accountID string) error
}

// Store is the token store.
type Store struct {
	accounts AccountStore
	adapters provider.Set
	margin   time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time
}

// New creates a token store. Tokens expiring within margin are refreshed.
func New(logger *slog.Logger, accounts AccountStore, adapters provider.Set, margin, timeout time.Duration) *Store {
	return &Store{
		accounts: accounts,
		adapters: adapters,
		margin:   margin,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// GetValidToken returns the account's access token, refreshing it first when
// it is within the safety margin of expiry. A revoked grant deactivates the
// account and yields an error matching provider.ErrAuthRevoked.
func (s *Store) GetValidToken(ctx context.Context, account models.CalendarAccount) (*oauth2.Token, error) {
	if !account.IsActive {
		return nil, provider.NewError(account.Provider, provider.KindAuthRevoked, 0, fmt.Errorf("account %s is inactive", account.ID))
	}
	if s.fresh(account) {
		return provider.Token(account), nil
	}
	return s.refresh(ctx, account, "")
}

// ForceRefresh refreshes even though the token looks valid, e.g. after the
// provider answered 401. rejected is the access token that was refused; if
// another caller already replaced it, the newer token is returned instead.
func (s *Store) ForceRefresh(ctx context.Context, account models.CalendarAccount, rejected string) (*oauth2.Token, error) {
	if !account.IsActive {
		return nil, provider.NewError(account.Provider, provider.KindAuthRevoked, 0, fmt.Errorf("account %s is inactive", account.ID))
	}
	if rejected == "" {
		rejected = account.AccessToken
	}
	return s.refresh(ctx, account, rejected)
}

// Invalidate marks the account inactive; it will not be synced until re-authorized.
func (s *Store) Invalidate(ctx context.Context, accountID string) error {
	return s.accounts.DeactivateAccount(ctx, accountID)
}

func (s *Store) fresh(a models.CalendarAccount) bool {
	if a.AccessToken == "" {
		return false
	}
	// Credentials without an expiry (CalDAV app passwords) never need a refresh.
	return a.ExpiresAt.IsZero() || a.ExpiresAt.Sub(s.now()) > s.margin
}

func (s *Store) refresh(ctx context.Context, account models.CalendarAccount, rejected string) (*oauth2.Token, error) {
	ch := s.group.DoChan(account.ID, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others sharing the flight.
		fctx := context.WithoutCancel(ctx)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, s.timeout)
			defer cancel()
		}
		return s.doRefresh(fctx, account.ID, rejected)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

func (s *Store) doRefresh(ctx context.Context, accountID, rejected string) (*oauth2.Token, error) {
	current, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("reload account %s: %w", accountID, err)
	}
	if !current.IsActive {
		return nil, provider.NewError(current.Provider, provider.KindAuthRevoked, 0, fmt.Errorf("account %s is inactive", accountID))
	}
	// Someone else (another tier or instance) may have refreshed already.
	if s.fresh(current) && (rejected == "" || current.AccessToken != rejected) {
		return provider.Token(current), nil
	}

	adapter, err := s.adapters.Get(current.Provider)
	if err != nil {
		return nil, err
	}
	tok, err := adapter.RefreshToken(ctx, current)
	if err != nil {
		if errors.Is(err, provider.ErrAuthRevoked) {
			metrics.ObserveTokenRefresh(string(current.Provider), "revoked")
			s.logger.Warn("Refresh token revoked, deactivating account", "accountID", accountID, "provider", current.Provider, "error", err)
			if derr := s.accounts.DeactivateAccount(ctx, accountID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
				s.logger.Error("Failed to deactivate account", "accountID", accountID, "error", derr)
			}
			return nil, err
		}
		metrics.ObserveTokenRefresh(string(current.Provider), "error")
		return nil, fmt.Errorf("refresh token for account %s: %w", accountID, err)
	}

	if err := s.accounts.UpdateTokens(ctx, accountID, current.RefreshToken, tok); err != nil {
		if !errors.Is(err, store.ErrTokenConflict) {
			metrics.ObserveTokenRefresh(string(current.Provider), "error")
			return nil, fmt.Errorf("persist refreshed token for account %s: %w", accountID, err)
		}
		// Lost the race to another instance; use what it stored.
		winner, gerr := s.accounts.GetAccount(ctx, accountID)
		if gerr != nil {
			return nil, fmt.Errorf("reload account %s after conflict: %w", accountID, gerr)
		}
		metrics.ObserveTokenRefresh(string(current.Provider), "conflict")
		return provider.Token(winner), nil
	}

	metrics.ObserveTokenRefresh(string(current.Provider), "ok")
	s.logger.Debug("Refreshed access token", "accountID", accountID, "provider", current.Provider, "expiresAt", tok.Expiry)
	return tok, nil
}
