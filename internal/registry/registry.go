// Package registry manages which remote calendars are linked and enabled.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/oauth2"

	"calsync/internal/models"
	"calsync/internal/provider"
)

// Store is the persistence the registry needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (models.CalendarAccount, error)
	ListAccounts(ctx context.Context, wsID string) ([]models.CalendarAccount, error)
	ListConnections(ctx context.Context, accountID string) ([]models.CalendarConnection, error)
	GetConnection(ctx context.Context, id string) (models.CalendarConnection, string, error)
	UpsertConnection(ctx context.Context, c models.CalendarConnection) (models.CalendarConnection, bool, error)
	SetConnectionEnabled(ctx context.Context, id string, enabled bool) error
	DisconnectAccount(ctx context.Context, wsID, accountID string) error
}

// TokenSource yields a usable access token for an account.
type TokenSource interface {
	GetValidToken(ctx context.Context, account models.CalendarAccount) (*oauth2.Token, error)
}

// AccountView is an account with its connections, as shown on the dashboard.
type AccountView struct {
	Account     models.CalendarAccount
	Connections []models.CalendarConnection
}

// Registry is the connection registry.
type Registry struct {
	store    Store
	tokens   TokenSource
	adapters provider.Set
	logger   *slog.Logger
}

func New(logger *slog.Logger, store Store, tokens TokenSource, adapters provider.Set) *Registry {
	return &Registry{store: store, tokens: tokens, adapters: adapters, logger: logger}
}

// SetEnabled flips a connection's flag. Cursors and events are untouched, so
// re-enabling resumes from the saved cursor.
func (r *Registry) SetEnabled(ctx context.Context, connectionID string, enabled bool) error {
	if err := r.store.SetConnectionEnabled(ctx, connectionID, enabled); err != nil {
		return err
	}
	r.logger.Info("Connection toggled", "connectionID", connectionID, "enabled", enabled)
	return nil
}

// ConnectionWorkspace returns the workspace that owns a connection.
func (r *Registry) ConnectionWorkspace(ctx context.Context, connectionID string) (string, error) {
	_, wsID, err := r.store.GetConnection(ctx, connectionID)
	return wsID, err
}

// DisconnectAccount soft-deletes the account and disables its connections.
// Local events are retained.
func (r *Registry) DisconnectAccount(ctx context.Context, wsID, accountID string) error {
	if err := r.store.DisconnectAccount(ctx, wsID, accountID); err != nil {
		return err
	}
	r.logger.Info("Account disconnected", "wsID", wsID, "accountID", accountID)
	return nil
}

// ListAccounts returns the workspace's active accounts with their connections,
// grouped by provider.
func (r *Registry) ListAccounts(ctx context.Context, wsID string) (map[models.Provider][]AccountView, error) {
	accounts, err := r.store.ListAccounts(ctx, wsID)
	if err != nil {
		return nil, err
	}
	out := make(map[models.Provider][]AccountView)
	for _, a := range accounts {
		conns, err := r.store.ListConnections(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		out[a.Provider] = append(out[a.Provider], AccountView{Account: a, Connections: conns})
	}
	for p := range out {
		views := out[p]
		sort.SliceStable(views, func(i, j int) bool { return views[i].Account.AccountEmail < views[j].Account.AccountEmail })
	}
	return out, nil
}

// DiscoverResult summarises a discovery pass.
type DiscoverResult struct {
	Created int
	Updated int
}

// Discover lists the account's remote calendars and records a connection for
// each. New connections start enabled; existing ones keep their flag.
func (r *Registry) Discover(ctx context.Context, accountID string) (DiscoverResult, error) {
	var res DiscoverResult
	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return res, err
	}
	adapter, err := r.adapters.Get(account.Provider)
	if err != nil {
		return res, err
	}
	token, err := r.tokens.GetValidToken(ctx, account)
	if err != nil {
		return res, fmt.Errorf("token for discovery: %w", err)
	}
	calendars, err := adapter.ListCalendars(ctx, account, token)
	if err != nil {
		return res, fmt.Errorf("list calendars: %w", err)
	}

	for _, cal := range calendars {
		_, created, err := r.store.UpsertConnection(ctx, models.CalendarConnection{
			AccountID:          account.ID,
			ExternalCalendarID: cal.ExternalID,
			DisplayName:        cal.Name,
			Color:              cal.Color,
			IsEnabled:          true,
		})
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	r.logger.Info("Discovered calendars", "accountID", accountID, "provider", account.Provider, "created", res.Created, "updated", res.Updated)
	return res, nil
}
