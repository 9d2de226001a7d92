package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"golang.org/x/oauth2"

	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/provider/providertest"
	"calsync/internal/store"
	"calsync/internal/store/memstore"
)

type staticTokens struct{ err error }

func (s staticTokens) GetValidToken(ctx context.Context, account models.CalendarAccount) (*oauth2.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &oauth2.Token{AccessToken: account.AccessToken}, nil
}

func newRegistry(t *testing.T, fake *providertest.Fake, tokens TokenSource) (*Registry, *memstore.Memory) {
	t.Helper()
	mem := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, mem, tokens, provider.NewSet(fake)), mem
}

func seedAccount(t *testing.T, mem *memstore.Memory, ws, email string) models.CalendarAccount {
	t.Helper()
	a, err := mem.CreateAccount(context.Background(), models.CalendarAccount{
		WsID: ws, UserID: "u1", Provider: models.ProviderGoogle, AccessToken: "at", RefreshToken: "rt", AccountEmail: email,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return a
}

func TestDiscoverCreatesThenUpdates(t *testing.T) {
	fake := &providertest.Fake{Name: models.ProviderGoogle, Delta: true, Calendars: []models.RemoteCalendar{
		{ExternalID: "primary", Name: "Work", Primary: true},
		{ExternalID: "holidays", Name: "Holidays"},
	}}
	reg, mem := newRegistry(t, fake, staticTokens{})
	a := seedAccount(t, mem, "ws1", "a@example.com")
	ctx := context.Background()

	res, err := reg.Discover(ctx, a.ID)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if res.Created != 2 || res.Updated != 0 {
		t.Fatalf("first discovery = %+v", res)
	}

	conns, _ := mem.ListConnections(ctx, a.ID)
	for _, c := range conns {
		if c.ExternalCalendarID == "holidays" {
			if err := reg.SetEnabled(ctx, c.ID, false); err != nil {
				t.Fatalf("disable: %v", err)
			}
		}
	}

	res, err = reg.Discover(ctx, a.ID)
	if err != nil {
		t.Fatalf("rediscover: %v", err)
	}
	if res.Created != 0 || res.Updated != 2 {
		t.Fatalf("second discovery = %+v", res)
	}
	conns, _ = mem.ListConnections(ctx, a.ID)
	if len(conns) != 2 {
		t.Fatalf("connections = %d, want 2", len(conns))
	}
	for _, c := range conns {
		if c.ExternalCalendarID == "holidays" && c.IsEnabled {
			t.Errorf("rediscovery re-enabled a disabled connection")
		}
	}
}

func TestDiscoverPropagatesTokenError(t *testing.T) {
	fake := &providertest.Fake{Name: models.ProviderGoogle}
	revoked := provider.NewError(models.ProviderGoogle, provider.KindAuthRevoked, 400, errors.New("invalid_grant"))
	reg, mem := newRegistry(t, fake, staticTokens{err: revoked})
	a := seedAccount(t, mem, "ws1", "a@example.com")

	_, err := reg.Discover(context.Background(), a.ID)
	if !errors.Is(err, provider.ErrAuthRevoked) {
		t.Fatalf("err = %v, want auth revoked", err)
	}
}

func TestListAccountsGroupsByProvider(t *testing.T) {
	fake := &providertest.Fake{Name: models.ProviderGoogle, Calendars: []models.RemoteCalendar{{ExternalID: "primary"}}}
	reg, mem := newRegistry(t, fake, staticTokens{})
	ctx := context.Background()
	b := seedAccount(t, mem, "ws1", "b@example.com")
	a := seedAccount(t, mem, "ws1", "a@example.com")
	seedAccount(t, mem, "ws2", "other@example.com")
	if _, err := reg.Discover(ctx, a.ID); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, err := mem.CreateAccount(ctx, models.CalendarAccount{WsID: "ws1", UserID: "u2", Provider: models.ProviderMicrosoft, AccountEmail: "ms@example.com"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := reg.ListAccounts(ctx, "ws1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	google := got[models.ProviderGoogle]
	if len(google) != 2 || google[0].Account.ID != a.ID || google[1].Account.ID != b.ID {
		t.Fatalf("google accounts = %+v", google)
	}
	if len(google[0].Connections) != 1 {
		t.Errorf("connections = %d, want 1", len(google[0].Connections))
	}
	if len(got[models.ProviderMicrosoft]) != 1 {
		t.Errorf("microsoft accounts = %d, want 1", len(got[models.ProviderMicrosoft]))
	}
}

func TestDisconnectAccountHidesAndDisables(t *testing.T) {
	fake := &providertest.Fake{Name: models.ProviderGoogle, Calendars: []models.RemoteCalendar{{ExternalID: "primary"}}}
	reg, mem := newRegistry(t, fake, staticTokens{})
	ctx := context.Background()
	a := seedAccount(t, mem, "ws1", "a@example.com")
	if _, err := reg.Discover(ctx, a.ID); err != nil {
		t.Fatalf("discover: %v", err)
	}

	if err := reg.DisconnectAccount(ctx, "ws2", a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign workspace err = %v, want not found", err)
	}
	if err := reg.DisconnectAccount(ctx, "ws1", a.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	got, _ := reg.ListAccounts(ctx, "ws1")
	if len(got) != 0 {
		t.Errorf("disconnected account still listed: %+v", got)
	}
	conns, _ := mem.ListConnections(ctx, a.ID)
	if len(conns) != 1 || conns[0].IsEnabled {
		t.Errorf("connection should be kept but disabled: %+v", conns)
	}
	targets, _ := mem.ListSyncTargets(ctx, "ws1", nil)
	if len(targets) != 0 {
		t.Errorf("sync targets = %d, want 0", len(targets))
	}
}

func TestReauthorizeReenablesConnections(t *testing.T) {
	fake := &providertest.Fake{Name: models.ProviderGoogle, Calendars: []models.RemoteCalendar{{ExternalID: "primary"}}}
	reg, mem := newRegistry(t, fake, staticTokens{})
	ctx := context.Background()
	a := seedAccount(t, mem, "ws1", "a@example.com")
	if _, err := reg.Discover(ctx, a.ID); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if err := reg.DisconnectAccount(ctx, "ws1", a.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	again := seedAccount(t, mem, "ws1", "a@example.com")
	if again.ID != a.ID || !again.IsActive {
		t.Fatalf("reauthorized account = %+v", again)
	}
	if _, err := reg.Discover(ctx, again.ID); err != nil {
		t.Fatalf("rediscover: %v", err)
	}
	targets, _ := mem.ListSyncTargets(ctx, "ws1", nil)
	if len(targets) != 1 {
		t.Fatalf("sync targets = %d, want 1", len(targets))
	}

	// Re-authorizing an active account leaves a connection the user disabled alone.
	conns, _ := mem.ListConnections(ctx, a.ID)
	if err := mem.SetConnectionEnabled(ctx, conns[0].ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	seedAccount(t, mem, "ws1", "a@example.com")
	conns, _ = mem.ListConnections(ctx, a.ID)
	if conns[0].IsEnabled {
		t.Errorf("connection re-enabled for an already active account")
	}
}

func TestConnectionWorkspace(t *testing.T) {
	fake := &providertest.Fake{Name: models.ProviderGoogle, Calendars: []models.RemoteCalendar{{ExternalID: "primary"}}}
	reg, mem := newRegistry(t, fake, staticTokens{})
	ctx := context.Background()
	a := seedAccount(t, mem, "ws9", "a@example.com")
	if _, err := reg.Discover(ctx, a.ID); err != nil {
		t.Fatalf("discover: %v", err)
	}
	conns, _ := mem.ListConnections(ctx, a.ID)

	ws, err := reg.ConnectionWorkspace(ctx, conns[0].ID)
	if err != nil || ws != "ws9" {
		t.Fatalf("workspace = %q, %v", ws, err)
	}
	if _, err := reg.ConnectionWorkspace(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing connection err = %v", err)
	}
	if err := reg.SetEnabled(ctx, "missing", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("set enabled on missing err = %v", err)
	}
}
