// Package provider defines the contract every external calendar integration
// implements. Adapters absorb provider quirks (all-day encoding, recurrence
// expansion, time zones) and hand back models.RemoteEvent values only.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"calsync/internal/models"
)

// DeltaPage is one page of an incremental fetch.
type DeltaPage struct {
	Events []models.RemoteEvent
	// Next is passed back to ListEventsDelta while HasMore is true. On the
	// last page it is the cursor to persist for the next run.
	Next    string
	HasMore bool
}

// FullPage is one page of a time-bounded fetch.
type FullPage struct {
	Events []models.RemoteEvent
	// NextPage continues the same fetch; empty on the last page.
	NextPage string
	// SyncToken is set on the last page when the provider issues a delta cursor.
	SyncToken string
	// Skipped lists IDs of items dropped as malformed. They still exist
	// remotely and must not be treated as missing.
	Skipped []string
}

// Adapter is implemented once per provider.
type Adapter interface {
	Provider() models.Provider
	// SupportsDelta reports whether ListEventsDelta is available.
	SupportsDelta() bool
	ListCalendars(ctx context.Context, account models.CalendarAccount, token *oauth2.Token) ([]models.RemoteCalendar, error)
	ListEventsDelta(ctx context.Context, account models.CalendarAccount, token *oauth2.Token, conn models.CalendarConnection, cursor string) (DeltaPage, error)
	ListEventsFull(ctx context.Context, account models.CalendarAccount, token *oauth2.Token, conn models.CalendarConnection, windowStart, windowEnd time.Time, pageToken string) (FullPage, error)
	RefreshToken(ctx context.Context, account models.CalendarAccount) (*oauth2.Token, error)
}

// Set resolves adapters by provider.
type Set map[models.Provider]Adapter

// NewSet indexes adapters by their provider.
func NewSet(adapters ...Adapter) Set {
	s := make(Set, len(adapters))
	for _, a := range adapters {
		s[a.Provider()] = a
	}
	return s
}

// Get returns the adapter for p.
func (s Set) Get(p models.Provider) (Adapter, error) {
	a, ok := s[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", p)
	}
	return a, nil
}

// DeltaProviders lists the providers that support incremental sync.
func (s Set) DeltaProviders() []models.Provider {
	var out []models.Provider
	for p, a := range s {
		if a.SupportsDelta() {
			out = append(out, p)
		}
	}
	return out
}

// DeltaWindowBound reports whether a's delta cursors only cover the time
// window of the full fetch that issued them. Such cursors have to be
// re-seeded as that window ages.
func DeltaWindowBound(a Adapter) bool {
	w, ok := a.(interface{ DeltaWindowBound() bool })
	return ok && w.DeltaWindowBound()
}

// Token converts stored credentials into an oauth2 token.
func Token(account models.CalendarAccount) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       account.ExpiresAt,
	}
}

// RefreshWithConfig exchanges the account's refresh token for a new access token.
func RefreshWithConfig(ctx context.Context, p models.Provider, cfg *oauth2.Config, account models.CalendarAccount) (*oauth2.Token, error) {
	if account.RefreshToken == "" {
		return nil, NewError(p, KindAuthRevoked, 0, fmt.Errorf("account %s has no refresh token", account.ID))
	}
	// An already expired token forces the token source to hit the token endpoint.
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, ClassifyRefreshError(p, err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = account.RefreshToken
	}
	return tok, nil
}

// LimitedTransport throttles outbound provider calls.
type LimitedTransport struct {
	Limiter *rate.Limiter
	Base    http.RoundTripper
}

// RoundTrip waits for the limiter before delegating.
func (t *LimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewLimiter builds the per-provider limiter. rps <= 0 disables throttling.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// AuthorizedClient returns an HTTP client that presents token on every request
// without refreshing it; refresh is owned by the token store.
func AuthorizedClient(ctx context.Context, limiter *rate.Limiter, base http.RoundTripper, token *oauth2.Token) *http.Client {
	transport := &LimitedTransport{Limiter: limiter, Base: base}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: transport})
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
}
