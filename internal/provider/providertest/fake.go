// Package providertest provides a scriptable provider.Adapter for tests.
package providertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"calsync/internal/models"
	"calsync/internal/provider"
)

// Fake is an in-memory adapter. Nil funcs fail with provider.ErrMalformed.
type Fake struct {
	Name  models.Provider
	Delta bool
	// WindowBound makes the fake report window-bound delta cursors.
	WindowBound bool

	// Authorize, when set, vets the access token of every list call.
	Authorize func(token *oauth2.Token) error

	Calendars   []models.RemoteCalendar
	DeltaFunc   func(conn models.CalendarConnection, cursor string) (provider.DeltaPage, error)
	FullFunc    func(conn models.CalendarConnection, start, end time.Time, pageToken string) (provider.FullPage, error)
	RefreshFunc func(account models.CalendarAccount) (*oauth2.Token, error)

	mu           sync.Mutex
	refreshCalls int
	deltaCalls   []string
	fullCalls    []string
}

var errNotScripted = provider.NewError("fake", provider.KindMalformed, 0, errors.New("call not scripted"))

func (f *Fake) Provider() models.Provider { return f.Name }

func (f *Fake) SupportsDelta() bool { return f.Delta }

func (f *Fake) DeltaWindowBound() bool { return f.WindowBound }

func (f *Fake) authorize(token *oauth2.Token) error {
	if f.Authorize == nil {
		return nil
	}
	return f.Authorize(token)
}

func (f *Fake) ListCalendars(ctx context.Context, account models.CalendarAccount, token *oauth2.Token) ([]models.RemoteCalendar, error) {
	return f.Calendars, nil
}

func (f *Fake) ListEventsDelta(ctx context.Context, account models.CalendarAccount, token *oauth2.Token, conn models.CalendarConnection, cursor string) (provider.DeltaPage, error) {
	f.mu.Lock()
	f.deltaCalls = append(f.deltaCalls, conn.ID+"@"+cursor)
	fn := f.DeltaFunc
	f.mu.Unlock()
	if err := f.authorize(token); err != nil {
		return provider.DeltaPage{}, err
	}
	if fn == nil {
		return provider.DeltaPage{}, errNotScripted
	}
	return fn(conn, cursor)
}

func (f *Fake) ListEventsFull(ctx context.Context, account models.CalendarAccount, token *oauth2.Token, conn models.CalendarConnection, start, end time.Time, pageToken string) (provider.FullPage, error) {
	f.mu.Lock()
	f.fullCalls = append(f.fullCalls, conn.ID+"@"+pageToken)
	fn := f.FullFunc
	f.mu.Unlock()
	if err := f.authorize(token); err != nil {
		return provider.FullPage{}, err
	}
	if fn == nil {
		return provider.FullPage{}, errNotScripted
	}
	return fn(conn, start, end, pageToken)
}

func (f *Fake) RefreshToken(ctx context.Context, account models.CalendarAccount) (*oauth2.Token, error) {
	f.mu.Lock()
	f.refreshCalls++
	fn := f.RefreshFunc
	f.mu.Unlock()
	if fn == nil {
		return nil, errNotScripted
	}
	return fn(account)
}

// RefreshCalls reports how many times RefreshToken ran.
func (f *Fake) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

// DeltaCalls returns "connectionID@cursor" for every delta request.
func (f *Fake) DeltaCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deltaCalls...)
}

// FullCalls returns "connectionID@pageToken" for every full request.
func (f *Fake) FullCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fullCalls...)
}

var _ provider.Adapter = (*Fake)(nil)
