package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"calsync/internal/models"
	"calsync/internal/provider"
)

// DefaultEndpoint is iCloud's CalDAV root.
const DefaultEndpoint = "https://caldav.icloud.com/"

// authTransport adds Basic Auth and remembers the last failing status code,
// since go-webdav does not expose it on returned errors.
type authTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper

	mu         sync.Mutex
	status     int
	retryAfter string
}

// RoundTrip adds required headers and authentication to each request.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "calsync/1.0")
	resp, err := t.Transport.RoundTrip(req)
	if err == nil && resp.StatusCode >= 400 {
		t.mu.Lock()
		t.status = resp.StatusCode
		t.retryAfter = resp.Header.Get("Retry-After")
		t.mu.Unlock()
	}
	return resp, err
}

func (t *authTransport) lastFailure() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.retryAfter
}

// Adapter reads calendars from a CalDAV server. The account's email is the
// username and the stored access token is an app-specific password.
type Adapter struct {
	endpoint string
	limiter  *rate.Limiter
	base     http.RoundTripper
	logger   *slog.Logger
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithTransport sets the base HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) { a.base = rt }
}

// NewAdapter creates a CalDAV adapter rooted at endpoint.
func NewAdapter(logger *slog.Logger, endpoint string, limiter *rate.Limiter, opts ...Option) *Adapter {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	a := &Adapter{endpoint: endpoint, limiter: limiter, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Provider() models.Provider { return models.ProviderCalDAV }

// SupportsDelta is false: every sync is a full window query.
func (a *Adapter) SupportsDelta() bool { return false }

func (a *Adapter) client(account models.CalendarAccount, token *oauth2.Token) (*caldav.Client, *authTransport, error) {
	password := account.AccessToken
	if token != nil && token.AccessToken != "" {
		password = token.AccessToken
	}
	transport := &authTransport{
		Username:  account.AccountEmail,
		Password:  password,
		Transport: &provider.LimitedTransport{Limiter: a.limiter, Base: a.base},
	}
	c, err := caldav.NewClient(&http.Client{Transport: transport}, a.endpoint)
	if err != nil {
		return nil, nil, provider.NewError(models.ProviderCalDAV, provider.KindMalformed, 0, fmt.Errorf("failed to create caldav client: %w", err))
	}
	return c, transport, nil
}

// ListCalendars walks principal, home set and calendar collections.
func (a *Adapter) ListCalendars(ctx context.Context, account models.CalendarAccount, token *oauth2.Token) ([]models.RemoteCalendar, error) {
	c, rt, err := a.client(account, token)
	if err != nil {
		return nil, err
	}

	principalPath, err := c.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, a.classify(rt, fmt.Errorf("failed to find principal path: %w", err))
	}
	homeSetPath, err := c.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, a.classify(rt, fmt.Errorf("failed to find calendar home set: %w", err))
	}
	calendars, err := c.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, a.classify(rt, fmt.Errorf("failed to find calendars: %w", err))
	}

	out := make([]models.RemoteCalendar, 0, len(calendars))
	for _, cal := range calendars {
		if !supportsEvents(cal.SupportedComponentSet) {
			continue
		}
		out = append(out, models.RemoteCalendar{ExternalID: cal.Path, Name: cal.Name})
	}
	return out, nil
}

func supportsEvents(set []string) bool {
	if len(set) == 0 {
		return true
	}
	for _, comp := range set {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// ListEventsDelta is not available over plain CalDAV.
func (a *Adapter) ListEventsDelta(ctx context.Context, account models.CalendarAccount, token *oauth2.Token, conn models.CalendarConnection, cursor string) (provider.DeltaPage, error) {
	return provider.DeltaPage{}, provider.NewError(models.ProviderCalDAV, provider.KindCursorExpired, 0, errors.New("caldav has no delta sync"))
}

// ListEventsFull runs a calendar-query REPORT with a VEVENT time-range filter.
// The server answers in one response, so there is never a next page.
func (a *Adapter) ListEventsFull(ctx context.Context, account models.CalendarAccount, token *oauth2.Token, conn models.CalendarConnection, windowStart, windowEnd time.Time, pageToken string) (provider.FullPage, error) {
	c, rt, err := a.client(account, token)
	if err != nil {
		return provider.FullPage{}, err
	}
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: windowStart.UTC(),
				End:   windowEnd.UTC(),
			}},
		},
	}
	objects, err := c.QueryCalendar(ctx, conn.ExternalCalendarID, query)
	if err != nil {
		return provider.FullPage{}, a.classify(rt, fmt.Errorf("calendar query failed: %w", err))
	}

	var page provider.FullPage
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ve := range obj.Data.Events() {
			ev, err := fromICal(ve, obj.ModTime)
			if err != nil {
				a.logger.Warn("Skipping malformed CalDAV event", "calendar", conn.ExternalCalendarID, "path", obj.Path, "error", err)
				if id, err := eventID(ve); err == nil {
					page.Skipped = append(page.Skipped, id)
				}
				continue
			}
			if ev.Deleted {
				continue
			}
			page.Events = append(page.Events, ev)
		}
	}
	return page, nil
}

// RefreshToken returns the stored password unchanged; app passwords do not expire.
func (a *Adapter) RefreshToken(ctx context.Context, account models.CalendarAccount) (*oauth2.Token, error) {
	if account.AccessToken == "" {
		return nil, provider.NewError(models.ProviderCalDAV, provider.KindAuthRevoked, 0, errors.New("no app password stored"))
	}
	return &oauth2.Token{AccessToken: account.AccessToken, TokenType: "Basic"}, nil
}

func (a *Adapter) classify(rt *authTransport, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	status, retryAfter := rt.lastFailure()
	if status == 0 {
		return provider.NewError(models.ProviderCalDAV, provider.KindTransient, 0, err)
	}
	kind := provider.ClassifyStatus(status)
	// Basic auth has nothing to refresh, so a rejected password is a revocation.
	if kind == provider.KindAuthExpired || status == http.StatusForbidden {
		kind = provider.KindAuthRevoked
	}
	pe := provider.NewError(models.ProviderCalDAV, kind, status, err)
	if kind == provider.KindRateLimited || kind == provider.KindTransient {
		pe.RetryAfter = provider.ParseRetryAfter(retryAfter, time.Now())
	}
	return pe
}

// fromICal converts a VEVENT. Overrides of a recurring series are keyed by
// UID and RECURRENCE-ID so they do not collide with the master.
// eventID keys an occurrence by UID, plus RECURRENCE-ID for overrides.
func eventID(ve ical.Event) (string, error) {
	uid, err := ve.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return "", errors.New("missing UID")
	}
	if rid := ve.Props.Get(ical.PropRecurrenceID); rid != nil {
		return uid + "/" + rid.Value, nil
	}
	return uid, nil
}

func fromICal(ve ical.Event, modTime time.Time) (models.RemoteEvent, error) {
	id, err := eventID(ve)
	if err != nil {
		return models.RemoteEvent{}, err
	}

	ev := models.RemoteEvent{ExternalID: id}
	ev.Title, _ = ve.Props.Text(ical.PropSummary)
	ev.Description, _ = ve.Props.Text(ical.PropDescription)
	ev.Location, _ = ve.Props.Text(ical.PropLocation)

	if status, _ := ve.Props.Text(ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
		ev.Deleted = true
	}

	start, err := ve.DateTimeStart(time.UTC)
	if err != nil {
		return models.RemoteEvent{}, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := ve.DateTimeEnd(time.UTC)
	if err != nil {
		return models.RemoteEvent{}, fmt.Errorf("DTEND: %w", err)
	}
	if end.IsZero() {
		end = start
	}
	if p := ve.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
		ev.AllDay = true
		if end.Equal(start) {
			end = start.AddDate(0, 0, 1)
		}
	}
	ev.Start, ev.End = start.UTC(), end.UTC()

	switch {
	case ve.Props.Get(ical.PropLastModified) != nil:
		if t, err := ve.Props.DateTime(ical.PropLastModified, time.UTC); err == nil {
			ev.UpdatedAt = t.UTC()
		}
	case ve.Props.Get(ical.PropDateTimeStamp) != nil:
		if t, err := ve.Props.DateTime(ical.PropDateTimeStamp, time.UTC); err == nil {
			ev.UpdatedAt = t.UTC()
		}
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = modTime.UTC()
	}
	return ev, nil
}

var _ provider.Adapter = (*Adapter)(nil)
