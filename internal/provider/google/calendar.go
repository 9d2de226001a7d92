package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calsync/internal/models"
	"calsync/internal/provider"
)

const (
	pageSize  = 250
	dateOnly  = "2006-01-02"
	rateLimit = "rateLimitExceeded"
)

// Adapter talks to the Google Calendar API.
type Adapter struct {
	oauth    *oauth2.Config
	limiter  *rate.Limiter
	base     http.RoundTripper
	endpoint string
	logger   *slog.Logger
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithEndpoint points the adapter at a different API root, used by tests.
func WithEndpoint(endpoint string) Option {
	return func(a *Adapter) { a.endpoint = endpoint }
}

// WithTransport sets the base HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) { a.base = rt }
}

// NewAdapter creates a Google Calendar adapter.
func NewAdapter(logger *slog.Logger, cfg *oauth2.Config, limiter *rate.Limiter, opts ...Option) *Adapter {
	a := &Adapter{oauth: cfg, limiter: limiter, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OAuthConfig returns the OAuth2 config used for the consent flow and refreshes.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{calendar.CalendarReadonlyScope},
		Endpoint:     googleoauth.Endpoint,
	}
}

func (a *Adapter) Provider() models.Provider { return models.ProviderGoogle }

func (a *Adapter) SupportsDelta() bool { return true }

func (a *Adapter) service(ctx context.Context, token *oauth2.Token) (*calendar.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(provider.AuthorizedClient(ctx, a.limiter, a.base, token))}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// ListCalendars finds all calendars visible to the account.
func (a *Adapter) ListCalendars(ctx context.Context, account models.CalendarAccount, token *oauth2.Token) ([]models.RemoteCalendar, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}
	var out []models.RemoteCalendar
	pageToken := ""
	for {
		call := svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, classify(err)
		}
		for _, item := range list.Items {
			out = append(out, models.RemoteCalendar{
				ExternalID: item.Id,
				Name:       item.Summary,
				Color:      item.BackgroundColor,
				Primary:    item.Primary,
			})
		}
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

// ListEventsDelta fetches one page of changes since cursor.
func (a *Adapter) ListEventsDelta(ctx context.Context, account models.CalendarAccount, token *oauth2.Token, conn models.CalendarConnection, cursor string) (provider.DeltaPage, error) {
	cont, err := provider.DecodeContinuation(cursor)
	if err != nil || cont.Sync == "" {
		return provider.DeltaPage{}, provider.NewError(models.ProviderGoogle, provider.KindCursorExpired, 0, fmt.Errorf("unusable cursor for %s", conn.ExternalCalendarID))
	}
	svc, err := a.service(ctx, token)
	if err != nil {
		return provider.DeltaPage{}, err
	}
	call := svc.Events.List(conn.ExternalCalendarID).
		Context(ctx).
		SyncToken(cont.Sync).
		ShowDeleted(true).
		SingleEvents(true).
		MaxResults(pageSize)
	if cont.Page != "" {
		call = call.PageToken(cont.Page)
	}
	events, err := call.Do()
	if err != nil {
		return provider.DeltaPage{}, classify(err)
	}

	items, _ := a.toRemoteEvents(events.Items, conn.ExternalCalendarID)
	page := provider.DeltaPage{Events: items}
	if events.NextPageToken != "" {
		page.HasMore = true
		page.Next = provider.Continuation{Sync: cont.Sync, Page: events.NextPageToken}.Encode()
		return page, nil
	}
	page.Next = events.NextSyncToken
	return page, nil
}

// ListEventsFull fetches one page of every event inside the window.
func (a *Adapter) ListEventsFull(ctx context.Context, account models.CalendarAccount, token *oauth2.Token, conn models.CalendarConnection, windowStart, windowEnd time.Time, pageToken string) (provider.FullPage, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return provider.FullPage{}, err
	}
	call := svc.Events.List(conn.ExternalCalendarID).
		Context(ctx).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(windowStart.UTC().Format(time.RFC3339)).
		TimeMax(windowEnd.UTC().Format(time.RFC3339)).
		MaxResults(pageSize)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	events, err := call.Do()
	if err != nil {
		return provider.FullPage{}, classify(err)
	}
	items, skipped := a.toRemoteEvents(events.Items, conn.ExternalCalendarID)
	return provider.FullPage{
		Events:    items,
		NextPage:  events.NextPageToken,
		SyncToken: events.NextSyncToken,
		Skipped:   skipped,
	}, nil
}

// RefreshToken exchanges the stored refresh token.
func (a *Adapter) RefreshToken(ctx context.Context, account models.CalendarAccount) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: &provider.LimitedTransport{Limiter: a.limiter, Base: a.base}})
	return provider.RefreshWithConfig(ctx, models.ProviderGoogle, a.oauth, account)
}

// toRemoteEvents converts Google Calendar events to the normalized shape.
// Events that cannot be interpreted are logged and dropped; the IDs of
// dropped events are returned as skipped.
func (a *Adapter) toRemoteEvents(items []*calendar.Event, calendarID string) ([]models.RemoteEvent, []string) {
	out := make([]models.RemoteEvent, 0, len(items))
	var skipped []string
	for _, item := range items {
		ev, err := toRemoteEvent(item)
		if err != nil {
			a.logger.Warn("Skipping malformed Google event", "calendarID", calendarID, "eventID", item.Id, "error", err)
			if item.Id != "" {
				skipped = append(skipped, item.Id)
			}
			continue
		}
		out = append(out, ev)
	}
	return out, skipped
}

func toRemoteEvent(item *calendar.Event) (models.RemoteEvent, error) {
	if item.Id == "" {
		return models.RemoteEvent{}, errors.New("event has no id")
	}
	ev := models.RemoteEvent{
		ExternalID:  item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
	}
	if item.Updated != "" {
		updated, err := time.Parse(time.RFC3339, item.Updated)
		if err != nil {
			return models.RemoteEvent{}, fmt.Errorf("bad updated timestamp: %w", err)
		}
		ev.UpdatedAt = updated.UTC()
	}
	if item.Status == "cancelled" {
		// Cancelled entries in a delta feed often carry nothing but the id.
		ev.Deleted = true
		return ev, nil
	}
	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return models.RemoteEvent{}, fmt.Errorf("start: %w", err)
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		return models.RemoteEvent{}, fmt.Errorf("end: %w", err)
	}
	ev.Start, ev.End, ev.AllDay = start, end, allDay
	return ev, nil
}

// parseEventTime handles both timed (dateTime) and all-day (date) encodings.
func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	if t == nil {
		return time.Time{}, false, errors.New("missing time")
	}
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return v.UTC(), false, nil
	}
	if t.Date != "" {
		v, err := time.ParseInLocation(dateOnly, t.Date, time.UTC)
		if err != nil {
			return time.Time{}, false, err
		}
		return v, true, nil
	}
	return time.Time{}, false, errors.New("missing time")
}

// classify maps googleapi errors onto the provider taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return provider.NewError(models.ProviderGoogle, provider.KindTransient, 0, err)
	}
	kind := provider.ClassifyStatus(gerr.Code)
	if gerr.Code == http.StatusForbidden {
		for _, item := range gerr.Errors {
			if item.Reason == rateLimit || strings.HasPrefix(item.Reason, "userRateLimit") || item.Reason == "quotaExceeded" {
				kind = provider.KindRateLimited
			}
		}
	}
	pe := provider.NewError(models.ProviderGoogle, kind, gerr.Code, err)
	if kind == provider.KindRateLimited || kind == provider.KindTransient {
		pe.RetryAfter = provider.ParseRetryAfter(gerr.Header.Get("Retry-After"), time.Now())
	}
	return pe
}

var _ provider.Adapter = (*Adapter)(nil)
