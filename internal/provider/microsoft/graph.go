package microsoft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/time/rate"

	"calsync/internal/models"
	"calsync/internal/provider"
)

const (
	graphBaseURL    = "https://graph.microsoft.com/v1.0"
	graphTimeFormat = "2006-01-02T15:04:05.9999999"
	maxPageSize     = 100
)

// Adapter talks to Microsoft Graph calendarView delta endpoints.
type Adapter struct {
	oauth   *oauth2.Config
	limiter *rate.Limiter
	base    http.RoundTripper
	baseURL string
	logger  *slog.Logger
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithBaseURL points the adapter at a different Graph root, used by tests.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimSuffix(u, "/") }
}

// WithTransport sets the base HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) { a.base = rt }
}

// NewAdapter creates a Microsoft Graph adapter.
func NewAdapter(logger *slog.Logger, cfg *oauth2.Config, limiter *rate.Limiter, opts ...Option) *Adapter {
	a := &Adapter{oauth: cfg, limiter: limiter, baseURL: graphBaseURL, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OAuthConfig returns the OAuth2 config for the given Azure AD tenant.
func OAuthConfig(clientID, clientSecret, redirectURL, tenant string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"offline_access", "Calendars.Read", "User.Read"},
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

func (a *Adapter) Provider() models.Provider { return models.ProviderMicrosoft }

func (a *Adapter) SupportsDelta() bool { return true }

// DeltaWindowBound is true: a calendarView deltaLink keeps the start and end
// dates of the round that created it.
func (a *Adapter) DeltaWindowBound() bool { return true }

type graphEvent struct {
	ID                   string `json:"id"`
	Subject              string `json:"subject"`
	BodyPreview          string `json:"bodyPreview"`
	IsAllDay             bool   `json:"isAllDay"`
	IsCancelled          bool   `json:"isCancelled"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	Start                *struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"start"`
	End *struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"end"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type eventPage struct {
	Value     []graphEvent `json:"value"`
	NextLink  string       `json:"@odata.nextLink"`
	DeltaLink string       `json:"@odata.deltaLink"`
}

// ListCalendars lists all calendars of the signed-in user.
func (a *Adapter) ListCalendars(ctx context.Context, account models.CalendarAccount, token *oauth2.Token) ([]models.RemoteCalendar, error) {
	var out []models.RemoteCalendar
	next := a.baseURL + "/me/calendars"
	for next != "" {
		var result struct {
			Value []struct {
				ID                string `json:"id"`
				Name              string `json:"name"`
				HexColor          string `json:"hexColor"`
				IsDefaultCalendar bool   `json:"isDefaultCalendar"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := a.get(ctx, token, next, &result); err != nil {
			return nil, err
		}
		for _, cal := range result.Value {
			out = append(out, models.RemoteCalendar{
				ExternalID: cal.ID,
				Name:       cal.Name,
				Color:      cal.HexColor,
				Primary:    cal.IsDefaultCalendar,
			})
		}
		next = result.NextLink
	}
	return out, nil
}

// ListEventsDelta follows a deltaLink or nextLink issued by an earlier call.
func (a *Adapter) ListEventsDelta(ctx context.Context, account models.CalendarAccount, token *oauth2.Token, conn models.CalendarConnection, cursor string) (provider.DeltaPage, error) {
	if !strings.HasPrefix(cursor, a.baseURL+"/") {
		return provider.DeltaPage{}, provider.NewError(models.ProviderMicrosoft, provider.KindCursorExpired, 0, fmt.Errorf("cursor for %s is not a Graph delta link", conn.ID))
	}
	var page eventPage
	if err := a.get(ctx, token, cursor, &page); err != nil {
		return provider.DeltaPage{}, err
	}
	events, _ := a.toRemoteEvents(page.Value, conn.ExternalCalendarID)
	out := provider.DeltaPage{Events: events}
	if page.NextLink != "" {
		out.HasMore = true
		out.Next = page.NextLink
		return out, nil
	}
	if page.DeltaLink == "" {
		return provider.DeltaPage{}, provider.NewError(models.ProviderMicrosoft, provider.KindMalformed, 0, errors.New("delta response carried neither nextLink nor deltaLink"))
	}
	out.Next = page.DeltaLink
	return out, nil
}

// ListEventsFull starts (or continues) a calendarView delta round over the window.
// The deltaLink on the last page doubles as the cursor for incremental sync.
func (a *Adapter) ListEventsFull(ctx context.Context, account models.CalendarAccount, token *oauth2.Token, conn models.CalendarConnection, windowStart, windowEnd time.Time, pageToken string) (provider.FullPage, error) {
	endpoint := pageToken
	if endpoint == "" {
		params := url.Values{}
		params.Set("startDateTime", windowStart.UTC().Format(time.RFC3339))
		params.Set("endDateTime", windowEnd.UTC().Format(time.RFC3339))
		endpoint = a.baseURL + "/me/calendars/" + url.PathEscape(conn.ExternalCalendarID) + "/calendarView/delta?" + params.Encode()
	} else if !strings.HasPrefix(endpoint, a.baseURL+"/") {
		return provider.FullPage{}, provider.NewError(models.ProviderMicrosoft, provider.KindMalformed, 0, errors.New("page token is not a Graph link"))
	}
	var page eventPage
	if err := a.get(ctx, token, endpoint, &page); err != nil {
		return provider.FullPage{}, err
	}
	events, skipped := a.toRemoteEvents(page.Value, conn.ExternalCalendarID)
	live := events[:0]
	for _, ev := range events {
		if !ev.Deleted {
			live = append(live, ev)
		}
	}
	return provider.FullPage{Events: live, NextPage: page.NextLink, SyncToken: page.DeltaLink, Skipped: skipped}, nil
}

// RefreshToken exchanges the stored refresh token.
func (a *Adapter) RefreshToken(ctx context.Context, account models.CalendarAccount) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: &provider.LimitedTransport{Limiter: a.limiter, Base: a.base}})
	return provider.RefreshWithConfig(ctx, models.ProviderMicrosoft, a.oauth, account)
}

func (a *Adapter) get(ctx context.Context, token *oauth2.Token, endpoint string, into any) error {
	client := provider.AuthorizedClient(ctx, a.limiter, a.base, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Prefer", fmt.Sprintf(`outlook.timezone="UTC", odata.maxpagesize=%d`, maxPageSize))

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return provider.NewError(models.ProviderMicrosoft, provider.KindTransient, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.FromResponse(models.ProviderMicrosoft, resp, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return provider.NewError(models.ProviderMicrosoft, provider.KindMalformed, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (a *Adapter) toRemoteEvents(items []graphEvent, calendarID string) ([]models.RemoteEvent, []string) {
	out := make([]models.RemoteEvent, 0, len(items))
	var skipped []string
	for i := range items {
		ev, err := toRemoteEvent(&items[i])
		if err != nil {
			a.logger.Warn("Skipping malformed Graph event", "calendarID", calendarID, "eventID", items[i].ID, "error", err)
			if items[i].ID != "" {
				skipped = append(skipped, items[i].ID)
			}
			continue
		}
		out = append(out, ev)
	}
	return out, skipped
}

func toRemoteEvent(item *graphEvent) (models.RemoteEvent, error) {
	if item.ID == "" {
		return models.RemoteEvent{}, errors.New("event has no id")
	}
	ev := models.RemoteEvent{
		ExternalID:  item.ID,
		Title:       item.Subject,
		Description: item.BodyPreview,
		Location:    item.Location.DisplayName,
		AllDay:      item.IsAllDay,
	}
	if item.LastModifiedDateTime != "" {
		t, err := time.Parse(time.RFC3339Nano, item.LastModifiedDateTime)
		if err != nil {
			return models.RemoteEvent{}, fmt.Errorf("bad lastModifiedDateTime: %w", err)
		}
		ev.UpdatedAt = t.UTC()
	}
	if item.Removed != nil || item.IsCancelled {
		ev.Deleted = true
		return ev, nil
	}
	if item.Start == nil || item.End == nil {
		return models.RemoteEvent{}, errors.New("missing start or end")
	}
	start, err := parseGraphTime(item.Start.DateTime, item.Start.TimeZone)
	if err != nil {
		return models.RemoteEvent{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseGraphTime(item.End.DateTime, item.End.TimeZone)
	if err != nil {
		return models.RemoteEvent{}, fmt.Errorf("end: %w", err)
	}
	ev.Start, ev.End = start, end
	return ev, nil
}

// parseGraphTime interprets a Graph dateTimeTimeZone. The Prefer header asks for
// UTC, but some tenants still answer in the calendar's own zone.
func parseGraphTime(value, zone string) (time.Time, error) {
	loc := time.UTC
	if zone != "" && !strings.EqualFold(zone, "UTC") {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown time zone %q", zone)
		}
		loc = l
	}
	t, err := time.ParseInLocation(graphTimeFormat, value, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

var _ provider.Adapter = (*Adapter)(nil)
