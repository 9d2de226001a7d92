package google

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"calsync/internal/models"
	"calsync/internal/provider"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAdapter(logger, OAuthConfig("id", "secret", ""), provider.NewLimiter(0, 0), WithEndpoint(srv.URL+"/"))
}

var testToken = &oauth2.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)}

func TestListEventsDeltaSinglePage(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/primary/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("syncToken"); got != "tok-5" {
			t.Errorf("expected syncToken tok-5, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"items":[{"id":"e1","summary":"Standup","updated":"2024-01-02T10:00:00Z",
			"start":{"dateTime":"2024-01-03T09:00:00+01:00"},"end":{"dateTime":"2024-01-03T09:15:00+01:00"}}],
			"nextSyncToken":"tok-6"}`)
	})

	page, err := a.ListEventsDelta(context.Background(), models.CalendarAccount{}, testToken, models.CalendarConnection{ExternalCalendarID: "primary"}, "tok-5")
	if err != nil {
		t.Fatalf("ListEventsDelta: %v", err)
	}
	if page.HasMore || page.Next != "tok-6" {
		t.Fatalf("expected final page with tok-6, got %+v", page)
	}
	if len(page.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(page.Events))
	}
	ev := page.Events[0]
	if ev.ExternalID != "e1" || !ev.UpdatedAt.Equal(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Start.Hour() != 8 || ev.Start.Location() != time.UTC {
		t.Fatalf("expected start normalized to 08:00 UTC, got %v", ev.Start)
	}
}

func TestListEventsDeltaPaginates(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = io.WriteString(w, `{"items":[{"id":"e1","status":"cancelled","updated":"2024-01-02T10:00:00Z"}],"nextPageToken":"p2"}`)
			return
		}
		if r.URL.Query().Get("syncToken") != "tok-5" {
			t.Errorf("sync token must be repeated on continuation requests")
		}
		_, _ = io.WriteString(w, `{"items":[],"nextSyncToken":"tok-7"}`)
	})
	conn := models.CalendarConnection{ExternalCalendarID: "primary"}

	first, err := a.ListEventsDelta(context.Background(), models.CalendarAccount{}, testToken, conn, "tok-5")
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if !first.HasMore {
		t.Fatalf("expected more pages")
	}
	if len(first.Events) != 1 || !first.Events[0].Deleted {
		t.Fatalf("expected cancelled event flagged deleted, got %+v", first.Events)
	}
	second, err := a.ListEventsDelta(context.Background(), models.CalendarAccount{}, testToken, conn, first.Next)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if second.HasMore || second.Next != "tok-7" {
		t.Fatalf("unexpected final page %+v", second)
	}
}

func TestListEventsDeltaGoneIsCursorExpired(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_, _ = io.WriteString(w, `{"error":{"code":410,"message":"Sync token is no longer valid"}}`)
	})
	_, err := a.ListEventsDelta(context.Background(), models.CalendarAccount{}, testToken, models.CalendarConnection{ExternalCalendarID: "primary"}, "old")
	if !errors.Is(err, provider.ErrCursorExpired) {
		t.Fatalf("expected ErrCursorExpired, got %v", err)
	}
}

func TestListEventsFullAllDayAndMalformed(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("timeMin") == "" || r.URL.Query().Get("timeMax") == "" {
			t.Errorf("expected a bounded window")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"items":[
			{"id":"holiday","updated":"2024-01-01T00:00:00Z","start":{"date":"2024-01-05"},"end":{"date":"2024-01-06"}},
			{"id":"broken","updated":"2024-01-01T00:00:00Z","start":{}}
		],"nextSyncToken":"tok-1"}`)
	})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	page, err := a.ListEventsFull(context.Background(), models.CalendarAccount{}, testToken, models.CalendarConnection{ExternalCalendarID: "primary"}, start, start.AddDate(0, 1, 0), "")
	if err != nil {
		t.Fatalf("ListEventsFull: %v", err)
	}
	if len(page.Events) != 1 {
		t.Fatalf("expected malformed event to be dropped, got %+v", page.Events)
	}
	if len(page.Skipped) != 1 || page.Skipped[0] != "broken" {
		t.Fatalf("skipped = %v, want [broken]", page.Skipped)
	}
	if !page.Events[0].AllDay || page.Events[0].Start.Day() != 5 {
		t.Fatalf("unexpected all-day decoding %+v", page.Events[0])
	}
	if page.SyncToken != "tok-1" || page.NextPage != "" {
		t.Fatalf("unexpected paging info %+v", page)
	}
}

func TestRateLimitedForbidden(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"code":403,"message":"Rate Limit Exceeded","errors":[{"reason":"rateLimitExceeded"}]}}`)
	})
	_, err := a.ListEventsFull(context.Background(), models.CalendarAccount{}, testToken, models.CalendarConnection{ExternalCalendarID: "primary"}, time.Now(), time.Now().Add(time.Hour), "")
	if !errors.Is(err, provider.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if retry, after := provider.Retryable(err); !retry || after != 3*time.Second {
		t.Fatalf("expected retry after 3s, got %v %v", retry, after)
	}
}

func TestListCalendars(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/calendarList" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"items":[{"id":"me@example.com","summary":"Me","backgroundColor":"#fff","primary":true},{"id":"team","summary":"Team"}]}`)
	})
	cals, err := a.ListCalendars(context.Background(), models.CalendarAccount{}, testToken)
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if len(cals) != 2 || !cals[0].Primary || cals[1].Name != "Team" {
		t.Fatalf("unexpected calendars %+v", cals)
	}
}
