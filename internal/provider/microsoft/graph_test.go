package microsoft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"calsync/internal/models"
	"calsync/internal/provider"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewAdapter(logger, OAuthConfig("id", "secret", "http://localhost/cb", ""), provider.NewLimiter(0, 0), WithBaseURL(srv.URL))
	return a, srv
}

var (
	testAccount = models.CalendarAccount{ID: "acc-1", Provider: models.ProviderMicrosoft}
	testConn    = models.CalendarConnection{ID: "conn-1", ExternalCalendarID: "cal-A"}
	testToken   = &oauth2.Token{AccessToken: "at", TokenType: "Bearer"}
)

func TestFullFetchThenDeltaLink(t *testing.T) {
	var srvURL string
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at" {
			t.Errorf("Authorization = %q", got)
		}
		if !strings.Contains(r.Header.Get("Prefer"), `outlook.timezone="UTC"`) {
			t.Errorf("Prefer header missing timezone: %q", r.Header.Get("Prefer"))
		}
		switch {
		case r.URL.Path == "/me/calendars/cal-A/calendarView/delta" && r.URL.Query().Get("startDateTime") != "":
			fmt.Fprintf(w, `{"value":[{"id":"e1","subject":"Standup","lastModifiedDateTime":"2024-01-02T10:00:00.1234567Z",
				"start":{"dateTime":"2024-01-03T09:00:00.0000000","timeZone":"UTC"},
				"end":{"dateTime":"2024-01-03T09:15:00.0000000","timeZone":"UTC"}}],
				"@odata.nextLink":"%s/me/calendars/cal-A/calendarView/delta?$skiptoken=p2"}`, srvURL)
		case r.URL.Query().Get("$skiptoken") == "p2":
			fmt.Fprintf(w, `{"value":[{"id":"e2","subject":"Offsite","isAllDay":true,"lastModifiedDateTime":"2024-01-02T11:00:00Z",
				"start":{"dateTime":"2024-01-05T00:00:00.0000000","timeZone":"UTC"},
				"end":{"dateTime":"2024-01-06T00:00:00.0000000","timeZone":"UTC"}}],
				"@odata.deltaLink":"%s/me/calendars/cal-A/calendarView/delta?$deltatoken=d1"}`, srvURL)
		default:
			t.Errorf("unexpected request %s", r.URL.String())
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srvURL = srv.URL

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	page, err := a.ListEventsFull(context.Background(), testAccount, testToken, testConn, start, start.AddDate(0, 1, 0), "")
	if err != nil {
		t.Fatalf("ListEventsFull: %v", err)
	}
	if len(page.Events) != 1 || page.NextPage == "" || page.SyncToken != "" {
		t.Fatalf("first page = %+v", page)
	}
	if want := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC); !page.Events[0].Start.Equal(want) {
		t.Errorf("start = %v, want %v", page.Events[0].Start, want)
	}

	page, err = a.ListEventsFull(context.Background(), testAccount, testToken, testConn, start, start.AddDate(0, 1, 0), page.NextPage)
	if err != nil {
		t.Fatalf("ListEventsFull page 2: %v", err)
	}
	if len(page.Events) != 1 || !page.Events[0].AllDay {
		t.Fatalf("second page events = %+v", page.Events)
	}
	if !strings.HasSuffix(page.SyncToken, "$deltatoken=d1") {
		t.Errorf("sync token = %q", page.SyncToken)
	}
}

func TestFullFetchReportsMalformedEvents(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"value":[
			{"id":"ok","lastModifiedDateTime":"2024-01-02T10:00:00Z",
				"start":{"dateTime":"2024-01-03T09:00:00","timeZone":"UTC"},"end":{"dateTime":"2024-01-03T10:00:00","timeZone":"UTC"}},
			{"id":"bad","lastModifiedDateTime":"yesterday",
				"start":{"dateTime":"2024-01-03T09:00:00","timeZone":"UTC"},"end":{"dateTime":"2024-01-03T10:00:00","timeZone":"UTC"}}],
			"@odata.deltaLink":"http://example.invalid/delta"}`)
	})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	page, err := a.ListEventsFull(context.Background(), testAccount, testToken, testConn, start, start.AddDate(0, 1, 0), "")
	if err != nil {
		t.Fatalf("ListEventsFull: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].ExternalID != "ok" {
		t.Fatalf("events = %+v", page.Events)
	}
	if len(page.Skipped) != 1 || page.Skipped[0] != "bad" {
		t.Fatalf("skipped = %v, want [bad]", page.Skipped)
	}
}

func TestDeltaRemovedEvent(t *testing.T) {
	var srvURL string
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"value":[{"id":"e1","@removed":{"reason":"deleted"}}],
			"@odata.deltaLink":"%s/me/calendars/cal-A/calendarView/delta?$deltatoken=d2"}`, srvURL)
	})
	srvURL = srv.URL

	page, err := a.ListEventsDelta(context.Background(), testAccount, testToken, testConn, srv.URL+"/me/calendars/cal-A/calendarView/delta?$deltatoken=d1")
	if err != nil {
		t.Fatalf("ListEventsDelta: %v", err)
	}
	if page.HasMore {
		t.Error("expected last page")
	}
	if len(page.Events) != 1 || !page.Events[0].Deleted || page.Events[0].ExternalID != "e1" {
		t.Fatalf("events = %+v", page.Events)
	}
	if !strings.HasSuffix(page.Next, "$deltatoken=d2") {
		t.Errorf("next = %q", page.Next)
	}
}

func TestDeltaGoneIsCursorExpired(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":{"code":"SyncStateNotFound"}}`))
	})
	_, err := a.ListEventsDelta(context.Background(), testAccount, testToken, testConn, srv.URL+"/me/calendars/cal-A/calendarView/delta?$deltatoken=old")
	if !errors.Is(err, provider.ErrCursorExpired) {
		t.Fatalf("err = %v, want ErrCursorExpired", err)
	}
}

func TestDeltaForeignCursorRejected(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected, got %s", r.URL)
	})
	_, err := a.ListEventsDelta(context.Background(), testAccount, testToken, testConn, "https://attacker.example/steal")
	if !errors.Is(err, provider.ErrCursorExpired) {
		t.Fatalf("err = %v, want ErrCursorExpired", err)
	}
}

func TestThrottledKeepsRetryAfter(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := a.ListEventsDelta(context.Background(), testAccount, testToken, testConn, srv.URL+"/me/calendars/cal-A/calendarView/delta?$deltatoken=x")
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Kind != provider.KindRateLimited {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if pe.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %v", pe.RetryAfter)
	}
}

func TestListCalendars(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/calendars" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"value":[{"id":"cal-A","name":"Calendar","hexColor":"#aabbcc","isDefaultCalendar":true},{"id":"cal-B","name":"Holidays"}]}`))
	})
	cals, err := a.ListCalendars(context.Background(), testAccount, testToken)
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if len(cals) != 2 || !cals[0].Primary || cals[0].Color != "#aabbcc" || cals[1].Name != "Holidays" {
		t.Fatalf("calendars = %+v", cals)
	}
}

func TestParseGraphTimeZone(t *testing.T) {
	got, err := parseGraphTime("2024-06-01T09:00:00.0000000", "Europe/Berlin")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
