package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"calsync/internal/models"
	"calsync/internal/provider"
)

func testAdapter() *Adapter {
	return NewAdapter(slog.New(slog.NewTextHandler(io.Discard, nil)), "", provider.NewLimiter(0, 0))
}

func TestFromICalTimedEvent(t *testing.T) {
	start := time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)
	modified := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, "uid-1")
	ve.Props.SetText(ical.PropSummary, "Review")
	ve.Props.SetText(ical.PropLocation, "Room 4")
	ve.Props.SetDateTime(ical.PropDateTimeStart, start)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(time.Hour))
	ve.Props.SetDateTime(ical.PropLastModified, modified)

	ev, err := fromICal(*ve, time.Time{})
	if err != nil {
		t.Fatalf("fromICal: %v", err)
	}
	if ev.ExternalID != "uid-1" || ev.Title != "Review" || ev.Location != "Room 4" {
		t.Errorf("unexpected event %+v", ev)
	}
	if !ev.Start.Equal(start) || !ev.End.Equal(start.Add(time.Hour)) || ev.AllDay {
		t.Errorf("times = %v..%v allDay=%v", ev.Start, ev.End, ev.AllDay)
	}
	if !ev.UpdatedAt.Equal(modified) {
		t.Errorf("UpdatedAt = %v, want %v", ev.UpdatedAt, modified)
	}
}

func TestFromICalAllDayFallsBackToModTime(t *testing.T) {
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	modTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, "uid-2")
	ve.Props.SetDate(ical.PropDateTimeStart, day)

	ev, err := fromICal(*ve, modTime)
	if err != nil {
		t.Fatalf("fromICal: %v", err)
	}
	if !ev.AllDay {
		t.Error("expected all-day event")
	}
	if !ev.Start.Equal(day) || !ev.End.Equal(day.AddDate(0, 0, 1)) {
		t.Errorf("times = %v..%v", ev.Start, ev.End)
	}
	if !ev.UpdatedAt.Equal(modTime) {
		t.Errorf("UpdatedAt = %v, want %v", ev.UpdatedAt, modTime)
	}
}

func TestFromICalCancelledAndMissingUID(t *testing.T) {
	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, "uid-3")
	ve.Props.SetText(ical.PropStatus, "CANCELLED")
	ve.Props.SetDateTime(ical.PropDateTimeStart, time.Now())
	ev, err := fromICal(*ve, time.Time{})
	if err != nil {
		t.Fatalf("fromICal: %v", err)
	}
	if !ev.Deleted {
		t.Error("cancelled event should be marked deleted")
	}

	if _, err := fromICal(*ical.NewEvent(), time.Time{}); err == nil {
		t.Error("expected error for event without UID")
	}
}

func TestSupportsEvents(t *testing.T) {
	if !supportsEvents(nil) {
		t.Error("empty component set should be treated as events")
	}
	if supportsEvents([]string{"VTODO"}) {
		t.Error("task list should be skipped")
	}
	if !supportsEvents([]string{"VTODO", "VEVENT"}) {
		t.Error("mixed collection should be kept")
	}
}

func TestClassifyRecordedStatus(t *testing.T) {
	a := testAdapter()
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, provider.ErrAuthRevoked},
		{http.StatusForbidden, provider.ErrAuthRevoked},
		{http.StatusTooManyRequests, provider.ErrRateLimited},
		{http.StatusBadGateway, provider.ErrTransient},
		{http.StatusNotFound, provider.ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			rt := &authTransport{status: tc.status}
			if err := a.classify(rt, errors.New("boom")); !errors.Is(err, tc.want) {
				t.Errorf("classify(%d) = %v, want %v", tc.status, err, tc.want)
			}
		})
	}
}

func TestClassifyPassesCancellation(t *testing.T) {
	a := testAdapter()
	err := a.classify(&authTransport{status: 500}, fmt.Errorf("query: %w", context.Canceled))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		t.Error("cancellation must not be wrapped as a provider error")
	}
}

func TestDeltaUnsupported(t *testing.T) {
	a := testAdapter()
	if a.SupportsDelta() {
		t.Fatal("caldav must not claim delta support")
	}
	_, err := a.ListEventsDelta(context.Background(), models.CalendarAccount{}, nil, models.CalendarConnection{}, "x")
	if !errors.Is(err, provider.ErrCursorExpired) {
		t.Errorf("err = %v", err)
	}
}
