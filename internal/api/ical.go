package api

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"

	"calsync/internal/models"
)

// writeICal encodes the events of a connection as one VCALENDAR.
func writeICal(w io.Writer, conn models.CalendarConnection, events []models.LocalEvent, now time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calsync//EN")
	if conn.DisplayName != "" {
		cal.Props.SetText("X-WR-CALNAME", conn.DisplayName)
	}
	for _, e := range events {
		cal.Children = append(cal.Children, toICal(conn, e, now))
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}
	return nil
}

// toICal converts a LocalEvent to a VEVENT component.
func toICal(conn models.CalendarConnection, e models.LocalEvent, now time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, e.ExternalID+"@"+conn.ID)
	ve.Props.SetText(ical.PropSummary, e.Payload.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	if !e.UpdatedAt.IsZero() {
		ve.Props.SetDateTime(ical.PropLastModified, e.UpdatedAt.UTC())
	}
	if e.Payload.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, e.Payload.Start)
		ve.Props.SetDate(ical.PropDateTimeEnd, e.Payload.End)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, e.Payload.Start.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, e.Payload.End.UTC())
	}

	if e.Payload.Description != "" {
		ve.Props.SetText(ical.PropDescription, e.Payload.Description)
	}
	if e.Payload.Location != "" {
		ve.Props.SetText(ical.PropLocation, e.Payload.Location)
	}
	return ve
}
