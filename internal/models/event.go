package models

import "time"

// RemoteEvent is a calendar event as reported by a provider.
// This is the normalized representation handed to the reconciler, independent of any specific provider.
type RemoteEvent struct {
	ExternalID  string    // Provider-issued event id, unique within one remote calendar
	Title       string    // Summary or title of the event
	Description string    // Detailed description of the event
	Location    string    // Location of the event
	Start       time.Time // Start time, UTC
	End         time.Time // End time, UTC
	AllDay      bool      // True when the provider encoded the event as a date-only event
	UpdatedAt   time.Time // Provider-side last modification time
	Deleted     bool      // Set when a delta feed reports the event as removed
}

// Payload is the provider-agnostic body stored on a LocalEvent.
type Payload struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day,omitempty"`
}

// Payload extracts the stored body of the remote event.
func (e RemoteEvent) Payload() Payload {
	return Payload{
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.Start,
		End:         e.End,
		AllDay:      e.AllDay,
	}
}

// LocalEvent is the internal copy of a remote event, keyed by (ConnectionID, ExternalID).
type LocalEvent struct {
	ID           string
	ConnectionID string
	ExternalID   string
	UpdatedAt    time.Time // etag_or_updated_at of the last applied remote version
	Payload      Payload
	DeletedAt    *time.Time
}

// Status reports whether the event is live or has been removed remotely.
func (e LocalEvent) Status() EventStatus {
	if e.DeletedAt != nil {
		return EventSoftDeleted
	}
	return EventActive
}

// EventStatus tags a LocalEvent as live or soft deleted.
type EventStatus string

const (
	EventActive      EventStatus = "active"
	EventSoftDeleted EventStatus = "soft_deleted"
)

// WriteOp is a single mutation produced by reconciliation.
type WriteOp int

const (
	OpInsert WriteOp = iota + 1
	OpUpdate
	OpSoftDelete
)

func (op WriteOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpSoftDelete:
		return "soft_delete"
	}
	return "unknown"
}

// EventWrite pairs an operation with the LocalEvent state it produces.
type EventWrite struct {
	Op    WriteOp
	Event LocalEvent
}
