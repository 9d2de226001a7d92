package models

import "time"

// Provider identifies an external calendar service.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderCalDAV    Provider = "caldav"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderCalDAV:
		return true
	}
	return false
}

// CalendarAccount holds the OAuth credentials of one (workspace, user, provider) link.
type CalendarAccount struct {
	ID           string
	WsID         string
	UserID       string
	Provider     Provider
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountEmail string
	IsActive     bool
	CreatedAt    time.Time
}

// ConnectionStatus is the dashboard-facing health of a connection.
type ConnectionStatus string

const (
	ConnectionOK      ConnectionStatus = "ok"
	ConnectionErrored ConnectionStatus = "errored"
	ConnectionRevoked ConnectionStatus = "revoked"
)

// CalendarConnection is one remote calendar exposed by an account.
type CalendarConnection struct {
	ID                 string
	AccountID          string
	ExternalCalendarID string
	DisplayName        string
	Color              string
	IsEnabled          bool
	SyncStatus         ConnectionStatus
	LastError          string
	LastAttemptAt      *time.Time
}

// RemoteCalendar is a calendar reported by a provider during discovery.
type RemoteCalendar struct {
	ExternalID string
	Name       string
	Color      string
	Primary    bool
}

// SyncCursor tracks sync progress for a single connection.
type SyncCursor struct {
	ConnectionID string
	Token        string     // provider delta token, empty when none was issued
	WindowStart  *time.Time // start of the window Token was issued for, or of the last full window without delta
	LastSyncedAt time.Time
	TierLastRun  map[Tier]time.Time
}

// SyncTarget pairs an enabled connection with its owning active account.
type SyncTarget struct {
	Account    CalendarAccount
	Connection CalendarConnection
}
