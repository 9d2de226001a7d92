// Package memstore is an in-memory implementation of the store used in tests
// and dry runs. It mirrors the PostgreSQL semantics of package store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"calsync/internal/models"
	"calsync/internal/store"
)

type eventKey struct {
	connectionID string
	externalID   string
}

// Memory holds all state behind a single mutex.
type Memory struct {
	mu          sync.Mutex
	accounts    map[string]models.CalendarAccount
	connections map[string]models.CalendarConnection
	cursors     map[string]models.SyncCursor
	events      map[eventKey]models.LocalEvent
	written     map[eventKey]time.Time
	jobs        []models.SyncJob

	// Now is the clock used for timestamps.
	Now func() time.Time
	// FailApply, when set, is consulted before each ApplyWrites batch.
	FailApply func(connectionID string, writes []models.EventWrite) error

	writes int
}

func New() *Memory {
	return &Memory{
		accounts:    map[string]models.CalendarAccount{},
		connections: map[string]models.CalendarConnection{},
		cursors:     map[string]models.SyncCursor{},
		events:      map[eventKey]models.LocalEvent{},
		written:     map[eventKey]time.Time{},
		Now:         time.Now,
	}
}

func (m *Memory) now() time.Time { return m.Now().UTC() }

func (m *Memory) HealthCheck(ctx context.Context) error { return nil }

// Accounts

func (m *Memory) CreateAccount(ctx context.Context, a models.CalendarAccount) (models.CalendarAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !a.Provider.Valid() {
		return models.CalendarAccount{}, fmt.Errorf("unknown provider %q", a.Provider)
	}
	for id, existing := range m.accounts {
		if existing.WsID == a.WsID && existing.UserID == a.UserID && existing.Provider == a.Provider && existing.AccountEmail == a.AccountEmail {
			existing.AccessToken = a.AccessToken
			if a.RefreshToken != "" {
				existing.RefreshToken = a.RefreshToken
			}
			existing.ExpiresAt = a.ExpiresAt
			if !existing.IsActive {
				for cid, c := range m.connections {
					if c.AccountID == id {
						c.IsEnabled = true
						m.connections[cid] = c
					}
				}
			}
			existing.IsActive = true
			m.accounts[id] = existing
			return existing, nil
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.IsActive = true
	a.CreatedAt = m.now()
	m.accounts[a.ID] = a
	return a, nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (models.CalendarAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return a, store.ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListAccounts(ctx context.Context, wsID string) ([]models.CalendarAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CalendarAccount
	for _, a := range m.accounts {
		if a.WsID == wsID && a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].AccountEmail < out[j].AccountEmail
	})
	return out, nil
}

func (m *Memory) UpdateTokens(ctx context.Context, accountID, prevRefresh string, tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	if a.RefreshToken != prevRefresh {
		return store.ErrTokenConflict
	}
	a.AccessToken, a.RefreshToken, a.ExpiresAt = tok.AccessToken, tok.RefreshToken, tok.Expiry
	m.accounts[accountID] = a
	return nil
}

func (m *Memory) DeactivateAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	a.IsActive = false
	m.accounts[accountID] = a
	return nil
}

func (m *Memory) DisconnectAccount(ctx context.Context, wsID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok || a.WsID != wsID {
		return store.ErrNotFound
	}
	a.IsActive = false
	m.accounts[accountID] = a
	for id, c := range m.connections {
		if c.AccountID == accountID {
			c.IsEnabled = false
			m.connections[id] = c
		}
	}
	return nil
}

// Connections

func (m *Memory) UpsertConnection(ctx context.Context, c models.CalendarConnection) (models.CalendarConnection, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.connections {
		if existing.AccountID == c.AccountID && existing.ExternalCalendarID == c.ExternalCalendarID {
			existing.DisplayName, existing.Color = c.DisplayName, c.Color
			m.connections[id] = existing
			return existing, false, nil
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.SyncStatus == "" {
		c.SyncStatus = models.ConnectionOK
	}
	m.connections[c.ID] = c
	return c, true, nil
}

func (m *Memory) GetConnection(ctx context.Context, id string) (models.CalendarConnection, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return c, "", store.ErrNotFound
	}
	return c, m.accounts[c.AccountID].WsID, nil
}

func (m *Memory) ListConnections(ctx context.Context, accountID string) ([]models.CalendarConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CalendarConnection
	for _, c := range m.connections {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetConnectionEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return store.ErrNotFound
	}
	c.IsEnabled = enabled
	m.connections[id] = c
	return nil
}

func (m *Memory) RecordConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, lastErr string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return store.ErrNotFound
	}
	at = at.UTC()
	c.SyncStatus, c.LastError, c.LastAttemptAt = status, lastErr, &at
	m.connections[id] = c
	return nil
}

func (m *Memory) ListSyncTargets(ctx context.Context, wsID string, providers []models.Provider) ([]models.SyncTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SyncTarget
	for _, c := range m.connections {
		a, ok := m.accounts[c.AccountID]
		if !ok || a.WsID != wsID || !a.IsActive || !c.IsEnabled {
			continue
		}
		if len(providers) > 0 && !slices.Contains(providers, a.Provider) {
			continue
		}
		out = append(out, models.SyncTarget{Account: a, Connection: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account.ID != out[j].Account.ID {
			return out[i].Account.ID < out[j].Account.ID
		}
		return out[i].Connection.ID < out[j].Connection.ID
	})
	return out, nil
}

func (m *Memory) EligibleWorkspaces(ctx context.Context, providers []models.Provider) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, c := range m.connections {
		a, ok := m.accounts[c.AccountID]
		if !ok || !a.IsActive || !c.IsEnabled {
			continue
		}
		if len(providers) > 0 && !slices.Contains(providers, a.Provider) {
			continue
		}
		seen[a.WsID] = true
	}
	out := make([]string, 0, len(seen))
	for ws := range seen {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out, nil
}

// Cursors

func (m *Memory) GetCursor(ctx context.Context, connectionID string) (models.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[connectionID]
	if !ok {
		return c, store.ErrNotFound
	}
	runs := make(map[models.Tier]time.Time, len(c.TierLastRun))
	for k, v := range c.TierLastRun {
		runs[k] = v
	}
	c.TierLastRun = runs
	return c, nil
}

func (m *Memory) SaveCursor(ctx context.Context, u models.CursorUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[u.ConnectionID]
	if !ok {
		c = models.SyncCursor{ConnectionID: u.ConnectionID, TierLastRun: map[models.Tier]time.Time{}}
	}
	if u.Token != nil {
		c.Token = *u.Token
	}
	if u.WindowStart != nil {
		ws := u.WindowStart.UTC()
		c.WindowStart = &ws
	}
	c.LastSyncedAt = u.SyncedAt.UTC()
	c.TierLastRun[u.Tier] = u.SyncedAt.UTC()
	m.cursors[u.ConnectionID] = c
	return nil
}

// Events

func (m *Memory) GetEvents(ctx context.Context, connectionID string, externalIDs []string) (map[string]models.LocalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.LocalEvent, len(externalIDs))
	for _, id := range externalIDs {
		if e, ok := m.events[eventKey{connectionID, id}]; ok {
			out[id] = e
		}
	}
	return out, nil
}

// ApplyWrites applies the batch atomically with the same timestamp guards as the SQL version.
func (m *Memory) ApplyWrites(ctx context.Context, connectionID string, writes []models.EventWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailApply != nil {
		if err := m.FailApply(connectionID, writes); err != nil {
			return err
		}
	}
	for _, w := range writes {
		if w.Op < models.OpInsert || w.Op > models.OpSoftDelete {
			return fmt.Errorf("apply %s %s: unknown write op %d", w.Op, w.Event.ExternalID, w.Op)
		}
	}
	now := m.now()
	for _, w := range writes {
		key := eventKey{connectionID, w.Event.ExternalID}
		existing, found := m.events[key]
		switch w.Op {
		case models.OpInsert, models.OpUpdate:
			if found {
				newer := existing.UpdatedAt.Before(w.Event.UpdatedAt)
				resurrect := existing.DeletedAt != nil && !w.Event.UpdatedAt.Before(existing.UpdatedAt)
				if !newer && !resurrect {
					continue
				}
				existing.UpdatedAt = w.Event.UpdatedAt.UTC()
				existing.Payload = w.Event.Payload
				existing.DeletedAt = nil
				m.events[key] = existing
			} else {
				e := w.Event
				if e.ID == "" {
					e.ID = uuid.NewString()
				}
				e.ConnectionID = connectionID
				e.UpdatedAt = e.UpdatedAt.UTC()
				e.DeletedAt = nil
				m.events[key] = e
			}
		case models.OpSoftDelete:
			if !found || existing.DeletedAt != nil {
				continue
			}
			at := now
			if w.Event.DeletedAt != nil {
				at = w.Event.DeletedAt.UTC()
			}
			existing.DeletedAt = &at
			if existing.UpdatedAt.Before(w.Event.UpdatedAt) {
				existing.UpdatedAt = w.Event.UpdatedAt.UTC()
			}
			m.events[key] = existing
		}
		m.written[key] = now
		m.writes++
	}
	return nil
}

func (m *Memory) SoftDeleteMissing(ctx context.Context, connectionID string, seen []string, from, to, writtenBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := make(map[string]bool, len(seen))
	for _, id := range seen {
		keep[id] = true
	}
	now := m.now()
	n := 0
	for key, e := range m.events {
		if key.connectionID != connectionID || e.DeletedAt != nil || keep[key.externalID] {
			continue
		}
		if !m.written[key].Before(writtenBefore) {
			continue
		}
		start := e.Payload.Start
		if start.Before(from) || !start.Before(to) {
			continue
		}
		at := now
		e.DeletedAt = &at
		m.events[key] = e
		m.written[key] = now
		n++
		m.writes++
	}
	return n, nil
}

func (m *Memory) ListCurrentEvents(ctx context.Context, connectionID string) ([]models.LocalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LocalEvent
	for key, e := range m.events {
		if key.connectionID == connectionID && e.DeletedAt == nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Payload.Start.Equal(out[j].Payload.Start) {
			return out[i].Payload.Start.Before(out[j].Payload.Start)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out, nil
}

// AllEvents returns every row of a connection including soft-deleted ones.
func (m *Memory) AllEvents(connectionID string) map[string]models.LocalEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]models.LocalEvent{}
	for key, e := range m.events {
		if key.connectionID == connectionID {
			out[key.externalID] = e
		}
	}
	return out
}

// Writes counts event rows changed so far.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Jobs

func (m *Memory) AcquireJob(ctx context.Context, wsID string, tier models.Tier, staleBefore time.Time) (models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for i, j := range m.jobs {
		if j.WsID != wsID || j.Tier != tier || j.Status != models.JobRunning {
			continue
		}
		if j.StartedAt.Before(staleBefore) {
			m.jobs[i].Status = models.JobFailed
			m.jobs[i].FinishedAt = &now
			m.jobs[i].Error = "reclaimed: exceeded job timeout"
			continue
		}
		return models.SyncJob{}, store.ErrJobRunning
	}
	job := models.SyncJob{ID: uuid.NewString(), WsID: wsID, Tier: tier, Status: models.JobRunning, StartedAt: now}
	m.jobs = append(m.jobs, job)
	return job, nil
}

func (m *Memory) FinishJob(ctx context.Context, job models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range m.jobs {
		if j.ID != job.ID || j.Status != models.JobRunning {
			continue
		}
		finished := m.now()
		if job.FinishedAt != nil {
			finished = job.FinishedAt.UTC()
		}
		job.FinishedAt = &finished
		job.WsID, job.Tier, job.StartedAt = j.WsID, j.Tier, j.StartedAt
		m.jobs[i] = job
		return nil
	}
	return store.ErrNotFound
}

func (m *Memory) ListJobs(ctx context.Context, wsID string, limit int) ([]models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []models.SyncJob
	for i := len(m.jobs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.jobs[i].WsID == wsID {
			out = append(out, m.jobs[i])
		}
	}
	return out, nil
}

// Running counts running jobs for a key.
func (m *Memory) Running(wsID string, tier models.Tier) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.WsID == wsID && j.Tier == tier && j.Status == models.JobRunning {
			n++
		}
	}
	return n
}
