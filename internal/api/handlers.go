package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"calsync/internal/models"
	"calsync/internal/store"
)

type connectionJSON struct {
	ID                 string     `json:"id"`
	ExternalCalendarID string     `json:"externalCalendarId"`
	DisplayName        string     `json:"displayName"`
	Color              string     `json:"color,omitempty"`
	IsEnabled          bool       `json:"isEnabled"`
	SyncStatus         string     `json:"syncStatus"`
	LastError          string     `json:"lastError,omitempty"`
	LastAttemptAt      *time.Time `json:"lastAttemptAt,omitempty"`
}

type accountJSON struct {
	ID           string           `json:"id"`
	Provider     string           `json:"provider"`
	AccountEmail string           `json:"accountEmail"`
	IsActive     bool             `json:"isActive"`
	CreatedAt    time.Time        `json:"createdAt"`
	Connections  []connectionJSON `json:"connections"`
}

type eventJSON struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"externalId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"allDay"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type jobJSON struct {
	ID                string            `json:"id"`
	Tier              string            `json:"tier"`
	Status            string            `json:"status"`
	StartedAt         time.Time         `json:"startedAt"`
	FinishedAt        *time.Time        `json:"finishedAt,omitempty"`
	Error             string            `json:"error,omitempty"`
	Stats             models.ApplyStats `json:"stats"`
	ConnectionsFailed int               `json:"connectionsFailed"`
}

// ListAccounts handles GET /calendar/auth/accounts?wsId=.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	wsID := r.URL.Query().Get("wsId")
	if wsID == "" {
		writeError(w, http.StatusBadRequest, "wsId is required")
		return
	}
	if !canAccess(r.Context(), wsID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	grouped, err := h.registry.ListAccounts(r.Context(), wsID)
	if err != nil {
		h.internalError(w, r, err, "Failed to list accounts")
		return
	}

	out := make(map[string][]accountJSON, len(grouped))
	for p, views := range grouped {
		list := make([]accountJSON, 0, len(views))
		for _, v := range views {
			a := accountJSON{
				ID:           v.Account.ID,
				Provider:     string(v.Account.Provider),
				AccountEmail: v.Account.AccountEmail,
				IsActive:     v.Account.IsActive,
				CreatedAt:    v.Account.CreatedAt,
				Connections:  make([]connectionJSON, 0, len(v.Connections)),
			}
			for _, c := range v.Connections {
				a.Connections = append(a.Connections, connectionJSON{
					ID:                 c.ID,
					ExternalCalendarID: c.ExternalCalendarID,
					DisplayName:        c.DisplayName,
					Color:              c.Color,
					IsEnabled:          c.IsEnabled,
					SyncStatus:         string(c.SyncStatus),
					LastError:          c.LastError,
					LastAttemptAt:      c.LastAttemptAt,
				})
			}
			list = append(list, a)
		}
		out[string(p)] = list
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

// DisconnectAccount handles DELETE /calendar/auth/accounts?accountId=&wsId=.
func (h *Handler) DisconnectAccount(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wsID, accountID := q.Get("wsId"), q.Get("accountId")
	if wsID == "" || accountID == "" {
		writeError(w, http.StatusBadRequest, "wsId and accountId are required")
		return
	}
	if !canAccess(r.Context(), wsID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := h.registry.DisconnectAccount(r.Context(), wsID, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.internalError(w, r, err, "Failed to disconnect account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toggleRequest struct {
	ID        string `json:"id"`
	IsEnabled *bool  `json:"isEnabled"`
}

// SetConnectionEnabled handles PATCH /calendar/connections {id, isEnabled}.
func (h *Handler) SetConnectionEnabled(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" || req.IsEnabled == nil {
		writeError(w, http.StatusBadRequest, "id and isEnabled are required")
		return
	}
	if _, ok := h.authorizeConnection(w, r, req.ID); !ok {
		return
	}
	if err := h.registry.SetEnabled(r.Context(), req.ID, *req.IsEnabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		h.internalError(w, r, err, "Failed to toggle connection")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "isEnabled": *req.IsEnabled})
}

// authorizeConnection resolves the connection's workspace and checks the caller may access it.
func (h *Handler) authorizeConnection(w http.ResponseWriter, r *http.Request, connectionID string) (string, bool) {
	wsID, err := h.registry.ConnectionWorkspace(r.Context(), connectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return "", false
		}
		h.internalError(w, r, err, "Failed to load connection")
		return "", false
	}
	if !canAccess(r.Context(), wsID) {
		// Foreign connections are indistinguishable from missing ones.
		writeError(w, http.StatusNotFound, "connection not found")
		return "", false
	}
	return wsID, true
}

// currentEvents loads the live events of an enabled connection the caller may see.
func (h *Handler) currentEvents(w http.ResponseWriter, r *http.Request) (models.CalendarConnection, []models.LocalEvent, bool) {
	id := chi.URLParam(r, "id")
	if _, ok := h.authorizeConnection(w, r, id); !ok {
		return models.CalendarConnection{}, nil, false
	}
	conn, _, err := h.store.GetConnection(r.Context(), id)
	if err != nil {
		h.internalError(w, r, err, "Failed to load connection")
		return conn, nil, false
	}
	if !conn.IsEnabled {
		writeError(w, http.StatusNotFound, "connection is disabled")
		return conn, nil, false
	}
	events, err := h.store.ListCurrentEvents(r.Context(), id)
	if err != nil {
		h.internalError(w, r, err, "Failed to list events")
		return conn, nil, false
	}
	return conn, events, true
}

// ListEvents handles GET /calendar/connections/{id}/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	_, events, ok := h.currentEvents(w, r)
	if !ok {
		return
	}
	out := make([]eventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, eventJSON{
			ID:          e.ID,
			ExternalID:  e.ExternalID,
			Title:       e.Payload.Title,
			Description: e.Payload.Description,
			Location:    e.Payload.Location,
			Start:       e.Payload.Start,
			End:         e.Payload.End,
			AllDay:      e.Payload.AllDay,
			UpdatedAt:   e.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// ExportEvents handles GET /calendar/connections/{id}/events.ics.
func (h *Handler) ExportEvents(w http.ResponseWriter, r *http.Request) {
	conn, events, ok := h.currentEvents(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if err := writeICal(w, conn, events, time.Now()); err != nil {
		h.logger.Error("Failed to encode calendar", "requestID", requestID(r), "connectionID", conn.ID, "error", err)
	}
}

// ListJobs handles GET /calendar/sync/jobs?wsId=&limit=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	wsID := r.URL.Query().Get("wsId")
	if !canAccess(r.Context(), wsID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	jobs, err := h.store.ListJobs(r.Context(), wsID, limit)
	if err != nil {
		h.internalError(w, r, err, "Failed to list jobs")
		return
	}
	out := make([]jobJSON, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobJSON{
			ID:                j.ID,
			Tier:              string(j.Tier),
			Status:            string(j.Status),
			StartedAt:         j.StartedAt,
			FinishedAt:        j.FinishedAt,
			Error:             j.Error,
			Stats:             j.Stats,
			ConnectionsFailed: j.Failed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// TriggerSync handles POST /calendar/sync?wsId=&tier=.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wsID := q.Get("wsId")
	if !canAccess(r.Context(), wsID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	tierName := q.Get("tier")
	if tierName == "" {
		tierName = string(models.TierImmediate)
	}
	tier, err := models.ParseTier(tierName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := h.dispatcher.Dispatch(r.Context(), wsID, tier)
	if err != nil {
		if errors.Is(err, store.ErrJobRunning) {
			writeError(w, http.StatusConflict, "sync already running")
			return
		}
		h.internalError(w, r, err, "Failed to dispatch sync")
		return
	}
	h.logger.Info("Manual sync dispatched.", "requestID", requestID(r), "wsID", wsID, "tier", tier, "jobID", job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "tier": tier, "status": job.Status})
}
