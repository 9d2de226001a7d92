// Package api is the management API consumed by the dashboard.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"calsync/internal/metrics"
	"calsync/internal/models"
	"calsync/internal/registry"
)

// Registry is the connection registry.
type Registry interface {
	ListAccounts(ctx context.Context, wsID string) (map[models.Provider][]registry.AccountView, error)
	DisconnectAccount(ctx context.Context, wsID, accountID string) error
	SetEnabled(ctx context.Context, connectionID string, enabled bool) error
	ConnectionWorkspace(ctx context.Context, connectionID string) (string, error)
}

// Store is the read access the API needs.
type Store interface {
	ListJobs(ctx context.Context, wsID string, limit int) ([]models.SyncJob, error)
	GetConnection(ctx context.Context, id string) (models.CalendarConnection, string, error)
	ListCurrentEvents(ctx context.Context, connectionID string) ([]models.LocalEvent, error)
	HealthCheck(ctx context.Context) error
}

// Dispatcher starts a sync run under the concurrency key.
type Dispatcher interface {
	Dispatch(ctx context.Context, wsID string, tier models.Tier) (models.SyncJob, error)
}

// Options configures the router.
type Options struct {
	APISecret         string
	PrometheusEnabled bool
	// RateLimit is requests per second per client IP; zero disables limiting.
	RateLimit float64
}

// Handler serves the management endpoints.
type Handler struct {
	logger     *slog.Logger
	registry   Registry
	store      Store
	dispatcher Dispatcher
}

// NewRouter wires all HTTP routes.
func NewRouter(logger *slog.Logger, opts Options, reg Registry, st Store, dispatcher Dispatcher) http.Handler {
	h := &Handler{logger: logger, registry: reg, store: st, dispatcher: dispatcher}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if opts.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Route("/calendar", func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(NewIPRateLimiter(rate.Limit(opts.RateLimit), int(opts.RateLimit*2)+1, 5*time.Minute).Middleware())
		}
		r.Use(RequireToken(logger, opts.APISecret))

		r.Get("/auth/accounts", h.ListAccounts)
		r.Delete("/auth/accounts", h.DisconnectAccount)
		r.Patch("/connections", h.SetConnectionEnabled)
		r.Get("/connections/{id}/events", h.ListEvents)
		r.Get("/connections/{id}/events.ics", h.ExportEvents)
		r.Get("/sync/jobs", h.ListJobs)
		r.Post("/sync", h.TriggerSync)
	})

	return r
}
