package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"calsync/internal/config"
	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/provider/caldav"
	"calsync/internal/provider/google"
	"calsync/internal/provider/microsoft"
	"calsync/internal/reconciler"
	"calsync/internal/registry"
	"calsync/internal/retry"
	"calsync/internal/scheduler"
	"calsync/internal/store"
	"calsync/internal/syncer"
	"calsync/internal/tokens"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	store    *store.Store
	adapters provider.Set
	tokens   *tokens.Store
	registry *registry.Registry
}

func loadApp(ctx context.Context) (*app, error) {
	logger := setupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cipher, err := store.NewCipher(cfg.Security.TokenKey)
	if err != nil {
		return nil, err
	}
	pool, err := store.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		return nil, err
	}
	st := store.New(pool, cipher)
	adapters := newAdapters(logger, cfg)
	tok := tokens.New(logger, st, adapters, cfg.Sync.TokenSafetyMargin, cfg.Sync.PageTimeout)
	return &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		store:    st,
		adapters: adapters,
		tokens:   tok,
		registry: registry.New(logger, st, tok, adapters),
	}, nil
}

func (a *app) Close() { a.pool.Close() }

// newAdapters registers the OAuth providers that have client credentials, plus CalDAV.
// Each provider gets its own outbound limiter.
func newAdapters(logger *slog.Logger, cfg *config.Config) provider.Set {
	limiter := func() *rate.Limiter { return provider.NewLimiter(cfg.Sync.ProviderRPS, cfg.Sync.ProviderBurst) }
	var adapters []provider.Adapter
	if cfg.Google.ClientID != "" {
		adapters = append(adapters, google.NewAdapter(logger.With("provider", models.ProviderGoogle),
			google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL), limiter()))
	}
	if cfg.Microsoft.ClientID != "" {
		adapters = append(adapters, microsoft.NewAdapter(logger.With("provider", models.ProviderMicrosoft),
			microsoft.OAuthConfig(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.RedirectURL, cfg.Microsoft.Tenant), limiter()))
	}
	adapters = append(adapters, caldav.NewAdapter(logger.With("provider", models.ProviderCalDAV), cfg.CalDAV.Endpoint, limiter()))
	return provider.NewSet(adapters...)
}

func (a *app) oauthConfig(p models.Provider) *oauth2.Config {
	switch p {
	case models.ProviderGoogle:
		if a.cfg.Google.ClientID != "" {
			return google.OAuthConfig(a.cfg.Google.ClientID, a.cfg.Google.ClientSecret, a.cfg.Google.RedirectURL)
		}
	case models.ProviderMicrosoft:
		if a.cfg.Microsoft.ClientID != "" {
			return microsoft.OAuthConfig(a.cfg.Microsoft.ClientID, a.cfg.Microsoft.ClientSecret, a.cfg.Microsoft.RedirectURL, a.cfg.Microsoft.Tenant)
		}
	}
	return nil
}

func (a *app) syncer(dryRun bool) *syncer.Syncer {
	policy := retry.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		MaxDelay:    a.cfg.Retry.MaxDelay,
		Jitter:      a.cfg.Retry.Jitter,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			a.logger.Warn("Retrying provider call.", "attempt", attempt, "wait", wait, "error", err)
		},
	}
	return syncer.NewSyncer(a.logger, a.store, a.tokens, a.adapters, reconciler.New(a.logger, a.store, dryRun), syncer.Options{
		ConnectionsPerJob:    a.cfg.Sync.ConnectionsPerJob,
		PageTimeout:          a.cfg.Sync.PageTimeout,
		PastWindow:           a.cfg.Sync.PastWindow,
		FutureWindow:         a.cfg.Sync.FutureWindow,
		FallbackPastWindow:   a.cfg.Sync.FallbackPastWindow,
		FallbackFutureWindow: a.cfg.Sync.FallbackFutureWindow,
		Retry:                policy,
		DryRun:               dryRun,
	})
}

func (a *app) orchestrator(w *syncer.Syncer) *scheduler.Orchestrator {
	return scheduler.NewOrchestrator(a.logger, a.store, w, a.adapters, a.cfg.Sync.WorkerPoolSize, a.cfg.Sync.JobTimeout)
}

// dryRun syncs without taking the concurrency key or writing anything.
func (a *app) dryRun(ctx context.Context, tier models.Tier, wsID string) error {
	workspaces := []string{wsID}
	if wsID == "" {
		var providers []models.Provider
		if tier == models.TierImmediate {
			providers = a.adapters.DeltaProviders()
		}
		var err error
		if workspaces, err = a.store.EligibleWorkspaces(ctx, providers); err != nil {
			return err
		}
	}
	w := a.syncer(true)
	for _, ws := range workspaces {
		res, err := w.SyncOnce(ctx, ws, tier)
		if err != nil {
			a.logger.Error("Sync cycle failed", "wsID", ws, "error", err)
			continue
		}
		a.logger.Info("[DRY RUN] Workspace checked.", "wsID", ws, "upserted", res.Stats.Upserted,
			"softDeleted", res.Stats.SoftDeleted, "unchanged", res.Stats.Unchanged)
	}
	return nil
}
