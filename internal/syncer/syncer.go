// Package syncer runs one sync pass for a workspace and tier: token, fetch,
// reconcile, then cursor commit, per connection.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"calsync/internal/metrics"
	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/retry"
	"calsync/internal/store"
)

// maxPages guards against a provider that never stops paginating.
const maxPages = 1000

// deltaWindowRefresh is how far past the extended window a window-bound delta
// cursor may age before the extended tier replaces it.
const deltaWindowRefresh = 24 * time.Hour

// Store is the persistence the worker needs.
type Store interface {
	ListSyncTargets(ctx context.Context, wsID string, providers []models.Provider) ([]models.SyncTarget, error)
	GetCursor(ctx context.Context, connectionID string) (models.SyncCursor, error)
	SaveCursor(ctx context.Context, u models.CursorUpdate) error
	RecordConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus, lastErr string, at time.Time) error
}

// Tokens hands out access tokens.
type Tokens interface {
	GetValidToken(ctx context.Context, account models.CalendarAccount) (*oauth2.Token, error)
	ForceRefresh(ctx context.Context, account models.CalendarAccount, rejected string) (*oauth2.Token, error)
}

// Reconciler applies fetched pages.
type Reconciler interface {
	Apply(ctx context.Context, p models.Provider, conn models.CalendarConnection, events []models.RemoteEvent) (models.ApplyStats, error)
	SweepMissing(ctx context.Context, p models.Provider, conn models.CalendarConnection, seen []string, from, to, started time.Time) (int, error)
}

// Options tunes a Syncer.
type Options struct {
	ConnectionsPerJob    int
	PageTimeout          time.Duration
	PastWindow           time.Duration
	FutureWindow         time.Duration
	FallbackPastWindow   time.Duration
	FallbackFutureWindow time.Duration
	Retry                retry.Policy
	// DryRun skips cursor and status writes. Event writes are suppressed by
	// the reconciler.
	DryRun bool
}

// Result summarises one SyncOnce call.
type Result struct {
	Stats       models.ApplyStats
	Connections int
	Failed      int
}

// Syncer is the sync worker.
type Syncer struct {
	logger   *slog.Logger
	store    Store
	tokens   Tokens
	adapters provider.Set
	rec      Reconciler
	opts     Options
	now      func() time.Time
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, st Store, tokens Tokens, adapters provider.Set, rec Reconciler, opts Options) *Syncer {
	if opts.ConnectionsPerJob < 1 {
		opts.ConnectionsPerJob = 1
	}
	return &Syncer{
		logger:   logger,
		store:    st,
		tokens:   tokens,
		adapters: adapters,
		rec:      rec,
		opts:     opts,
		now:      time.Now,
	}
}

// SyncOnce syncs every enabled connection of the workspace for one tier.
// Connections are isolated: one failing does not stop the others, and each
// successful connection commits its cursor. The returned error is non-nil
// when at least one connection failed.
func (s *Syncer) SyncOnce(ctx context.Context, wsID string, tier models.Tier) (Result, error) {
	var providers []models.Provider
	if tier == models.TierImmediate {
		providers = s.adapters.DeltaProviders()
		if len(providers) == 0 {
			return Result{}, nil
		}
	}
	targets, err := s.store.ListSyncTargets(ctx, wsID, providers)
	if err != nil {
		return Result{}, fmt.Errorf("list connections: %w", err)
	}
	s.logger.Info("Starting sync cycle.", "wsID", wsID, "tier", tier, "connections", len(targets))

	var (
		mu     sync.Mutex
		res    = Result{Connections: len(targets)}
		errs   []error
		shared = &passTokens{byAccount: map[string]*accountToken{}}
	)
	g := new(errgroup.Group)
	g.SetLimit(s.opts.ConnectionsPerJob)
	for _, target := range targets {
		g.Go(func() error {
			stats, err := s.syncConnection(ctx, tier, target, shared)
			s.recordStatus(ctx, target, err)

			mu.Lock()
			defer mu.Unlock()
			res.Stats.Add(stats)
			if err != nil {
				res.Failed++
				errs = append(errs, fmt.Errorf("connection %s: %w", target.Connection.ID, err))
				s.logger.Error("Failed to sync connection", "wsID", wsID, "tier", tier,
					"connectionID", target.Connection.ID, "provider", target.Account.Provider, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("Sync cycle finished.", "wsID", wsID, "tier", tier,
		"upserted", res.Stats.Upserted, "softDeleted", res.Stats.SoftDeleted, "unchanged", res.Stats.Unchanged, "failed", res.Failed)
	if res.Failed > 0 {
		return res, fmt.Errorf("%d of %d connections failed: %w", res.Failed, res.Connections, errors.Join(errs...))
	}
	return res, nil
}

func (s *Syncer) syncConnection(ctx context.Context, tier models.Tier, target models.SyncTarget, shared *passTokens) (models.ApplyStats, error) {
	adapter, err := s.adapters.Get(target.Account.Provider)
	if err != nil {
		return models.ApplyStats{}, err
	}
	token, err := shared.get(ctx, s.tokens, target.Account)
	if err != nil {
		return models.ApplyStats{}, fmt.Errorf("token: %w", err)
	}
	cursor, err := s.store.GetCursor(ctx, target.Connection.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.ApplyStats{}, fmt.Errorf("load cursor: %w", err)
	}

	c := &connSync{Syncer: s, adapter: adapter, target: target, token: token, shared: shared}
	now := s.now().UTC()

	if tier == models.TierExtended {
		from, to := now.Add(-s.opts.PastWindow), now.Add(s.opts.FutureWindow)
		stats, syncToken, err := c.full(ctx, from, to, true)
		if err != nil {
			return stats, err
		}
		update := models.CursorUpdate{ConnectionID: target.Connection.ID, Tier: tier, SyncedAt: now}
		// The delta chain is owned by the immediate tier. The extended tier
		// only seeds it, or replaces a window-bound cursor that has aged.
		switch {
		case !adapter.SupportsDelta():
			update.WindowStart = &from
		case syncToken == "":
		case cursor.Token == "" || s.deltaWindowAged(adapter, cursor, now):
			update.Token, update.WindowStart = &syncToken, &from
		}
		return stats, s.saveCursor(ctx, update)
	}

	if cursor.Token != "" {
		stats, next, err := c.delta(ctx, cursor.Token)
		if err == nil {
			return stats, s.saveCursor(ctx, models.CursorUpdate{ConnectionID: target.Connection.ID, Tier: tier, Token: &next, SyncedAt: now})
		}
		if !errors.Is(err, provider.ErrCursorExpired) {
			return stats, err
		}
		s.logger.Warn("Delta cursor expired, falling back to full fetch.", "connectionID", target.Connection.ID, "provider", target.Account.Provider)
	}

	from, to := now.Add(-s.opts.FallbackPastWindow), now.Add(s.opts.FallbackFutureWindow)
	stats, syncToken, err := c.full(ctx, from, to, false)
	if err != nil {
		return stats, err
	}
	return stats, s.saveCursor(ctx, models.CursorUpdate{ConnectionID: target.Connection.ID, Tier: tier, Token: &syncToken, WindowStart: &from, SyncedAt: now})
}

func (s *Syncer) deltaWindowAged(adapter provider.Adapter, cursor models.SyncCursor, now time.Time) bool {
	if !provider.DeltaWindowBound(adapter) {
		return false
	}
	return cursor.WindowStart == nil || now.Sub(*cursor.WindowStart) > s.opts.PastWindow+deltaWindowRefresh
}

func (s *Syncer) saveCursor(ctx context.Context, u models.CursorUpdate) error {
	if s.opts.DryRun {
		s.logger.Info("[DRY RUN] Would save cursor.", "connectionID", u.ConnectionID, "tier", u.Tier)
		return nil
	}
	if err := s.store.SaveCursor(ctx, u); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *Syncer) recordStatus(ctx context.Context, target models.SyncTarget, syncErr error) {
	if s.opts.DryRun {
		return
	}
	status, msg := models.ConnectionOK, ""
	if syncErr != nil {
		status, msg = models.ConnectionErrored, syncErr.Error()
		if errors.Is(syncErr, provider.ErrAuthRevoked) {
			status = models.ConnectionRevoked
		}
	}
	// The job context may already be cancelled; the badge must still be written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.RecordConnectionStatus(ctx, target.Connection.ID, status, msg, s.now()); err != nil {
		s.logger.Error("Failed to record connection status", "connectionID", target.Connection.ID, "error", err)
	}
}

// passTokens shares access tokens between the connections of an account
// within one pass, so a rejected token is refreshed once per account.
type passTokens struct {
	mu        sync.Mutex
	byAccount map[string]*accountToken
}

type accountToken struct {
	mu    sync.Mutex
	token *oauth2.Token
}

func (p *passTokens) entry(accountID string) *accountToken {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byAccount[accountID]
	if !ok {
		e = &accountToken{}
		p.byAccount[accountID] = e
	}
	return e
}

func (p *passTokens) get(ctx context.Context, src Tokens, account models.CalendarAccount) (*oauth2.Token, error) {
	e := p.entry(account.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token != nil {
		return e.token, nil
	}
	token, err := src.GetValidToken(ctx, account)
	if err != nil {
		return nil, err
	}
	e.token = token
	return token, nil
}

// refresh replaces rejected. A sibling connection may already have done so.
func (p *passTokens) refresh(ctx context.Context, src Tokens, account models.CalendarAccount, rejected string) (*oauth2.Token, error) {
	e := p.entry(account.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token != nil && e.token.AccessToken != rejected {
		return e.token, nil
	}
	token, err := src.ForceRefresh(ctx, account, rejected)
	if err != nil {
		return nil, err
	}
	e.token = token
	return token, nil
}

// connSync carries the per-connection state of one pass.
type connSync struct {
	*Syncer
	adapter   provider.Adapter
	target    models.SyncTarget
	token     *oauth2.Token
	shared    *passTokens
	refreshed bool
}

// call runs one provider request under the page timeout and retry policy.
// An AuthExpired answer forces a single token refresh and another attempt.
func (c *connSync) call(ctx context.Context, fn func(ctx context.Context, token *oauth2.Token) error) error {
	for {
		err := c.opts.Retry.Do(ctx, func(ctx context.Context) error {
			if c.opts.PageTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.opts.PageTimeout)
				defer cancel()
			}
			return fn(ctx, c.token)
		})
		if err == nil {
			return nil
		}
		metrics.ObserveProviderError(string(c.target.Account.Provider), provider.KindOf(err).String())
		if c.refreshed || !errors.Is(err, provider.ErrAuthExpired) {
			return err
		}
		c.refreshed = true
		token, rerr := c.shared.refresh(ctx, c.tokens, c.target.Account, c.token.AccessToken)
		if rerr != nil {
			return fmt.Errorf("refresh after %v: %w", err, rerr)
		}
		c.token = token
	}
}

// delta follows the incremental feed from cursor until it is exhausted and
// returns the cursor to persist.
func (c *connSync) delta(ctx context.Context, cursor string) (models.ApplyStats, string, error) {
	var stats models.ApplyStats
	conn := c.target.Connection
	for range maxPages {
		var page provider.DeltaPage
		err := c.call(ctx, func(ctx context.Context, token *oauth2.Token) error {
			var err error
			page, err = c.adapter.ListEventsDelta(ctx, c.target.Account, token, conn, cursor)
			return err
		})
		if err != nil {
			return stats, "", err
		}
		applied, err := c.rec.Apply(ctx, c.target.Account.Provider, conn, page.Events)
		if err != nil {
			return stats, "", err
		}
		stats.Add(applied)
		if page.Next == "" {
			return stats, "", provider.NewError(c.target.Account.Provider, provider.KindMalformed, 0, errors.New("delta page without next cursor"))
		}
		cursor = page.Next
		if !page.HasMore {
			return stats, cursor, nil
		}
	}
	return stats, "", provider.NewError(c.target.Account.Provider, provider.KindMalformed, 0, fmt.Errorf("delta feed exceeded %d pages", maxPages))
}

// full fetches [from, to) page by page. With sweep set, live events in the
// window that the fetch did not return are soft-deleted afterwards.
func (c *connSync) full(ctx context.Context, from, to time.Time, sweep bool) (models.ApplyStats, string, error) {
	var stats models.ApplyStats
	conn := c.target.Connection
	started := c.now().UTC()
	seen := []string{}
	pageToken := ""
	for range maxPages {
		var page provider.FullPage
		err := c.call(ctx, func(ctx context.Context, token *oauth2.Token) error {
			var err error
			page, err = c.adapter.ListEventsFull(ctx, c.target.Account, token, conn, from, to, pageToken)
			return err
		})
		if err != nil {
			return stats, "", err
		}
		applied, err := c.rec.Apply(ctx, c.target.Account.Provider, conn, page.Events)
		if err != nil {
			return stats, "", err
		}
		stats.Add(applied)
		for _, e := range page.Events {
			if !e.Deleted && e.ExternalID != "" {
				seen = append(seen, e.ExternalID)
			}
		}
		seen = append(seen, page.Skipped...)
		if page.NextPage != "" {
			pageToken = page.NextPage
			continue
		}
		if sweep {
			n, err := c.rec.SweepMissing(ctx, c.target.Account.Provider, conn, seen, from, to, started)
			if err != nil {
				return stats, "", err
			}
			stats.SoftDeleted += n
		}
		return stats, page.SyncToken, nil
	}
	return stats, "", provider.NewError(c.target.Account.Provider, provider.KindMalformed, 0, fmt.Errorf("full fetch exceeded %d pages", maxPages))
}
