// Package scheduler fans sync tiers out to workspaces under the (workspace,
// tier) concurrency key and drives the tiers from cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"calsync/internal/metrics"
	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/store"
	"calsync/internal/syncer"
)

// reclaimGrace is added to the worst case lifetime of a job (a full queue wait
// plus a full run) before a running job is treated as abandoned.
const reclaimGrace = time.Minute

// JobStore holds the SyncJob rows that implement the concurrency key.
type JobStore interface {
	EligibleWorkspaces(ctx context.Context, providers []models.Provider) ([]string, error)
	AcquireJob(ctx context.Context, wsID string, tier models.Tier, staleBefore time.Time) (models.SyncJob, error)
	FinishJob(ctx context.Context, job models.SyncJob) error
}

// Worker runs one sync pass.
type Worker interface {
	SyncOnce(ctx context.Context, wsID string, tier models.Tier) (syncer.Result, error)
}

// Report is the outcome of one tier run.
type Report struct {
	Tier      models.Tier
	Triggered int
	Skipped   int
	Failed    int
}

// Orchestrator dispatches worker runs.
type Orchestrator struct {
	logger     *slog.Logger
	store      JobStore
	worker     Worker
	adapters   provider.Set
	pool       *semaphore.Weighted
	jobTimeout time.Duration
	now        func() time.Time

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator running at most poolSize jobs at once.
func NewOrchestrator(logger *slog.Logger, st JobStore, worker Worker, adapters provider.Set, poolSize int, jobTimeout time.Duration) *Orchestrator {
	if poolSize < 1 {
		poolSize = 1
	}
	life, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		logger:     logger,
		store:      st,
		worker:     worker,
		adapters:   adapters,
		pool:       semaphore.NewWeighted(int64(poolSize)),
		jobTimeout: jobTimeout,
		now:        time.Now,
		life:       life,
		cancel:     cancel,
	}
}

// RunTier dispatches the tier to every eligible workspace without waiting
// for the jobs. Workspaces whose key is held are skipped for this tick.
func (o *Orchestrator) RunTier(ctx context.Context, tier models.Tier) (Report, error) {
	report := Report{Tier: tier}
	var providers []models.Provider
	if tier == models.TierImmediate {
		providers = o.adapters.DeltaProviders()
		if len(providers) == 0 {
			return report, nil
		}
	}
	workspaces, err := o.store.EligibleWorkspaces(ctx, providers)
	if err != nil {
		return report, fmt.Errorf("eligible workspaces: %w", err)
	}

	for _, wsID := range workspaces {
		_, err := o.Dispatch(ctx, wsID, tier)
		switch {
		case err == nil:
			report.Triggered++
			metrics.ObserveDispatch(string(tier), "triggered")
		case errors.Is(err, store.ErrJobRunning):
			report.Skipped++
			metrics.ObserveDispatch(string(tier), "skipped")
			o.logger.Debug("Job already running, skipping workspace.", "wsID", wsID, "tier", tier)
		default:
			report.Failed++
			metrics.ObserveDispatch(string(tier), "failed")
			o.logger.Error("Failed to dispatch sync job", "wsID", wsID, "tier", tier, "error", err)
		}
	}
	o.logger.Info("Tier dispatched.", "tier", tier, "workspaces", len(workspaces),
		"triggered", report.Triggered, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// Dispatch takes the concurrency key for (wsID, tier) and starts the worker in
// the background. store.ErrJobRunning means another run holds the key.
func (o *Orchestrator) Dispatch(ctx context.Context, wsID string, tier models.Tier) (models.SyncJob, error) {
	if err := o.life.Err(); err != nil {
		return models.SyncJob{}, fmt.Errorf("orchestrator closed: %w", err)
	}
	staleBefore := o.now().Add(-(2*o.jobTimeout + reclaimGrace))
	job, err := o.store.AcquireJob(ctx, wsID, tier, staleBefore)
	if err != nil {
		return models.SyncJob{}, err
	}
	o.wg.Add(1)
	go o.run(job)
	return job, nil
}

func (o *Orchestrator) run(job models.SyncJob) {
	defer o.wg.Done()

	var (
		res  syncer.Result
		err  error
		done = func(string) {}
	)
	if err = o.acquireSlot(); err == nil {
		done = metrics.JobStarted(string(job.Tier))
		res, err = o.execute(job)
		o.pool.Release(1)
	}

	job.Stats, job.Failed = res.Stats, res.Failed
	job.Status = models.JobSucceeded
	if err != nil {
		job.Status = models.JobFailed
		job.Error = truncate(err.Error(), 1000)
		o.logger.Error("Sync job failed", "wsID", job.WsID, "tier", job.Tier, "jobID", job.ID, "error", err)
	}
	finished := o.now()
	job.FinishedAt = &finished
	done(string(job.Status))

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(o.life), 10*time.Second)
	defer fcancel()
	if ferr := o.store.FinishJob(fctx, job); ferr != nil {
		if errors.Is(ferr, store.ErrNotFound) {
			o.logger.Warn("Sync job was reclaimed before it finished", "wsID", job.WsID, "tier", job.Tier, "jobID", job.ID)
			return
		}
		o.logger.Error("Failed to finish sync job", "jobID", job.ID, "error", ferr)
	}
}

// acquireSlot waits for a worker slot. The wait has its own bound so a job
// that queued behind others still gets its full run time.
func (o *Orchestrator) acquireSlot() error {
	ctx, cancel := context.WithTimeout(o.life, o.jobTimeout)
	defer cancel()
	if err := o.pool.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("no worker slot within %s: %w", o.jobTimeout, err)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) execute(job models.SyncJob) (syncer.Result, error) {
	ctx, cancel := context.WithTimeout(o.life, o.jobTimeout)
	defer cancel()
	res, err := o.worker.SyncOnce(ctx, job.WsID, job.Tier)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job exceeded %s: %w", o.jobTimeout, ctx.Err())
	}
	return res, err
}

// Wait blocks until all dispatched jobs have finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Close cancels running jobs and waits for them to release their keys.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
