package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"calsync/internal/models"
)

const jobColumns = `id, ws_id, tier, status, started_at, finished_at, error, upserted, soft_deleted, unchanged, connections_failed`

// AcquireJob takes the (wsID, tier) concurrency key by inserting a running
// SyncJob. Running jobs started before staleBefore are first marked failed so
// a crashed instance cannot hold the key forever. ErrJobRunning is returned
// when a live job already holds the key.
func (s *Store) AcquireJob(ctx context.Context, wsID string, tier models.Tier, staleBefore time.Time) (models.SyncJob, error) {
	defer observeDB(ctx, "db.acquire_job")()
	now := s.now().UTC()
	job := models.SyncJob{
		ID:        uuid.NewString(),
		WsID:      wsID,
		Tier:      tier,
		Status:    models.JobRunning,
		StartedAt: now,
	}
	const reclaim = `UPDATE sync_jobs SET status = 'failed', finished_at = $4, error = 'reclaimed: exceeded job timeout'
WHERE ws_id = $1 AND tier = $2 AND status = 'running' AND started_at < $3`
	if _, err := s.db.Exec(ctx, reclaim, wsID, string(tier), staleBefore.UTC(), now); err != nil {
		return models.SyncJob{}, fmt.Errorf("reclaim stale jobs: %w", err)
	}

	const insert = `INSERT INTO sync_jobs (id, ws_id, tier, status, started_at)
VALUES ($1, $2, $3, 'running', $4)
ON CONFLICT (ws_id, tier) WHERE status = 'running' DO NOTHING`
	tag, err := s.db.Exec(ctx, insert, job.ID, wsID, string(tier), now)
	if err != nil {
		return models.SyncJob{}, fmt.Errorf("acquire job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.SyncJob{}, ErrJobRunning
	}
	return job, nil
}

// FinishJob releases the key by moving a running job to its final status.
// ErrNotFound means the job was reclaimed in the meantime.
func (s *Store) FinishJob(ctx context.Context, job models.SyncJob) error {
	defer observeDB(ctx, "db.finish_job")()
	finished := s.now().UTC()
	if job.FinishedAt != nil {
		finished = job.FinishedAt.UTC()
	}
	const q = `UPDATE sync_jobs SET status = $2, finished_at = $3, error = $4,
    upserted = $5, soft_deleted = $6, unchanged = $7, connections_failed = $8
WHERE id = $1 AND status = 'running'`
	tag, err := s.db.Exec(ctx, q, job.ID, string(job.Status), finished, job.Error,
		job.Stats.Upserted, job.Stats.SoftDeleted, job.Stats.Unchanged, job.Failed)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobs returns the most recent jobs of a workspace, newest first.
func (s *Store) ListJobs(ctx context.Context, wsID string, limit int) ([]models.SyncJob, error) {
	defer observeDB(ctx, "db.list_jobs")()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM sync_jobs
WHERE ws_id = $1 ORDER BY started_at DESC LIMIT $2`, wsID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SyncJob, error) {
		var (
			j      models.SyncJob
			tier   string
			status string
		)
		err := row.Scan(&j.ID, &j.WsID, &tier, &status, &j.StartedAt, &j.FinishedAt, &j.Error,
			&j.Stats.Upserted, &j.Stats.SoftDeleted, &j.Stats.Unchanged, &j.Failed)
		j.Tier = models.Tier(tier)
		j.Status = models.JobStatus(status)
		return j, err
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
