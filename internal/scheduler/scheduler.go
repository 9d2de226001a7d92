package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"calsync/internal/models"
)

// Scheduler fires each tier on its cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	orch   *Orchestrator
	logger *slog.Logger
	ctx    context.Context
}

// NewScheduler registers the immediate and extended tiers. Specs accept the
// standard five-field syntax and descriptors such as "@every 1m".
func NewScheduler(logger *slog.Logger, orch *Orchestrator, immediateSpec, extendedSpec string) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		orch:   orch,
		logger: logger,
		ctx:    context.Background(),
	}
	for tier, spec := range map[models.Tier]string{
		models.TierImmediate: immediateSpec,
		models.TierExtended:  extendedSpec,
	} {
		if _, err := s.cron.AddFunc(spec, func() { s.tick(tier) }); err != nil {
			return nil, fmt.Errorf("schedule %s tier %q: %w", tier, spec, err)
		}
	}
	return s, nil
}

// Start runs the schedules until ctx is cancelled, then stops the cron,
// cancels running jobs and waits for them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("Scheduler started.", "entries", len(s.cron.Entries()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.orch.Close()
	s.logger.Info("Scheduler stopped.")
	return nil
}

func (s *Scheduler) tick(tier models.Tier) {
	if _, err := s.orch.RunTier(s.ctx, tier); err != nil {
		s.logger.Error("Tier run failed", "tier", tier, "error", err)
	}
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
