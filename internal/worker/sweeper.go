package worker

import (
	"context"
	"errors"
	"sort"
	"time"

	"integration-hub/internal/models"
	"integration-hub/internal/syncjob"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type RetrySweeper interface {
	Sweep(ctx context.Context, limit int) (int, error)
}

type StaleRequeuer interface {
	RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type SyncRunner interface {
	Start(ctx context.Context, jobType, trigger string) (*models.SyncJob, error)
	RecoverStale(ctx context.Context) (int, error)
}

type SweepConfig struct {
	RetryInterval time.Duration
	RetryBatch    int
	StaleInterval time.Duration
	StaleAfter    time.Duration
	StaleBatch    int
	SyncRecover   time.Duration
	// Schedules maps a sync job type to how often it runs.
	Schedules map[string]time.Duration
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = 100
	}
	if c.StaleInterval <= 0 {
		c.StaleInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.StaleBatch <= 0 {
		c.StaleBatch = 500
	}
	if c.SyncRecover <= 0 {
		c.SyncRecover = 5 * time.Minute
	}
	return c
}

// Sweeper runs the periodic jobs of the hub: due retries, stale events,
// stuck sync jobs and scheduled syncs.
type Sweeper struct {
	retries RetrySweeper
	events  StaleRequeuer
	sync    SyncRunner
	cfg     SweepConfig
	logger  *zap.Logger
}

func NewSweeper(retries RetrySweeper, events StaleRequeuer, sync SyncRunner, cfg SweepConfig, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		retries: retries,
		events:  events,
		sync:    sync,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return every(ctx, s.cfg.RetryInterval, s.sweepRetries)
	})
	g.Go(func() error {
		return every(ctx, s.cfg.StaleInterval, s.requeueStale)
	})
	if s.sync != nil {
		g.Go(func() error {
			return every(ctx, s.cfg.SyncRecover, s.recoverSync)
		})

		jobTypes := make([]string, 0, len(s.cfg.Schedules))
		for jobType := range s.cfg.Schedules {
			jobTypes = append(jobTypes, jobType)
		}
		sort.Strings(jobTypes)
		for _, jobType := range jobTypes {
			interval := s.cfg.Schedules[jobType]
			if interval <= 0 || !syncjob.ValidJobType(jobType) {
				s.logger.Warn("Ignoring sync schedule",
					zap.String("job_type", jobType),
					zap.Duration("interval", interval))
				continue
			}
			jobType := jobType
			g.Go(func() error {
				return every(ctx, interval, func(ctx context.Context) { s.scheduledSync(ctx, jobType) })
			})
		}
	}
	return g.Wait()
}

// every runs fn each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Sweeper) sweepRetries(ctx context.Context) {
	n, err := s.retries.Sweep(ctx, s.cfg.RetryBatch)
	if err != nil {
		s.logger.Error("Retry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("Due retries published", zap.Int("count", n))
	}
}

func (s *Sweeper) requeueStale(ctx context.Context) {
	if _, err := s.events.RequeueStale(ctx, s.cfg.StaleAfter, s.cfg.StaleBatch); err != nil {
		s.logger.Error("Stale event sweep failed", zap.Error(err))
	}
}

func (s *Sweeper) recoverSync(ctx context.Context) {
	if _, err := s.sync.RecoverStale(ctx); err != nil {
		s.logger.Error("Sync job recovery failed", zap.Error(err))
	}
}

func (s *Sweeper) scheduledSync(ctx context.Context, jobType string) {
	_, err := s.sync.Start(ctx, jobType, models.SyncTriggerSchedule)
	switch {
	case err == nil:
	case errors.Is(err, syncjob.ErrConflict):
		s.logger.Info("Scheduled sync skipped, previous run still active", zap.String("job_type", jobType))
	default:
		s.logger.Error("Failed to start scheduled sync", zap.String("job_type", jobType), zap.Error(err))
	}
}
