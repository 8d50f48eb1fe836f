package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"integration-hub/internal/models"
	"integration-hub/internal/queue"
	"integration-hub/internal/storage"
	"integration-hub/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type FailureClass string

const (
	ClassTransient        FailureClass = "transient"
	ClassPermanent        FailureClass = "permanent"
	ClassTimeout          FailureClass = "timeout"
	ClassNetwork          FailureClass = "network"
	ClassEndpointInactive FailureClass = "endpoint_inactive"
	ClassOther            FailureClass = "other"
)

// Failure describes why a delivery attempt did not succeed.
type Failure struct {
	Class        FailureClass
	ReasonCode   string
	ResponseCode int
	Reason       string
	// Final skips the remaining budget and dead-letters at once.
	Final bool
}

// Quarantiner receives deliveries that ran out of attempts.
type Quarantiner interface {
	Quarantine(ctx context.Context, delivery *models.Delivery, failure Failure) (*models.DeadLetter, error)
}

type Store interface {
	storage.RetryStore
	MarkExhausted(ctx context.Context, id string, reason string) error
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Lease is how long a claimed entry is hidden from other sweeps.
	Lease time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 10 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Hour
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	return c
}

// Decision is what HandleFailure did with a failed attempt.
type Decision struct {
	Retry       bool
	NextRetryAt time.Time
	DeadLetter  *models.DeadLetter
}

type Scheduler struct {
	store     Store
	publisher queue.Publisher
	dlq       Quarantiner
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	jitter    func() float64
}

func NewScheduler(store Store, publisher queue.Publisher, dlq Quarantiner, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		publisher: publisher,
		dlq:       dlq,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		jitter:    defaultJitter,
	}
}

func (s *Scheduler) MaxAttempts() int { return s.cfg.MaxAttempts }

// HandleFailure either schedules the next attempt of the delivery's series or,
// when the budget is spent, marks it exhausted and quarantines it.
func (s *Scheduler) HandleFailure(ctx context.Context, d *models.Delivery, f Failure) (Decision, error) {
	series := 0
	entry, err := s.store.GetRetry(ctx, d.ID)
	switch {
	case err == nil:
		series = entry.Attempts
	case !errors.Is(err, storage.ErrNotFound):
		return Decision{}, fmt.Errorf("load retry entry: %w", err)
	}
	attempts := series + 1
	now := s.now()

	if !f.Final && attempts < s.cfg.MaxAttempts {
		next := now.Add(Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, attempts, s.jitter()))
		upsert := &models.RetryEntry{
			ID:           uuid.NewString(),
			DeliveryID:   d.ID,
			EventID:      d.EventID,
			EndpointID:   d.EndpointID,
			TargetSystem: d.TargetSystem,
			Attempts:     attempts,
			NextRetryAt:  next,
			LastError:    f.Reason,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.UpsertRetry(ctx, upsert); err != nil {
			return Decision{}, fmt.Errorf("schedule retry: %w", err)
		}
		metrics.RetriesScheduled.WithLabelValues(d.TargetSystem, string(f.Class)).Inc()
		s.logger.Info("Delivery retry scheduled",
			zap.String("delivery_id", d.ID),
			zap.String("event_id", d.EventID),
			zap.String("target_system", d.TargetSystem),
			zap.String("failure_class", string(f.Class)),
			zap.Int("series_attempts", attempts),
			zap.Time("next_retry_at", next))
		return Decision{Retry: true, NextRetryAt: next}, nil
	}

	if err := s.store.DeleteRetry(ctx, d.ID); err != nil {
		return Decision{}, fmt.Errorf("delete retry entry: %w", err)
	}
	if err := s.store.MarkExhausted(ctx, d.ID, f.Reason); err != nil {
		return Decision{}, fmt.Errorf("mark delivery exhausted: %w", err)
	}
	d.Exhausted = true
	d.Status = models.DeliveryStatusFailed
	d.LastError = f.Reason

	dl, err := s.dlq.Quarantine(ctx, d, f)
	if err != nil {
		return Decision{}, fmt.Errorf("quarantine delivery: %w", err)
	}
	s.logger.Warn("Delivery exhausted",
		zap.String("delivery_id", d.ID),
		zap.String("event_id", d.EventID),
		zap.String("target_system", d.TargetSystem),
		zap.String("failure_class", string(f.Class)),
		zap.Int("series_attempts", attempts),
		zap.String("reason", f.Reason))
	return Decision{DeadLetter: dl}, nil
}

// Clear drops the retry entry of a delivery that succeeded.
func (s *Scheduler) Clear(ctx context.Context, deliveryID string) error {
	return s.store.DeleteRetry(ctx, deliveryID)
}

// Sweep claims due retry entries and publishes a deliver task for each.
// Entries whose publish fails become claimable again once their lease ends.
func (s *Scheduler) Sweep(ctx context.Context, limit int) (int, error) {
	now := s.now()
	due, err := s.store.ClaimDueRetries(ctx, now, now.Add(s.cfg.Lease), limit)
	if err != nil {
		return 0, fmt.Errorf("claim due retries: %w", err)
	}

	published := 0
	for _, entry := range due {
		task := queue.DeliverTask(entry.EventID, entry.DeliveryID, entry.TargetSystem)
		if err := s.publisher.Publish(ctx, task); err != nil {
			s.logger.Error("Failed to publish retry",
				zap.Error(err),
				zap.String("delivery_id", entry.DeliveryID))
			continue
		}
		published++
	}
	if published > 0 {
		s.logger.Debug("Retry sweep published deliveries", zap.Int("count", published))
	}
	return published, nil
}
