package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"integration-hub/internal/events"
	"integration-hub/internal/models"
	"integration-hub/internal/retry"
	"integration-hub/internal/storage"
	"integration-hub/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("dead letter not found")

const (
	statsPageSize   = 1000
	defaultRetryAll = 100
)

// EventRetrier replays an event from scratch.
type EventRetrier interface {
	Retry(ctx context.Context, eventID string) error
}

type Store interface {
	storage.DeadLetterStore
	GetEvent(ctx context.Context, id string) (*models.IntegrationEvent, error)
	DeleteEvent(ctx context.Context, id string) error
}

type Filter struct {
	EventType    string
	SourceSystem string
	TargetSystem string
	ReasonCode   string
	Archived     bool
	Page         int
	PerPage      int
}

type Stats struct {
	Total        int64            `json:"total"`
	Archived     int64            `json:"archived"`
	ByReasonCode map[string]int64 `json:"by_reason_code"`
	ByTarget     map[string]int64 `json:"by_target_system"`
	ByAge        map[string]int64 `json:"by_age"`
}

type Manager struct {
	store  Store
	events EventRetrier
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(store Store, events EventRetrier, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		events: events,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Quarantine records an exhausted delivery. The failure reason is kept verbatim.
func (m *Manager) Quarantine(ctx context.Context, d *models.Delivery, f retry.Failure) (*models.DeadLetter, error) {
	dl := &models.DeadLetter{
		ID:               uuid.NewString(),
		EventID:          d.EventID,
		DeliveryID:       d.ID,
		EndpointID:       d.EndpointID,
		TargetSystem:     d.TargetSystem,
		Reason:           f.Reason,
		ReasonCode:       f.ReasonCode,
		Attempts:         d.Attempts,
		LastResponseCode: f.ResponseCode,
		CreatedAt:        m.now(),
	}
	if dl.ReasonCode == "" {
		dl.ReasonCode = models.ReasonOther
	}

	ev, err := m.store.GetEvent(ctx, d.EventID)
	switch {
	case err == nil:
		dl.EventType = ev.EventType
		dl.SourceSystem = ev.SourceSystem
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load event: %w", err)
	}

	if err := m.store.InsertDeadLetter(ctx, dl); err != nil {
		return nil, fmt.Errorf("insert dead letter: %w", err)
	}
	metrics.DeadLettered.WithLabelValues(dl.TargetSystem, dl.ReasonCode).Inc()
	m.logger.Warn("Delivery dead-lettered",
		zap.String("dead_letter_id", dl.ID),
		zap.String("event_id", dl.EventID),
		zap.String("delivery_id", dl.DeliveryID),
		zap.String("target_system", dl.TargetSystem),
		zap.String("reason_code", dl.ReasonCode))
	return dl, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	dl, err := m.store.GetDeadLetter(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return dl, err
}

// List returns live entries, oldest first, unless Archived is set.
func (m *Manager) List(ctx context.Context, f Filter) ([]models.DeadLetter, int64, error) {
	page, perPage := f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	return m.store.ListDeadLetters(ctx, storage.DeadLetterFilter{
		EventType:    f.EventType,
		SourceSystem: f.SourceSystem,
		TargetSystem: f.TargetSystem,
		ReasonCode:   f.ReasonCode,
		Archived:     f.Archived,
		Page:         storage.Page{Offset: (page - 1) * perPage, Limit: perPage},
	})
}

// Retry replays the event behind a dead letter. It returns false when the
// event no longer exists.
func (m *Manager) Retry(ctx context.Context, id string) (bool, error) {
	dl, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if err := m.events.Retry(ctx, dl.EventID); err != nil {
		if errors.Is(err, events.ErrNotFound) {
			m.logger.Warn("Dead letter refers to a deleted event",
				zap.String("dead_letter_id", id),
				zap.String("event_id", dl.EventID))
			return false, nil
		}
		return false, err
	}
	m.logger.Info("Dead letter replayed",
		zap.String("dead_letter_id", id),
		zap.String("event_id", dl.EventID))
	return true, nil
}

// RetryAll replays up to limit live entries, oldest first. It returns how many
// entries were replayed and how many live entries existed before the call.
func (m *Manager) RetryAll(ctx context.Context, limit int) (int, int64, error) {
	if limit <= 0 {
		limit = defaultRetryAll
	}
	entries, total, err := m.store.ListDeadLetters(ctx, storage.DeadLetterFilter{
		Page: storage.Page{Limit: limit},
	})
	if err != nil {
		return 0, 0, err
	}

	retried := 0
	replayed := make(map[string]bool)
	for _, dl := range entries {
		if replayed[dl.EventID] {
			retried++
			continue
		}
		if err := m.events.Retry(ctx, dl.EventID); err != nil {
			if errors.Is(err, events.ErrNotFound) {
				continue
			}
			return retried, total, err
		}
		replayed[dl.EventID] = true
		retried++
	}
	m.logger.Info("Dead letters replayed", zap.Int("retried", retried), zap.Int64("total", total))
	return retried, total, nil
}

func (m *Manager) Archive(ctx context.Context, id string) (*models.DeadLetter, error) {
	if err := m.store.ArchiveDeadLetter(ctx, id, m.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return m.Get(ctx, id)
}

// Delete removes the entry. With purgeEvent the event, its deliveries, retry
// entries and other dead letters are removed too.
func (m *Manager) Delete(ctx context.Context, id string, purgeEvent bool) error {
	dl, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteDeadLetter(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if !purgeEvent {
		return nil
	}
	if _, err := m.store.DeleteDeadLettersForEvent(ctx, dl.EventID); err != nil {
		return err
	}
	if err := m.store.DeleteEvent(ctx, dl.EventID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	m.logger.Info("Event purged with its dead letters", zap.String("event_id", dl.EventID))
	return nil
}

func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByReasonCode: make(map[string]int64),
		ByTarget:     make(map[string]int64),
		ByAge: map[string]int64{
			"lt_1h":  0,
			"1h_24h": 0,
			"1d_7d":  0,
			"gt_7d":  0,
		},
	}
	now := m.now()

	for offset := 0; ; offset += statsPageSize {
		page, total, err := m.store.ListDeadLetters(ctx, storage.DeadLetterFilter{
			Page: storage.Page{Offset: offset, Limit: statsPageSize},
		})
		if err != nil {
			return nil, err
		}
		stats.Total = total
		for _, dl := range page {
			stats.ByReasonCode[dl.ReasonCode]++
			stats.ByTarget[dl.TargetSystem]++
			stats.ByAge[ageBucket(now.Sub(dl.CreatedAt))]++
		}
		if len(page) < statsPageSize {
			break
		}
	}

	_, archived, err := m.store.ListDeadLetters(ctx, storage.DeadLetterFilter{
		Archived: true,
		Page:     storage.Page{Limit: 1},
	})
	if err != nil {
		return nil, err
	}
	stats.Archived = archived
	return stats, nil
}

func ageBucket(age time.Duration) string {
	switch {
	case age < time.Hour:
		return "lt_1h"
	case age < 24*time.Hour:
		return "1h_24h"
	case age < 7*24*time.Hour:
		return "1d_7d"
	}
	return "gt_7d"
}
