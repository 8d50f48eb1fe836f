package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"integration-hub/internal/cache"
	"integration-hub/internal/models"
	"integration-hub/internal/queue"
	"integration-hub/internal/storage"
	"integration-hub/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("event not found")
)

var eventTypePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

const (
	DefaultStatsWindow = 24 * time.Hour
	statsTTL           = 30 * time.Second
	maxPerPage         = 100
)

type SubmitRequest struct {
	EventType      string
	SourceSystem   string
	Payload        json.RawMessage
	IdempotencyKey string
}

type Filter struct {
	EventType    string
	SourceSystem string
	Status       models.EventStatus
	From         *time.Time
	To           *time.Time
	Page         int
	PerPage      int
}

// Detail is an event with everything the hub knows about its deliveries.
type Detail struct {
	Event       *models.IntegrationEvent `json:"event"`
	Deliveries  []models.Delivery        `json:"deliveries"`
	Retries     []models.RetryEntry      `json:"retries"`
	DeadLetters []models.DeadLetter      `json:"dead_letters"`
}

type Stats struct {
	Window   string                      `json:"window"`
	Since    time.Time                   `json:"since"`
	Total    int64                       `json:"total"`
	ByStatus map[string]int64            `json:"by_status"`
	ByType   map[string]map[string]int64 `json:"by_type"`
}

type Service struct {
	store     storage.Store
	publisher queue.Publisher
	cache     cache.Cache
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store storage.Store, publisher queue.Publisher, c cache.Cache, logger *zap.Logger) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		cache:     c,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates and stores an event, then queues it for processing. A
// repeated (source_system, idempotency_key) returns the stored event with created=false.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.IntegrationEvent, bool, error) {
	if err := validate(req); err != nil {
		return nil, false, err
	}

	now := s.now()
	event := &models.IntegrationEvent{
		ID:             uuid.NewString(),
		EventType:      req.EventType,
		SourceSystem:   req.SourceSystem,
		Payload:        compact(req.Payload),
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.EventStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := s.store.InsertEvent(ctx, event)
	if err != nil {
		return nil, false, fmt.Errorf("store event: %w", err)
	}
	if !created {
		metrics.EventsReceived.WithLabelValues(req.SourceSystem, req.EventType, "duplicate").Inc()
		s.logger.Debug("Duplicate event ignored",
			zap.String("event_id", stored.ID),
			zap.String("source_system", req.SourceSystem),
			zap.String("idempotency_key", req.IdempotencyKey))
		return stored, false, nil
	}

	metrics.EventsReceived.WithLabelValues(req.SourceSystem, req.EventType, "created").Inc()
	s.logger.Info("Event received",
		zap.String("event_id", stored.ID),
		zap.String("event_type", stored.EventType),
		zap.String("source_system", stored.SourceSystem))

	s.enqueue(ctx, stored.ID)
	return stored, true, nil
}

func (s *Service) enqueue(ctx context.Context, eventID string) {
	if err := s.publisher.Publish(ctx, queue.ProcessTask(eventID)); err != nil {
		s.logger.Error("Failed to queue event, leaving it to the stale sweep",
			zap.Error(err),
			zap.String("event_id", eventID))
	}
}

func validate(req SubmitRequest) error {
	var problems []string
	if req.EventType == "" {
		problems = append(problems, "event_type is required")
	} else if !eventTypePattern.MatchString(req.EventType) {
		problems = append(problems, "event_type must look like entity.action")
	}
	if strings.TrimSpace(req.SourceSystem) == "" {
		problems = append(problems, "source_system is required")
	}
	trimmed := bytes.TrimSpace(req.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		problems = append(problems, "payload must be a JSON object")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func (s *Service) Get(ctx context.Context, id string) (*models.IntegrationEvent, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return ev, err
}

func (s *Service) Detail(ctx context.Context, id string) (*Detail, error) {
	ev, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	deliveries, err := s.store.ListDeliveries(ctx, id)
	if err != nil {
		return nil, err
	}
	retries, err := s.store.ListRetries(ctx, id)
	if err != nil {
		return nil, err
	}
	deadLetters, _, err := s.store.ListDeadLetters(ctx, storage.DeadLetterFilter{
		EventID:         id,
		IncludeArchived: true,
		Page:            storage.Page{Limit: 1000},
	})
	if err != nil {
		return nil, err
	}
	return &Detail{
		Event:       ev,
		Deliveries:  nonNil(deliveries),
		Retries:     nonNil(retries),
		DeadLetters: nonNil(deadLetters),
	}, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// List returns events newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]models.IntegrationEvent, int64, error) {
	page, perPage := f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	items, total, err := s.store.ListEvents(ctx, storage.EventFilter{
		EventType:    f.EventType,
		SourceSystem: f.SourceSystem,
		Status:       f.Status,
		From:         f.From,
		To:           f.To,
		Page:         storage.Page{Offset: (page - 1) * perPage, Limit: perPage},
	})
	if err != nil {
		return nil, 0, err
	}
	return nonNil(items), total, nil
}

// Retry restarts delivery of an event: undelivered deliveries get a fresh
// series, retry entries and dead letters are dropped and the event is queued again.
func (s *Service) Retry(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.ResetDeliveries(ctx, id); err != nil {
		return fmt.Errorf("reset deliveries: %w", err)
	}
	if err := s.store.DeleteRetriesForEvent(ctx, id); err != nil {
		return fmt.Errorf("delete retries: %w", err)
	}
	if _, err := s.store.DeleteDeadLettersForEvent(ctx, id); err != nil {
		return fmt.Errorf("delete dead letters: %w", err)
	}

	all := []models.EventStatus{
		models.EventStatusPending,
		models.EventStatusProcessing,
		models.EventStatusDelivered,
		models.EventStatusFailed,
		models.EventStatusDeadLettered,
	}
	if _, err := s.store.TransitionEvent(ctx, id, all, models.EventStatusPending, ""); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("reset event: %w", err)
	}

	s.logger.Info("Event queued for retry", zap.String("event_id", id))
	s.enqueue(ctx, id)
	return nil
}

// Stats aggregates events created within window. Results are cached briefly.
func (s *Service) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	key := "events:stats:" + window.String()
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var cached Stats
		if json.Unmarshal(raw, &cached) == nil {
			return &cached, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("Stats cache unavailable", zap.Error(err))
	}

	since := s.now().Add(-window)
	counts, err := s.store.CountEvents(ctx, since)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Window:   window.String(),
		Since:    since,
		ByStatus: make(map[string]int64),
		ByType:   make(map[string]map[string]int64),
	}
	for _, c := range counts {
		stats.Total += c.Count
		stats.ByStatus[string(c.Status)] += c.Count
		if stats.ByType[c.EventType] == nil {
			stats.ByType[c.EventType] = make(map[string]int64)
		}
		stats.ByType[c.EventType][string(c.Status)] += c.Count
	}

	if raw, err := json.Marshal(stats); err == nil {
		if err := s.cache.Set(ctx, key, raw, statsTTL); err != nil {
			s.logger.Warn("Failed to cache stats", zap.Error(err))
		}
	}
	return stats, nil
}

// RequeueStale resets pending or processing events untouched for olderThan
// and queues them again. It returns how many events were requeued.
func (s *Service) RequeueStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.store.ListStaleEvents(ctx,
		[]models.EventStatus{models.EventStatusPending, models.EventStatusProcessing},
		s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, ev := range stale {
		_, err := s.store.TransitionEvent(ctx, ev.ID,
			[]models.EventStatus{models.EventStatusPending, models.EventStatusProcessing},
			models.EventStatusPending, ev.LastError)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return requeued, err
		}
		s.enqueue(ctx, ev.ID)
		requeued++
	}
	if requeued > 0 {
		s.logger.Info("Stale events requeued", zap.Int("count", requeued))
	}
	return requeued, nil
}
