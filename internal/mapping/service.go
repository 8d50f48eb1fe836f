package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"integration-hub/internal/models"
	"integration-hub/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("mapping not found")

const publishAttempts = 5

// Service owns the versioned mapping catalogue. Published versions are never updated.
type Service struct {
	store  storage.MappingStore
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store storage.MappingStore, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Publish validates the rules and stores them as the next version of the pair.
func (s *Service) Publish(ctx context.Context, eventType, targetSystem string, rules json.RawMessage) (*models.EventMapping, error) {
	if eventType == "" || targetSystem == "" {
		return nil, fmt.Errorf("%w: event_type and target_system are required", ErrInvalidRules)
	}
	parsed, err := ParseRules(rules)
	if err != nil {
		return nil, err
	}
	canonical, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}

	for i := 0; i < publishAttempts; i++ {
		next := 1
		latest, err := s.store.LatestMapping(ctx, eventType, targetSystem)
		switch {
		case err == nil:
			next = latest.Version + 1
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("resolve latest mapping: %w", err)
		}

		m := &models.EventMapping{
			ID:           uuid.NewString(),
			EventType:    eventType,
			TargetSystem: targetSystem,
			Version:      next,
			Rules:        canonical,
			CreatedAt:    s.now(),
		}
		err = s.store.InsertMapping(ctx, m)
		if err == nil {
			s.logger.Info("Mapping published",
				zap.String("event_type", eventType),
				zap.String("target_system", targetSystem),
				zap.Int("version", next))
			return m, nil
		}
		if !errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("insert mapping: %w", err)
		}
	}
	return nil, fmt.Errorf("publish %s/%s: %w", eventType, targetSystem, storage.ErrConflict)
}

// Resolve returns the newest version of the pair.
func (s *Service) Resolve(ctx context.Context, eventType, targetSystem string) (*models.EventMapping, error) {
	m, err := s.store.LatestMapping(ctx, eventType, targetSystem)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s -> %s: %w", eventType, targetSystem, ErrNotFound)
	}
	return m, err
}

func (s *Service) ResolveVersion(ctx context.Context, eventType, targetSystem string, version int) (*models.EventMapping, error) {
	m, err := s.store.MappingVersion(ctx, eventType, targetSystem, version)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s -> %s v%d: %w", eventType, targetSystem, version, ErrNotFound)
	}
	return m, err
}

// Versions lists every version of the pair, newest first.
func (s *Service) Versions(ctx context.Context, eventType, targetSystem string) ([]models.EventMapping, error) {
	versions, err := s.store.ListMappingVersions(ctx, eventType, targetSystem)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%s -> %s: %w", eventType, targetSystem, ErrNotFound)
	}
	return versions, nil
}

// List returns the active (newest) mapping of every pair. An empty eventType lists all.
func (s *Service) List(ctx context.Context, eventType string) ([]models.EventMapping, error) {
	return s.store.ListActiveMappings(ctx, eventType)
}

// Targets returns the active mapping of every target system configured for the event type.
func (s *Service) Targets(ctx context.Context, eventType string) ([]models.EventMapping, error) {
	return s.store.ListActiveMappings(ctx, eventType)
}

// Test runs the active mapping of the pair against a payload without storing anything.
func (s *Service) Test(ctx context.Context, eventType, targetSystem string, payload json.RawMessage) (*models.EventMapping, json.RawMessage, error) {
	m, err := s.Resolve(ctx, eventType, targetSystem)
	if err != nil {
		return nil, nil, err
	}
	out, err := Transform(m, payload)
	if err != nil {
		return m, nil, err
	}
	return m, out, nil
}
