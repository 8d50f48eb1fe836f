package endpoints

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"integration-hub/internal/models"
	"integration-hub/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound     = errors.New("endpoint not found")
	ErrInvalidInput = errors.New("invalid endpoint")
)

const secretPrefix = "whsec_"

type Filter struct {
	SystemName string
	ActiveOnly bool
}

// Update carries optional changes; nil fields are left untouched.
type Update struct {
	SystemName *string
	URL        *string
}

// Registry manages webhook endpoints and their signing secrets.
type Registry struct {
	store  storage.EndpointStore
	logger *zap.Logger
	now    func() time.Time
}

func NewRegistry(store storage.EndpointStore, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register creates an active endpoint. The returned secret is only available here.
func (r *Registry) Register(ctx context.Context, systemName, rawURL string) (*models.WebhookEndpoint, string, error) {
	systemName = strings.TrimSpace(systemName)
	if systemName == "" {
		return nil, "", fmt.Errorf("%w: system_name is required", ErrInvalidInput)
	}
	if err := validateURL(rawURL); err != nil {
		return nil, "", err
	}
	secret, err := NewSecret()
	if err != nil {
		return nil, "", err
	}

	now := r.now()
	ep := &models.WebhookEndpoint{
		ID:              uuid.NewString(),
		SystemName:      systemName,
		URL:             rawURL,
		Secret:          secret,
		Status:          models.EndpointStatusActive,
		SecretRotatedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.InsertEndpoint(ctx, ep); err != nil {
		return nil, "", fmt.Errorf("insert endpoint: %w", err)
	}

	r.logger.Info("Endpoint registered",
		zap.String("endpoint_id", ep.ID),
		zap.String("system", systemName),
		zap.String("url", rawURL))
	return ep, secret, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	ep, err := r.store.GetEndpoint(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return ep, err
}

func (r *Registry) List(ctx context.Context, filter Filter) ([]models.WebhookEndpoint, error) {
	return r.store.ListEndpoints(ctx, storage.EndpointFilter{
		SystemName: filter.SystemName,
		ActiveOnly: filter.ActiveOnly,
	})
}

// ActiveForSystem returns every active endpoint registered for a system.
func (r *Registry) ActiveForSystem(ctx context.Context, systemName string) ([]models.WebhookEndpoint, error) {
	return r.List(ctx, Filter{SystemName: systemName, ActiveOnly: true})
}

func (r *Registry) Update(ctx context.Context, id string, upd Update) (*models.WebhookEndpoint, error) {
	patch := storage.EndpointPatch{UpdatedAt: r.now()}
	if upd.SystemName != nil {
		name := strings.TrimSpace(*upd.SystemName)
		if name == "" {
			return nil, fmt.Errorf("%w: system_name cannot be empty", ErrInvalidInput)
		}
		patch.SystemName = &name
	}
	if upd.URL != nil {
		if err := validateURL(*upd.URL); err != nil {
			return nil, err
		}
		patch.URL = upd.URL
	}
	return r.patch(ctx, id, patch)
}

func (r *Registry) Activate(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	return r.setStatus(ctx, id, models.EndpointStatusActive)
}

// Deactivate stops new deliveries to the endpoint. Pending retries towards it
// are dead-lettered when they come due.
func (r *Registry) Deactivate(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	return r.setStatus(ctx, id, models.EndpointStatusInactive)
}

func (r *Registry) setStatus(ctx context.Context, id string, status models.EndpointStatus) (*models.WebhookEndpoint, error) {
	ep, err := r.patch(ctx, id, storage.EndpointPatch{Status: &status, UpdatedAt: r.now()})
	if err != nil {
		return nil, err
	}
	r.logger.Info("Endpoint status set",
		zap.String("endpoint_id", id),
		zap.String("status", string(status)))
	return ep, nil
}

// RotateSecret replaces the signing secret. The previous secret stops being used at once.
func (r *Registry) RotateSecret(ctx context.Context, id string) (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}
	now := r.now()
	if _, err := r.patch(ctx, id, storage.EndpointPatch{Secret: &secret, SecretRotatedAt: &now, UpdatedAt: now}); err != nil {
		return "", err
	}
	r.logger.Info("Endpoint secret rotated", zap.String("endpoint_id", id))
	return secret, nil
}

func (r *Registry) patch(ctx context.Context, id string, patch storage.EndpointPatch) (*models.WebhookEndpoint, error) {
	ep, err := r.store.PatchEndpoint(ctx, id, patch)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update endpoint: %w", err)
	}
	return ep, nil
}

// SigningSecret reads the current secret from the store.
func (r *Registry) SigningSecret(ctx context.Context, id string) (string, error) {
	ep, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return ep.Secret, nil
}

// NewSecret returns a fresh random signing secret.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalidInput, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidInput)
	}
	return nil
}
