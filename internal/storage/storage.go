package storage

import (
	"context"
	"errors"
	"time"

	"integration-hub/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflicting state")
	ErrDuplicate = errors.New("duplicate key")
)

// Page is an offset/limit window over a listing.
type Page struct {
	Offset int
	Limit  int
}

type EventFilter struct {
	EventType    string
	SourceSystem string
	Status       models.EventStatus
	From         *time.Time
	To           *time.Time
	Page         Page
}

type EndpointFilter struct {
	SystemName string
	ActiveOnly bool
}

// EndpointPatch names the endpoint fields to change. Nil fields keep their stored value.
type EndpointPatch struct {
	SystemName      *string
	URL             *string
	Status          *models.EndpointStatus
	Secret          *string
	SecretRotatedAt *time.Time
	UpdatedAt       time.Time
}

type DeadLetterFilter struct {
	EventID      string
	EventType    string
	SourceSystem string
	TargetSystem string
	ReasonCode   string
	// Archived selects archived entries instead of live ones.
	Archived bool
	// IncludeArchived returns live and archived entries alike; Archived is ignored.
	IncludeArchived bool
	Page     Page
}

type SyncJobFilter struct {
	JobType string
	Status  models.SyncJobStatus
	Page    Page
}

type EventStore interface {
	// InsertEvent stores a new event. When an event with the same
	// (source_system, idempotency_key) exists it is returned with created=false.
	InsertEvent(ctx context.Context, event *models.IntegrationEvent) (stored *models.IntegrationEvent, created bool, err error)
	GetEvent(ctx context.Context, id string) (*models.IntegrationEvent, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]models.IntegrationEvent, int64, error)
	// TransitionEvent moves an event to status `to` only if it currently is in one of `from`.
	TransitionEvent(ctx context.Context, id string, from []models.EventStatus, to models.EventStatus, note string) (*models.IntegrationEvent, error)
	// UpdateEventStatus writes a status only if the stored revision still matches.
	UpdateEventStatus(ctx context.Context, id string, revision int64, to models.EventStatus, note string) error
	ListStaleEvents(ctx context.Context, statuses []models.EventStatus, untouchedSince time.Time, limit int) ([]models.IntegrationEvent, error)
	CountEvents(ctx context.Context, since time.Time) ([]models.EventCount, error)
	// DeleteEvent removes the event together with its deliveries and retry entries.
	DeleteEvent(ctx context.Context, id string) error
}

type MappingStore interface {
	// InsertMapping fails with ErrDuplicate when the version already exists for the pair.
	InsertMapping(ctx context.Context, mapping *models.EventMapping) error
	LatestMapping(ctx context.Context, eventType, targetSystem string) (*models.EventMapping, error)
	MappingVersion(ctx context.Context, eventType, targetSystem string, version int) (*models.EventMapping, error)
	// ListMappingVersions returns every version of the pair, newest first.
	ListMappingVersions(ctx context.Context, eventType, targetSystem string) ([]models.EventMapping, error)
	// ListActiveMappings returns the newest version of every pair, optionally for one event type.
	ListActiveMappings(ctx context.Context, eventType string) ([]models.EventMapping, error)
}

type EndpointStore interface {
	InsertEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error
	GetEndpoint(ctx context.Context, id string) (*models.WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, filter EndpointFilter) ([]models.WebhookEndpoint, error)
	// PatchEndpoint writes only the fields set in patch, in one atomic update,
	// and returns the endpoint as stored afterwards.
	PatchEndpoint(ctx context.Context, id string, patch EndpointPatch) (*models.WebhookEndpoint, error)
}

type DeliveryStore interface {
	// EnsureDelivery creates the (event, endpoint) delivery if missing and returns the stored row.
	EnsureDelivery(ctx context.Context, delivery *models.Delivery) (*models.Delivery, error)
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ListDeliveries(ctx context.Context, eventID string) ([]models.Delivery, error)
	// PinMappingVersion sets the mapping version for a delivery that is not terminal.
	PinMappingVersion(ctx context.Context, id string, version int) error
	// LeaseDelivery marks a non-terminal delivery as in flight until leaseUntil.
	// It fails with ErrConflict when the delivery is terminal or leased by someone else.
	LeaseDelivery(ctx context.Context, id string, now, leaseUntil time.Time) (*models.Delivery, error)
	// RecordAttempt increments attempts, stores the outcome and releases the lease.
	RecordAttempt(ctx context.Context, id string, result models.AttemptResult) (*models.Delivery, error)
	MarkExhausted(ctx context.Context, id string, reason string) error
	// ResetDeliveries reopens every non-delivered delivery of the event for a new attempt series.
	ResetDeliveries(ctx context.Context, eventID string) error
}

type RetryStore interface {
	UpsertRetry(ctx context.Context, entry *models.RetryEntry) error
	GetRetry(ctx context.Context, deliveryID string) (*models.RetryEntry, error)
	ListRetries(ctx context.Context, eventID string) ([]models.RetryEntry, error)
	// ClaimDueRetries leases up to limit entries whose next_retry_at has elapsed.
	ClaimDueRetries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]models.RetryEntry, error)
	DeleteRetry(ctx context.Context, deliveryID string) error
	DeleteRetriesForEvent(ctx context.Context, eventID string) error
}

type DeadLetterStore interface {
	// InsertDeadLetter stores the entry; a second entry for the same delivery replaces the first.
	InsertDeadLetter(ctx context.Context, entry *models.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]models.DeadLetter, int64, error)
	ArchiveDeadLetter(ctx context.Context, id string, at time.Time) error
	DeleteDeadLetter(ctx context.Context, id string) error
	DeleteDeadLettersForEvent(ctx context.Context, eventID string) (int64, error)
}

type SyncJobStore interface {
	// CreateRunningJob inserts a running job; ErrConflict when one of the same type is running.
	CreateRunningJob(ctx context.Context, job *models.SyncJob) error
	FinishJob(ctx context.Context, id string, result models.SyncJobResult) (*models.SyncJob, error)
	GetJob(ctx context.Context, id string) (*models.SyncJob, error)
	ListJobs(ctx context.Context, filter SyncJobFilter) ([]models.SyncJob, int64, error)
	LastSucceededJob(ctx context.Context, jobType string) (*models.SyncJob, error)
	ListRunningJobs(ctx context.Context, startedBefore time.Time) ([]models.SyncJob, error)
}

// Store is the hub's persistence surface.
type Store interface {
	EventStore
	MappingStore
	EndpointStore
	DeliveryStore
	RetryStore
	DeadLetterStore
	SyncJobStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func normalizePage(p Page, def, max int) Page {
	if p.Limit <= 0 {
		p.Limit = def
	}
	if p.Limit > max {
		p.Limit = max
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
