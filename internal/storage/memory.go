package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"integration-hub/internal/models"
)

// Memory is a process-local Store used by tests and by the single-process
// development mode. Every method holds one mutex, so conditional updates are atomic.
type Memory struct {
	mu          sync.Mutex
	events      map[string]*models.IntegrationEvent
	idempotency map[string]string
	mappings    []*models.EventMapping
	endpoints   map[string]*models.WebhookEndpoint
	deliveries  map[string]*models.Delivery
	retries     map[string]*models.RetryEntry // keyed by delivery id
	deadLetters map[string]*models.DeadLetter
	jobs        map[string]*models.SyncJob
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		events:      make(map[string]*models.IntegrationEvent),
		idempotency: make(map[string]string),
		endpoints:   make(map[string]*models.WebhookEndpoint),
		deliveries:  make(map[string]*models.Delivery),
		retries:     make(map[string]*models.RetryEntry),
		deadLetters: make(map[string]*models.DeadLetter),
		jobs:        make(map[string]*models.SyncJob),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for updated_at stamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func idempotencyIndex(source, key string) string {
	return source + "\x00" + key
}

func (m *Memory) InsertEvent(_ context.Context, event *models.IntegrationEvent) (*models.IntegrationEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.IdempotencyKey != "" {
		if id, ok := m.idempotency[idempotencyIndex(event.SourceSystem, event.IdempotencyKey)]; ok {
			existing := *m.events[id]
			return &existing, false, nil
		}
	}
	if _, ok := m.events[event.ID]; ok {
		return nil, false, ErrDuplicate
	}

	stored := *event
	m.events[stored.ID] = &stored
	if stored.IdempotencyKey != "" {
		m.idempotency[idempotencyIndex(stored.SourceSystem, stored.IdempotencyKey)] = stored.ID
	}
	out := stored
	return &out, true, nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*models.IntegrationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *e
	return &out, nil
}

func (m *Memory) ListEvents(_ context.Context, filter EventFilter) ([]models.IntegrationEvent, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.IntegrationEvent
	for _, e := range m.events {
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.SourceSystem != "" && e.SourceSystem != filter.SourceSystem {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.From != nil && e.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.CreatedAt.After(*filter.To) {
			continue
		}
		matched = append(matched, *e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, normalizePage(filter.Page, 20, 100)), int64(len(matched)), nil
}

func (m *Memory) TransitionEvent(_ context.Context, id string, from []models.EventStatus, to models.EventStatus, note string) (*models.IntegrationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if e.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrConflict
	}
	e.Status = to
	e.LastError = note
	e.Revision++
	e.UpdatedAt = m.now()
	out := *e
	return &out, nil
}

func (m *Memory) UpdateEventStatus(_ context.Context, id string, revision int64, to models.EventStatus, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.Revision != revision {
		return ErrConflict
	}
	e.Status = to
	e.LastError = note
	e.Revision++
	e.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ListStaleEvents(_ context.Context, statuses []models.EventStatus, untouchedSince time.Time, limit int) ([]models.IntegrationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.IntegrationEvent
	for _, e := range m.events {
		if !containsStatus(statuses, e.Status) || !e.UpdatedAt.Before(untouchedSince) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountEvents(_ context.Context, since time.Time) ([]models.EventCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct {
		eventType string
		status    models.EventStatus
	}
	counts := make(map[key]int64)
	for _, e := range m.events {
		if e.CreatedAt.Before(since) {
			continue
		}
		counts[key{e.EventType, e.Status}]++
	}
	out := make([]models.EventCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, models.EventCount{EventType: k.eventType, Status: k.status, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventType == out[j].EventType {
			return out[i].Status < out[j].Status
		}
		return out[i].EventType < out[j].EventType
	})
	return out, nil
}

func (m *Memory) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.IdempotencyKey != "" {
		delete(m.idempotency, idempotencyIndex(e.SourceSystem, e.IdempotencyKey))
	}
	delete(m.events, id)
	for did, d := range m.deliveries {
		if d.EventID == id {
			delete(m.deliveries, did)
		}
	}
	for did, r := range m.retries {
		if r.EventID == id {
			delete(m.retries, did)
		}
	}
	return nil
}

func (m *Memory) InsertMapping(_ context.Context, mapping *models.EventMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.mappings {
		if existing.EventType == mapping.EventType && existing.TargetSystem == mapping.TargetSystem && existing.Version == mapping.Version {
			return ErrDuplicate
		}
	}
	stored := *mapping
	m.mappings = append(m.mappings, &stored)
	return nil
}

func (m *Memory) LatestMapping(_ context.Context, eventType, targetSystem string) (*models.EventMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.EventMapping
	for _, mp := range m.mappings {
		if mp.EventType != eventType || mp.TargetSystem != targetSystem {
			continue
		}
		if latest == nil || mp.Version > latest.Version {
			latest = mp
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (m *Memory) MappingVersion(_ context.Context, eventType, targetSystem string, version int) (*models.EventMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mp := range m.mappings {
		if mp.EventType == eventType && mp.TargetSystem == targetSystem && mp.Version == version {
			out := *mp
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListMappingVersions(_ context.Context, eventType, targetSystem string) ([]models.EventMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.EventMapping
	for _, mp := range m.mappings {
		if mp.EventType == eventType && mp.TargetSystem == targetSystem {
			out = append(out, *mp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *Memory) ListActiveMappings(_ context.Context, eventType string) ([]models.EventMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := make(map[[2]string]*models.EventMapping)
	for _, mp := range m.mappings {
		if eventType != "" && mp.EventType != eventType {
			continue
		}
		k := [2]string{mp.EventType, mp.TargetSystem}
		if cur, ok := latest[k]; !ok || mp.Version > cur.Version {
			latest[k] = mp
		}
	}
	out := make([]models.EventMapping, 0, len(latest))
	for _, mp := range latest {
		out = append(out, *mp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventType == out[j].EventType {
			return out[i].TargetSystem < out[j].TargetSystem
		}
		return out[i].EventType < out[j].EventType
	})
	return out, nil
}

func (m *Memory) InsertEndpoint(_ context.Context, endpoint *models.WebhookEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.endpoints[endpoint.ID]; ok {
		return ErrDuplicate
	}
	stored := *endpoint
	m.endpoints[stored.ID] = &stored
	return nil
}

func (m *Memory) GetEndpoint(_ context.Context, id string) (*models.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *e
	return &out, nil
}

func (m *Memory) ListEndpoints(_ context.Context, filter EndpointFilter) ([]models.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.WebhookEndpoint
	for _, e := range m.endpoints {
		if filter.SystemName != "" && e.SystemName != filter.SystemName {
			continue
		}
		if filter.ActiveOnly && !e.Active() {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) PatchEndpoint(_ context.Context, id string, patch EndpointPatch) (*models.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.SystemName != nil {
		e.SystemName = *patch.SystemName
	}
	if patch.URL != nil {
		e.URL = *patch.URL
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.Secret != nil {
		e.Secret = *patch.Secret
	}
	if patch.SecretRotatedAt != nil {
		e.SecretRotatedAt = *patch.SecretRotatedAt
	}
	e.UpdatedAt = patch.UpdatedAt
	out := *e
	return &out, nil
}

func (m *Memory) EnsureDelivery(_ context.Context, delivery *models.Delivery) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.deliveries {
		if d.EventID == delivery.EventID && d.EndpointID == delivery.EndpointID {
			out := *d
			return &out, nil
		}
	}
	stored := *delivery
	m.deliveries[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (m *Memory) GetDelivery(_ context.Context, id string) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *d
	return &out, nil
}

func (m *Memory) ListDeliveries(_ context.Context, eventID string) ([]models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Delivery
	for _, d := range m.deliveries {
		if d.EventID == eventID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) PinMappingVersion(_ context.Context, id string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	if d.Terminal() {
		return ErrConflict
	}
	d.MappingVersion = version
	d.UpdatedAt = m.now()
	return nil
}

func (m *Memory) LeaseDelivery(_ context.Context, id string, now, leaseUntil time.Time) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Terminal() {
		return nil, ErrConflict
	}
	if d.LeasedUntil != nil && d.LeasedUntil.After(now) {
		return nil, ErrConflict
	}
	lease := leaseUntil
	d.LeasedUntil = &lease
	d.UpdatedAt = m.now()
	out := *d
	return &out, nil
}

func (m *Memory) RecordAttempt(_ context.Context, id string, result models.AttemptResult) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Status == models.DeliveryStatusDelivered {
		return nil, ErrConflict
	}
	at := result.At
	d.Attempts++
	d.ResponseCode = result.ResponseCode
	d.LastError = result.Error
	d.LastAttemptAt = &at
	d.LeasedUntil = nil
	if result.Delivered {
		d.Status = models.DeliveryStatusDelivered
	} else {
		d.Status = models.DeliveryStatusFailed
	}
	d.UpdatedAt = m.now()
	out := *d
	return &out, nil
}

func (m *Memory) MarkExhausted(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status == models.DeliveryStatusDelivered {
		return ErrConflict
	}
	d.Exhausted = true
	d.Status = models.DeliveryStatusFailed
	d.LastError = reason
	d.LeasedUntil = nil
	d.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ResetDeliveries(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.deliveries {
		if d.EventID != eventID || d.Status == models.DeliveryStatusDelivered {
			continue
		}
		d.Status = models.DeliveryStatusPending
		d.Exhausted = false
		d.LeasedUntil = nil
		d.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) UpsertRetry(_ context.Context, entry *models.RetryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *entry
	if existing, ok := m.retries[entry.DeliveryID]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	}
	m.retries[stored.DeliveryID] = &stored
	return nil
}

func (m *Memory) GetRetry(_ context.Context, deliveryID string) (*models.RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.retries[deliveryID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (m *Memory) ListRetries(_ context.Context, eventID string) ([]models.RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.RetryEntry
	for _, r := range m.retries {
		if r.EventID == eventID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	return out, nil
}

func (m *Memory) ClaimDueRetries(_ context.Context, now, leaseUntil time.Time, limit int) ([]models.RetryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.RetryEntry
	for _, r := range m.retries {
		if r.NextRetryAt.After(now) {
			continue
		}
		if r.LeasedUntil != nil && r.LeasedUntil.After(now) {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]models.RetryEntry, 0, len(due))
	for _, r := range due {
		lease := leaseUntil
		r.LeasedUntil = &lease
		r.UpdatedAt = m.now()
		out = append(out, *r)
	}
	return out, nil
}

func (m *Memory) DeleteRetry(_ context.Context, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.retries, deliveryID)
	return nil
}

func (m *Memory) DeleteRetriesForEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for did, r := range m.retries {
		if r.EventID == eventID {
			delete(m.retries, did)
		}
	}
	return nil
}

func (m *Memory) InsertDeadLetter(_ context.Context, entry *models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.deadLetters {
		if existing.DeliveryID == entry.DeliveryID {
			delete(m.deadLetters, id)
		}
	}
	stored := *entry
	m.deadLetters[stored.ID] = &stored
	return nil
}

func (m *Memory) GetDeadLetter(_ context.Context, id string) (*models.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.deadLetters[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *dl
	return &out, nil
}

func (m *Memory) ListDeadLetters(_ context.Context, filter DeadLetterFilter) ([]models.DeadLetter, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.DeadLetter
	for _, dl := range m.deadLetters {
		if !filter.IncludeArchived && dl.Archived != filter.Archived {
			continue
		}
		if filter.EventID != "" && dl.EventID != filter.EventID {
			continue
		}
		if filter.EventType != "" && dl.EventType != filter.EventType {
			continue
		}
		if filter.SourceSystem != "" && dl.SourceSystem != filter.SourceSystem {
			continue
		}
		if filter.TargetSystem != "" && dl.TargetSystem != filter.TargetSystem {
			continue
		}
		if filter.ReasonCode != "" && dl.ReasonCode != filter.ReasonCode {
			continue
		}
		matched = append(matched, *dl)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return paginate(matched, normalizePage(filter.Page, 20, 1000)), int64(len(matched)), nil
}

func (m *Memory) ArchiveDeadLetter(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.deadLetters[id]
	if !ok {
		return ErrNotFound
	}
	dl.Archived = true
	dl.ArchivedAt = &at
	return nil
}

func (m *Memory) DeleteDeadLetter(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deadLetters[id]; !ok {
		return ErrNotFound
	}
	delete(m.deadLetters, id)
	return nil
}

func (m *Memory) DeleteDeadLettersForEvent(_ context.Context, eventID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, dl := range m.deadLetters {
		if dl.EventID == eventID {
			delete(m.deadLetters, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateRunningJob(_ context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.JobType == job.JobType && j.Status == models.SyncJobStatusRunning {
			return ErrConflict
		}
	}
	stored := *job
	stored.Status = models.SyncJobStatusRunning
	m.jobs[stored.ID] = &stored
	return nil
}

func (m *Memory) FinishJob(_ context.Context, id string, result models.SyncJobResult) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != models.SyncJobStatusRunning {
		return nil, ErrConflict
	}
	finished := result.FinishedAt
	j.Status = result.Status
	j.FinishedAt = &finished
	if j.StartedAt != nil {
		j.DurationMs = finished.Sub(*j.StartedAt).Milliseconds()
	}
	j.EventsEmitted = result.EventsEmitted
	j.Duplicates = result.Duplicates
	j.Error = result.Error
	out := *j
	return &out, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *j
	return &out, nil
}

func (m *Memory) ListJobs(_ context.Context, filter SyncJobFilter) ([]models.SyncJob, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.SyncJob
	for _, j := range m.jobs {
		if filter.JobType != "" && j.JobType != filter.JobType {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, *j)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, normalizePage(filter.Page, 20, 1000)), int64(len(matched)), nil
}

func (m *Memory) LastSucceededJob(_ context.Context, jobType string) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last *models.SyncJob
	for _, j := range m.jobs {
		if j.JobType != jobType || j.Status != models.SyncJobStatusSucceeded || j.StartedAt == nil {
			continue
		}
		if last == nil || j.StartedAt.After(*last.StartedAt) {
			last = j
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	out := *last
	return &out, nil
}

func (m *Memory) ListRunningJobs(_ context.Context, startedBefore time.Time) ([]models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.SyncJob
	for _, j := range m.jobs {
		if j.Status != models.SyncJobStatusRunning || j.StartedAt == nil || !j.StartedAt.Before(startedBefore) {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close(context.Context) error { return nil }

func containsStatus(statuses []models.EventStatus, s models.EventStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, p Page) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}
