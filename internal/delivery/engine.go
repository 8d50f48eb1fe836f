package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"integration-hub/internal/endpoints"
	"integration-hub/internal/mapping"
	"integration-hub/internal/models"
	"integration-hub/internal/queue"
	"integration-hub/internal/retry"
	"integration-hub/internal/storage"
	"integration-hub/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	statusWriteAttempts = 5
	publishConcurrency  = 8
)

type Config struct {
	// Timeout bounds a single outbound request.
	Timeout time.Duration
	// Lease hides a delivery from other workers while an attempt is in flight.
	Lease     time.Duration
	UserAgent string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = c.Timeout + 30*time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "integration-hub/1.0"
	}
	return c
}

type Option func(*Engine)

// WithSender routes deliveries for one target system through s.
func WithSender(targetSystem string, s Sender) Option {
	return func(e *Engine) { e.senders[targetSystem] = s }
}

// WithDefaultSender replaces the HTTP sender used for every other system.
func WithDefaultSender(s Sender) Option {
	return func(e *Engine) { e.sender = s }
}

// Engine fans events out to deliveries and performs the signed HTTP attempts.
type Engine struct {
	store     storage.Store
	mappings  *mapping.Service
	endpoints *endpoints.Registry
	retries   *retry.Scheduler
	publisher queue.Publisher
	cfg       Config
	sender    Sender
	senders   map[string]Sender
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(
	store storage.Store,
	mappings *mapping.Service,
	registry *endpoints.Registry,
	retries *retry.Scheduler,
	publisher queue.Publisher,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		store:     store,
		mappings:  mappings,
		endpoints: registry,
		retries:   retries,
		publisher: publisher,
		cfg:       cfg,
		sender:    NewHTTPSender(cfg.Timeout),
		senders:   make(map[string]Sender),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type target struct {
	mapping   models.EventMapping
	endpoints []models.WebhookEndpoint
}

// Process claims a pending event and creates or refreshes one delivery per
// active endpoint of every mapped target system. A lost claim is a no-op.
func (e *Engine) Process(ctx context.Context, eventID string) error {
	ev, err := e.store.TransitionEvent(ctx, eventID,
		[]models.EventStatus{models.EventStatusPending}, models.EventStatusProcessing, "")
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			e.logger.Debug("Event not claimable, skipping", zap.String("event_id", eventID), zap.Error(err))
			return nil
		}
		return fmt.Errorf("claim event: %w", err)
	}
	log := e.logger.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.EventType))

	mappings, err := e.mappings.Targets(ctx, ev.EventType)
	if err != nil {
		e.release(ctx, ev, "mapping lookup failed: "+err.Error())
		return fmt.Errorf("resolve mappings: %w", err)
	}
	if len(mappings) == 0 {
		log.Warn("No mapping published for event type")
		e.release(ctx, ev, fmt.Sprintf("no mapping published for event type %s", ev.EventType))
		return nil
	}

	var targets []target
	var unreachable []string
	for _, m := range mappings {
		eps, err := e.endpoints.ActiveForSystem(ctx, m.TargetSystem)
		if err != nil {
			e.release(ctx, ev, "endpoint lookup failed: "+err.Error())
			return fmt.Errorf("list endpoints: %w", err)
		}
		if len(eps) == 0 {
			unreachable = append(unreachable, m.TargetSystem)
			continue
		}
		targets = append(targets, target{mapping: m, endpoints: eps})
	}
	if len(targets) == 0 {
		log.Warn("No active endpoints for mapped targets", zap.Strings("targets", unreachable))
		e.release(ctx, ev, "no active endpoints for "+strings.Join(unreachable, ", "))
		return nil
	}

	for _, t := range targets {
		if _, err := mapping.Transform(&t.mapping, ev.Payload); err != nil {
			if mapping.IsMalformed(err) {
				log.Warn("Payload does not fit mapping",
					zap.String("target_system", t.mapping.TargetSystem),
					zap.Int("mapping_version", t.mapping.Version),
					zap.Error(err))
				e.setStatus(ctx, ev, models.EventStatusFailed, err.Error())
				metrics.EventsProcessed.WithLabelValues(ev.EventType, string(models.EventStatusFailed)).Inc()
				return nil
			}
			log.Error("Mapping engine error",
				zap.String("target_system", t.mapping.TargetSystem),
				zap.Int("mapping_version", t.mapping.Version),
				zap.Error(err))
			e.release(ctx, ev, err.Error())
			return nil
		}
	}

	var tasks []queue.Task
	for _, t := range targets {
		for _, ep := range t.endpoints {
			task, err := e.prepareDelivery(ctx, ev, t.mapping, ep)
			if err != nil {
				return err
			}
			if task != nil {
				tasks = append(tasks, *task)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(publishConcurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error { return e.publisher.Publish(gctx, task) })
	}
	if err := g.Wait(); err != nil {
		log.Error("Failed to queue deliveries, leaving event to the stale sweep", zap.Error(err))
	}

	log.Info("Event fanned out", zap.Int("targets", len(targets)), zap.Int("queued", len(tasks)))
	metrics.EventsProcessed.WithLabelValues(ev.EventType, string(models.EventStatusProcessing)).Inc()
	return e.refreshEventStatus(ctx, ev.ID)
}

// prepareDelivery ensures the delivery row exists with the current mapping
// version and returns a task unless nothing needs sending right now.
func (e *Engine) prepareDelivery(ctx context.Context, ev *models.IntegrationEvent, m models.EventMapping, ep models.WebhookEndpoint) (*queue.Task, error) {
	now := e.now()
	d, err := e.store.EnsureDelivery(ctx, &models.Delivery{
		ID:             uuid.NewString(),
		EventID:        ev.ID,
		EndpointID:     ep.ID,
		TargetSystem:   m.TargetSystem,
		MappingVersion: m.Version,
		Status:         models.DeliveryStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure delivery: %w", err)
	}
	if d.Terminal() {
		return nil, nil
	}

	_, err = e.store.GetRetry(ctx, d.ID)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load retry entry: %w", err)
	}

	if d.MappingVersion != m.Version {
		if err := e.store.PinMappingVersion(ctx, d.ID, m.Version); err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("pin mapping version: %w", err)
		}
	}
	task := queue.DeliverTask(ev.ID, d.ID, d.TargetSystem)
	return &task, nil
}

// Deliver performs one attempt for a delivery. Duplicate or early tasks are
// dropped: the delivery must be leasable and, when waiting for a retry, claimed
// by the retry sweep.
func (e *Engine) Deliver(ctx context.Context, deliveryID string) error {
	d, err := e.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load delivery: %w", err)
	}
	if d.Terminal() {
		return nil
	}

	now := e.now()
	entry, err := e.store.GetRetry(ctx, d.ID)
	switch {
	case err == nil:
		if entry.LeasedUntil == nil || !entry.LeasedUntil.After(now) {
			e.logger.Debug("Delivery is waiting for its retry, skipping", zap.String("delivery_id", d.ID))
			return nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("load retry entry: %w", err)
	}

	d, err = e.store.LeaseDelivery(ctx, d.ID, now, now.Add(e.cfg.Lease))
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("lease delivery: %w", err)
	}

	ev, err := e.store.GetEvent(ctx, d.EventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load event: %w", err)
	}

	if err := e.attempt(ctx, ev, d); err != nil {
		return err
	}
	return e.refreshEventStatus(ctx, ev.ID)
}

func (e *Engine) attempt(ctx context.Context, ev *models.IntegrationEvent, d *models.Delivery) error {
	log := e.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("delivery_id", d.ID),
		zap.String("target_system", d.TargetSystem))

	ep, err := e.endpoints.Get(ctx, d.EndpointID)
	if err != nil && !errors.Is(err, endpoints.ErrNotFound) {
		return fmt.Errorf("load endpoint: %w", err)
	}
	if ep == nil || !ep.Active() {
		return e.fail(ctx, log, d, retry.Failure{
			Class:      retry.ClassEndpointInactive,
			ReasonCode: models.ReasonEndpointInactive,
			Reason:     fmt.Sprintf("endpoint %s is inactive or removed", d.EndpointID),
			Final:      true,
		})
	}

	m, err := e.mappings.ResolveVersion(ctx, ev.EventType, d.TargetSystem, d.MappingVersion)
	if err != nil {
		if !errors.Is(err, mapping.ErrNotFound) {
			return fmt.Errorf("load mapping: %w", err)
		}
		return e.fail(ctx, log, d, retry.Failure{Class: retry.ClassOther, ReasonCode: models.ReasonOther, Reason: err.Error(), Final: true})
	}
	body, err := mapping.Transform(m, ev.Payload)
	if err != nil {
		return e.fail(ctx, log, d, retry.Failure{Class: retry.ClassOther, ReasonCode: models.ReasonOther, Reason: err.Error(), Final: true})
	}

	secret, err := e.endpoints.SigningSecret(ctx, ep.ID)
	if err != nil {
		return fmt.Errorf("load signing secret: %w", err)
	}

	attempt := d.Attempts + 1
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("User-Agent", e.cfg.UserAgent)
	header.Set(HeaderSignature, Sign(secret, body))
	header.Set(HeaderEventID, ev.ID)
	header.Set(HeaderEventType, ev.EventType)
	header.Set(HeaderDeliveryID, d.ID)
	header.Set(HeaderAttempt, strconv.Itoa(attempt))

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	start := time.Now()
	resp, sendErr := e.senderFor(d.TargetSystem).Send(sendCtx, Request{URL: ep.URL, Body: body, Header: header})
	cancel()
	metrics.DeliveryDuration.WithLabelValues(d.TargetSystem).Observe(time.Since(start).Seconds())

	failure := classify(resp, sendErr)
	result := models.AttemptResult{At: e.now()}
	if resp != nil {
		result.ResponseCode = resp.StatusCode
	}
	if failure == nil {
		result.Delivered = true
	} else {
		result.Error = failure.Reason
	}

	recorded, err := e.store.RecordAttempt(ctx, d.ID, result)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("record attempt: %w", err)
	}

	if failure == nil {
		metrics.DeliveryAttempts.WithLabelValues(d.TargetSystem, "delivered").Inc()
		log.Info("Delivery succeeded", zap.Int("attempt", attempt), zap.Int("status_code", result.ResponseCode))
		if err := e.retries.Clear(ctx, d.ID); err != nil {
			log.Error("Failed to clear retry entry", zap.Error(err))
		}
		return nil
	}

	metrics.DeliveryAttempts.WithLabelValues(d.TargetSystem, string(failure.Class)).Inc()
	if failure.Class == retry.ClassPermanent {
		log.Warn("Delivery rejected by receiver",
			zap.String("failure_class", string(failure.Class)),
			zap.Int("status_code", failure.ResponseCode),
			zap.Int("attempt", attempt))
	} else {
		log.Warn("Delivery attempt failed",
			zap.String("failure_class", string(failure.Class)),
			zap.Int("status_code", failure.ResponseCode),
			zap.Int("attempt", attempt),
			zap.String("reason", failure.Reason))
	}
	return e.fail(ctx, log, recorded, *failure)
}

func (e *Engine) fail(ctx context.Context, log *zap.Logger, d *models.Delivery, f retry.Failure) error {
	if _, err := e.retries.HandleFailure(ctx, d, f); err != nil {
		log.Error("Failed to handle delivery failure", zap.Error(err))
		return err
	}
	return nil
}

func (e *Engine) senderFor(targetSystem string) Sender {
	if s, ok := e.senders[targetSystem]; ok {
		return s
	}
	return e.sender
}

// release puts a claimed event back to pending with a note for operators.
func (e *Engine) release(ctx context.Context, ev *models.IntegrationEvent, note string) {
	e.setStatus(ctx, ev, models.EventStatusPending, note)
}

func (e *Engine) setStatus(ctx context.Context, ev *models.IntegrationEvent, status models.EventStatus, note string) {
	if err := e.store.UpdateEventStatus(ctx, ev.ID, ev.Revision, status, note); err != nil {
		e.logger.Error("Failed to update event status",
			zap.Error(err),
			zap.String("event_id", ev.ID),
			zap.String("status", string(status)))
	}
}

// refreshEventStatus derives the event status from its deliveries. The write
// is conditional on the revision read before the deliveries, so a concurrent
// writer forces a re-read instead of being overwritten.
func (e *Engine) refreshEventStatus(ctx context.Context, eventID string) error {
	for i := 0; i < statusWriteAttempts; i++ {
		ev, err := e.store.GetEvent(ctx, eventID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if ev.Status == models.EventStatusPending {
			// queued again; the next Process pass owns the status
			return nil
		}
		deliveries, err := e.store.ListDeliveries(ctx, eventID)
		if err != nil {
			return err
		}
		if len(deliveries) == 0 {
			return nil
		}

		status, note := Summarize(deliveries)
		if status == ev.Status && note == ev.LastError {
			return nil
		}
		err = e.store.UpdateEventStatus(ctx, ev.ID, ev.Revision, status, note)
		if err == nil {
			if status != models.EventStatusProcessing {
				metrics.EventsProcessed.WithLabelValues(ev.EventType, string(status)).Inc()
			}
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("update status of event %s: %w", eventID, storage.ErrConflict)
}

// Summarize derives an event status from its deliveries: all delivered is
// delivered; all settled with at least one exhausted is dead_lettered; any
// failure still being retried is failed; anything else is processing.
func Summarize(deliveries []models.Delivery) (models.EventStatus, string) {
	var delivered, exhausted, retrying int
	var lastError string
	for _, d := range deliveries {
		switch {
		case d.Status == models.DeliveryStatusDelivered:
			delivered++
		case d.Exhausted:
			exhausted++
		case d.Status == models.DeliveryStatusFailed:
			retrying++
			lastError = d.LastError
		}
	}

	total := len(deliveries)
	switch {
	case delivered == total:
		return models.EventStatusDelivered, ""
	case delivered+exhausted == total:
		return models.EventStatusDeadLettered, fmt.Sprintf("%d of %d deliveries dead-lettered", exhausted, total)
	case retrying > 0:
		return models.EventStatusFailed, lastError
	}
	return models.EventStatusProcessing, ""
}
