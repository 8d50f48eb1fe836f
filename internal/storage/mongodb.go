package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"integration-hub/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	collEvents      = "events"
	collMappings    = "event_mappings"
	collEndpoints   = "webhook_endpoints"
	collDeliveries  = "deliveries"
	collRetries     = "retry_entries"
	collDeadLetters = "dead_letters"
	collSyncJobs    = "sync_jobs"
)

type MongoDB struct {
	client      *mongo.Client
	events      *mongo.Collection
	mappings    *mongo.Collection
	endpoints   *mongo.Collection
	deliveries  *mongo.Collection
	retries     *mongo.Collection
	deadLetters *mongo.Collection
	syncJobs    *mongo.Collection
	logger      *zap.Logger
}

func NewMongoDB(uri, database string, logger *zap.Logger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri).
		SetMaxPoolSize(100).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetSocketTimeout(30 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	logger.Info("Successfully connected to MongoDB", zap.String("database", database))

	db := client.Database(database)
	m := &MongoDB{
		client:      client,
		events:      db.Collection(collEvents),
		mappings:    db.Collection(collMappings),
		endpoints:   db.Collection(collEndpoints),
		deliveries:  db.Collection(collDeliveries),
		retries:     db.Collection(collRetries),
		deadLetters: db.Collection(collDeadLetters),
		syncJobs:    db.Collection(collSyncJobs),
		logger:      logger,
	}

	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MongoDB) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		m.events: {
			{
				Keys: bson.D{{Key: "source_system", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$exists": true}}),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
			{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
		m.mappings: {
			{
				Keys:    bson.D{{Key: "event_type", Value: 1}, {Key: "target_system", Value: 1}, {Key: "version", Value: -1}},
				Options: options.Index().SetUnique(true),
			},
		},
		m.endpoints: {
			{Keys: bson.D{{Key: "system_name", Value: 1}, {Key: "status", Value: 1}}},
		},
		m.deliveries: {
			{
				Keys:    bson.D{{Key: "event_id", Value: 1}, {Key: "endpoint_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		m.retries: {
			{Keys: bson.D{{Key: "delivery_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "next_retry_at", Value: 1}}},
			{Keys: bson.D{{Key: "event_id", Value: 1}}},
		},
		m.deadLetters: {
			{Keys: bson.D{{Key: "delivery_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "archived", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "event_id", Value: 1}}},
		},
		m.syncJobs: {
			// At most one running job per type.
			{
				Keys: bson.D{{Key: "job_type", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("single_running_job").
					SetPartialFilterExpression(bson.M{"status": models.SyncJobStatusRunning}),
			},
			{Keys: bson.D{{Key: "job_type", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}

	for coll, idx := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func findOptions(p Page, sort bson.D) *options.FindOptions {
	return options.Find().SetSort(sort).SetSkip(int64(p.Offset)).SetLimit(int64(p.Limit))
}

func leaseFree(now time.Time) bson.A {
	return bson.A{
		bson.M{"leased_until": bson.M{"$exists": false}},
		bson.M{"leased_until": nil},
		bson.M{"leased_until": bson.M{"$lte": now}},
	}
}

// Events

func (m *MongoDB) InsertEvent(ctx context.Context, event *models.IntegrationEvent) (*models.IntegrationEvent, bool, error) {
	_, err := m.events.InsertOne(ctx, event)
	if err == nil {
		out := *event
		return &out, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		m.logger.Error("Failed to insert event",
			zap.Error(err),
			zap.String("source_system", event.SourceSystem),
			zap.String("event_type", event.EventType))
		return nil, false, err
	}
	if event.IdempotencyKey == "" {
		return nil, false, ErrDuplicate
	}

	var existing models.IntegrationEvent
	filter := bson.M{"source_system": event.SourceSystem, "idempotency_key": event.IdempotencyKey}
	if err := m.events.FindOne(ctx, filter).Decode(&existing); err != nil {
		return nil, false, notFound(err)
	}
	return &existing, false, nil
}

func (m *MongoDB) GetEvent(ctx context.Context, id string) (*models.IntegrationEvent, error) {
	var e models.IntegrationEvent
	if err := m.events.FindOne(ctx, bson.M{"_id": id}).Decode(&e); err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (m *MongoDB) ListEvents(ctx context.Context, filter EventFilter) ([]models.IntegrationEvent, int64, error) {
	q := bson.M{}
	if filter.EventType != "" {
		q["event_type"] = filter.EventType
	}
	if filter.SourceSystem != "" {
		q["source_system"] = filter.SourceSystem
	}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if filter.From != nil || filter.To != nil {
		created := bson.M{}
		if filter.From != nil {
			created["$gte"] = *filter.From
		}
		if filter.To != nil {
			created["$lte"] = *filter.To
		}
		q["created_at"] = created
	}

	total, err := m.events.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	page := normalizePage(filter.Page, 20, 100)
	cursor, err := m.events.Find(ctx, q, findOptions(page, bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	events := []models.IntegrationEvent{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (m *MongoDB) TransitionEvent(ctx context.Context, id string, from []models.EventStatus, to models.EventStatus, note string) (*models.IntegrationEvent, error) {
	filter := bson.M{"_id": id, "status": bson.M{"$in": from}}
	update := bson.M{
		"$set": bson.M{"status": to, "last_error": note, "updated_at": time.Now().UTC()},
		"$inc": bson.M{"revision": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var e models.IntegrationEvent
	err := m.events.FindOneAndUpdate(ctx, filter, update, opts).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := m.GetEvent(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (m *MongoDB) UpdateEventStatus(ctx context.Context, id string, revision int64, to models.EventStatus, note string) error {
	filter := bson.M{"_id": id, "revision": revision}
	update := bson.M{
		"$set": bson.M{"status": to, "last_error": note, "updated_at": time.Now().UTC()},
		"$inc": bson.M{"revision": 1},
	}
	res, err := m.events.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, getErr := m.GetEvent(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

func (m *MongoDB) ListStaleEvents(ctx context.Context, statuses []models.EventStatus, untouchedSince time.Time, limit int) ([]models.IntegrationEvent, error) {
	filter := bson.M{
		"status":     bson.M{"$in": statuses},
		"updated_at": bson.M{"$lt": untouchedSince},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []models.IntegrationEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (m *MongoDB) CountEvents(ctx context.Context, since time.Time) ([]models.EventCount, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"created_at": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"event_type": "$event_type", "status": "$status"},
			"count": bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id.event_type", Value: 1}, {Key: "_id.status", Value: 1}}}},
	}
	cursor, err := m.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Key struct {
			EventType string             `bson:"event_type"`
			Status    models.EventStatus `bson:"status"`
		} `bson:"_id"`
		Count int64 `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	out := make([]models.EventCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.EventCount{EventType: r.Key.EventType, Status: r.Key.Status, Count: r.Count})
	}
	return out, nil
}

func (m *MongoDB) DeleteEvent(ctx context.Context, id string) error {
	res, err := m.events.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	if _, err := m.deliveries.DeleteMany(ctx, bson.M{"event_id": id}); err != nil {
		return err
	}
	_, err = m.retries.DeleteMany(ctx, bson.M{"event_id": id})
	return err
}

// Mappings

func (m *MongoDB) InsertMapping(ctx context.Context, mapping *models.EventMapping) error {
	_, err := m.mappings.InsertOne(ctx, mapping)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (m *MongoDB) LatestMapping(ctx context.Context, eventType, targetSystem string) (*models.EventMapping, error) {
	filter := bson.M{"event_type": eventType, "target_system": targetSystem}
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})

	var mp models.EventMapping
	if err := m.mappings.FindOne(ctx, filter, opts).Decode(&mp); err != nil {
		return nil, notFound(err)
	}
	return &mp, nil
}

func (m *MongoDB) MappingVersion(ctx context.Context, eventType, targetSystem string, version int) (*models.EventMapping, error) {
	filter := bson.M{"event_type": eventType, "target_system": targetSystem, "version": version}

	var mp models.EventMapping
	if err := m.mappings.FindOne(ctx, filter).Decode(&mp); err != nil {
		return nil, notFound(err)
	}
	return &mp, nil
}

func (m *MongoDB) ListMappingVersions(ctx context.Context, eventType, targetSystem string) ([]models.EventMapping, error) {
	filter := bson.M{"event_type": eventType, "target_system": targetSystem}
	cursor, err := m.mappings.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "version", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.EventMapping
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoDB) ListActiveMappings(ctx context.Context, eventType string) ([]models.EventMapping, error) {
	match := bson.M{}
	if eventType != "" {
		match["event_type"] = eventType
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$sort", Value: bson.D{{Key: "event_type", Value: 1}, {Key: "target_system", Value: 1}, {Key: "version", Value: -1}}}},
		{{Key: "$group", Value: bson.M{
			"_id":    bson.M{"event_type": "$event_type", "target_system": "$target_system"},
			"latest": bson.M{"$first": "$$ROOT"},
		}}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$latest"}}},
		{{Key: "$sort", Value: bson.D{{Key: "event_type", Value: 1}, {Key: "target_system", Value: 1}}}},
	}
	cursor, err := m.mappings.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.EventMapping
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Endpoints

func (m *MongoDB) InsertEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error {
	_, err := m.endpoints.InsertOne(ctx, endpoint)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (m *MongoDB) GetEndpoint(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	var e models.WebhookEndpoint
	if err := m.endpoints.FindOne(ctx, bson.M{"_id": id}).Decode(&e); err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (m *MongoDB) ListEndpoints(ctx context.Context, filter EndpointFilter) ([]models.WebhookEndpoint, error) {
	q := bson.M{}
	if filter.SystemName != "" {
		q["system_name"] = filter.SystemName
	}
	if filter.ActiveOnly {
		q["status"] = models.EndpointStatusActive
	}
	cursor, err := m.endpoints.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.WebhookEndpoint
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoDB) PatchEndpoint(ctx context.Context, id string, patch EndpointPatch) (*models.WebhookEndpoint, error) {
	set := bson.M{"updated_at": patch.UpdatedAt}
	if patch.SystemName != nil {
		set["system_name"] = *patch.SystemName
	}
	if patch.URL != nil {
		set["url"] = *patch.URL
	}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if patch.Secret != nil {
		set["secret"] = *patch.Secret
	}
	if patch.SecretRotatedAt != nil {
		set["secret_rotated_at"] = *patch.SecretRotatedAt
	}

	var e models.WebhookEndpoint
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if err := m.endpoints.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&e); err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// Deliveries

func (m *MongoDB) EnsureDelivery(ctx context.Context, delivery *models.Delivery) (*models.Delivery, error) {
	filter := bson.M{"event_id": delivery.EventID, "endpoint_id": delivery.EndpointID}
	update := bson.M{"$setOnInsert": delivery}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var d models.Delivery
	err := m.deliveries.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
	if mongo.IsDuplicateKeyError(err) {
		// Lost an upsert race; the row exists now.
		err = m.deliveries.FindOne(ctx, filter).Decode(&d)
	}
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (m *MongoDB) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	var d models.Delivery
	if err := m.deliveries.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (m *MongoDB) ListDeliveries(ctx context.Context, eventID string) ([]models.Delivery, error) {
	cursor, err := m.deliveries.Find(ctx, bson.M{"event_id": eventID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.Delivery
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoDB) PinMappingVersion(ctx context.Context, id string, version int) error {
	filter := bson.M{"_id": id, "status": bson.M{"$ne": models.DeliveryStatusDelivered}, "exhausted": false}
	update := bson.M{"$set": bson.M{"mapping_version": version, "updated_at": time.Now().UTC()}}
	res, err := m.deliveries.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, getErr := m.GetDelivery(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

func (m *MongoDB) LeaseDelivery(ctx context.Context, id string, now, leaseUntil time.Time) (*models.Delivery, error) {
	filter := bson.M{
		"_id":       id,
		"status":    bson.M{"$ne": models.DeliveryStatusDelivered},
		"exhausted": false,
		"$or":       leaseFree(now),
	}
	update := bson.M{"$set": bson.M{"leased_until": leaseUntil, "updated_at": time.Now().UTC()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var d models.Delivery
	err := m.deliveries.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := m.GetDelivery(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *MongoDB) RecordAttempt(ctx context.Context, id string, result models.AttemptResult) (*models.Delivery, error) {
	status := models.DeliveryStatusFailed
	if result.Delivered {
		status = models.DeliveryStatusDelivered
	}
	filter := bson.M{"_id": id, "status": bson.M{"$ne": models.DeliveryStatusDelivered}}
	update := bson.M{
		"$inc": bson.M{"attempts": 1},
		"$set": bson.M{
			"status":          status,
			"response_code":   result.ResponseCode,
			"last_error":      result.Error,
			"last_attempt_at": result.At,
			"updated_at":      time.Now().UTC(),
		},
		"$unset": bson.M{"leased_until": ""},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var d models.Delivery
	err := m.deliveries.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := m.GetDelivery(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *MongoDB) MarkExhausted(ctx context.Context, id string, reason string) error {
	filter := bson.M{"_id": id, "status": bson.M{"$ne": models.DeliveryStatusDelivered}}
	update := bson.M{
		"$set": bson.M{
			"exhausted":  true,
			"status":     models.DeliveryStatusFailed,
			"last_error": reason,
			"updated_at": time.Now().UTC(),
		},
		"$unset": bson.M{"leased_until": ""},
	}
	res, err := m.deliveries.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, getErr := m.GetDelivery(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

func (m *MongoDB) ResetDeliveries(ctx context.Context, eventID string) error {
	filter := bson.M{"event_id": eventID, "status": bson.M{"$ne": models.DeliveryStatusDelivered}}
	update := bson.M{
		"$set":   bson.M{"status": models.DeliveryStatusPending, "exhausted": false, "updated_at": time.Now().UTC()},
		"$unset": bson.M{"leased_until": ""},
	}
	_, err := m.deliveries.UpdateMany(ctx, filter, update)
	return err
}

// Retry entries

func (m *MongoDB) UpsertRetry(ctx context.Context, entry *models.RetryEntry) error {
	filter := bson.M{"delivery_id": entry.DeliveryID}
	update := bson.M{
		"$set": bson.M{
			"event_id":      entry.EventID,
			"endpoint_id":   entry.EndpointID,
			"target_system": entry.TargetSystem,
			"attempts":      entry.Attempts,
			"next_retry_at": entry.NextRetryAt,
			"last_error":    entry.LastError,
			"updated_at":    entry.UpdatedAt,
		},
		"$unset":       bson.M{"leased_until": ""},
		"$setOnInsert": bson.M{"_id": entry.ID, "created_at": entry.CreatedAt},
	}
	_, err := m.retries.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (m *MongoDB) GetRetry(ctx context.Context, deliveryID string) (*models.RetryEntry, error) {
	var r models.RetryEntry
	if err := m.retries.FindOne(ctx, bson.M{"delivery_id": deliveryID}).Decode(&r); err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (m *MongoDB) ListRetries(ctx context.Context, eventID string) ([]models.RetryEntry, error) {
	cursor, err := m.retries.Find(ctx, bson.M{"event_id": eventID}, options.Find().SetSort(bson.D{{Key: "next_retry_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.RetryEntry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimDueRetries leases entries one at a time so concurrent sweepers never share one.
func (m *MongoDB) ClaimDueRetries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]models.RetryEntry, error) {
	filter := bson.M{
		"next_retry_at": bson.M{"$lte": now},
		"$or":           leaseFree(now),
	}
	update := bson.M{"$set": bson.M{"leased_until": leaseUntil, "updated_at": time.Now().UTC()}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_retry_at", Value: 1}}).
		SetReturnDocument(options.After)

	var claimed []models.RetryEntry
	for limit <= 0 || len(claimed) < limit {
		var r models.RetryEntry
		err := m.retries.FindOneAndUpdate(ctx, filter, update, opts).Decode(&r)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, r)
	}
	return claimed, nil
}

func (m *MongoDB) DeleteRetry(ctx context.Context, deliveryID string) error {
	_, err := m.retries.DeleteOne(ctx, bson.M{"delivery_id": deliveryID})
	return err
}

func (m *MongoDB) DeleteRetriesForEvent(ctx context.Context, eventID string) error {
	_, err := m.retries.DeleteMany(ctx, bson.M{"event_id": eventID})
	return err
}

// Dead letters

func (m *MongoDB) InsertDeadLetter(ctx context.Context, entry *models.DeadLetter) error {
	if _, err := m.deadLetters.DeleteMany(ctx, bson.M{"delivery_id": entry.DeliveryID}); err != nil {
		return err
	}
	_, err := m.deadLetters.InsertOne(ctx, entry)
	return err
}

func (m *MongoDB) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	if err := m.deadLetters.FindOne(ctx, bson.M{"_id": id}).Decode(&dl); err != nil {
		return nil, notFound(err)
	}
	return &dl, nil
}

func (m *MongoDB) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]models.DeadLetter, int64, error) {
	q := bson.M{}
	if !filter.IncludeArchived {
		q["archived"] = filter.Archived
	}
	if filter.EventID != "" {
		q["event_id"] = filter.EventID
	}
	if filter.EventType != "" {
		q["event_type"] = filter.EventType
	}
	if filter.SourceSystem != "" {
		q["source_system"] = filter.SourceSystem
	}
	if filter.TargetSystem != "" {
		q["target_system"] = filter.TargetSystem
	}
	if filter.ReasonCode != "" {
		q["reason_code"] = filter.ReasonCode
	}

	total, err := m.deadLetters.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	page := normalizePage(filter.Page, 20, 1000)
	cursor, err := m.deadLetters.Find(ctx, q, findOptions(page, bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	out := []models.DeadLetter{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (m *MongoDB) ArchiveDeadLetter(ctx context.Context, id string, at time.Time) error {
	res, err := m.deadLetters.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"archived": true, "archived_at": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDB) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := m.deadLetters.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDB) DeleteDeadLettersForEvent(ctx context.Context, eventID string) (int64, error) {
	res, err := m.deadLetters.DeleteMany(ctx, bson.M{"event_id": eventID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// Sync jobs

func (m *MongoDB) CreateRunningJob(ctx context.Context, job *models.SyncJob) error {
	doc := *job
	doc.Status = models.SyncJobStatusRunning
	_, err := m.syncJobs.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (m *MongoDB) FinishJob(ctx context.Context, id string, result models.SyncJobResult) (*models.SyncJob, error) {
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.SyncJobStatusRunning {
		return nil, ErrConflict
	}
	var duration int64
	if job.StartedAt != nil {
		duration = result.FinishedAt.Sub(*job.StartedAt).Milliseconds()
	}

	filter := bson.M{"_id": id, "status": models.SyncJobStatusRunning}
	update := bson.M{"$set": bson.M{
		"status":         result.Status,
		"finished_at":    result.FinishedAt,
		"duration_ms":    duration,
		"events_emitted": result.EventsEmitted,
		"duplicates":     result.Duplicates,
		"error":          result.Error,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var out models.SyncJob
	err = m.syncJobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *MongoDB) GetJob(ctx context.Context, id string) (*models.SyncJob, error) {
	var j models.SyncJob
	if err := m.syncJobs.FindOne(ctx, bson.M{"_id": id}).Decode(&j); err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

func (m *MongoDB) ListJobs(ctx context.Context, filter SyncJobFilter) ([]models.SyncJob, int64, error) {
	q := bson.M{}
	if filter.JobType != "" {
		q["job_type"] = filter.JobType
	}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	total, err := m.syncJobs.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	page := normalizePage(filter.Page, 20, 1000)
	cursor, err := m.syncJobs.Find(ctx, q, findOptions(page, bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	out := []models.SyncJob{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (m *MongoDB) LastSucceededJob(ctx context.Context, jobType string) (*models.SyncJob, error) {
	filter := bson.M{"job_type": jobType, "status": models.SyncJobStatusSucceeded}
	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})

	var j models.SyncJob
	if err := m.syncJobs.FindOne(ctx, filter, opts).Decode(&j); err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

func (m *MongoDB) ListRunningJobs(ctx context.Context, startedBefore time.Time) ([]models.SyncJob, error) {
	filter := bson.M{"status": models.SyncJobStatusRunning, "started_at": bson.M{"$lt": startedBefore}}
	cursor, err := m.syncJobs.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.SyncJob
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
