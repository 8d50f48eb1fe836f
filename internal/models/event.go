package models

import (
	"encoding/json"
	"time"
)

// EventStatus represents the lifecycle state of an integration event
type EventStatus string

const (
	EventStatusPending      EventStatus = "pending"
	EventStatusProcessing   EventStatus = "processing"
	EventStatusDelivered    EventStatus = "delivered"
	EventStatusFailed       EventStatus = "failed"
	EventStatusDeadLettered EventStatus = "dead_lettered"
)

// Valid reports whether s is one of the known event statuses.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusProcessing, EventStatusDelivered, EventStatusFailed, EventStatusDeadLettered:
		return true
	}
	return false
}

// IntegrationEvent is a domain event submitted by a producer system.
type IntegrationEvent struct {
	ID             string          `json:"id" bson:"_id"`
	EventType      string          `json:"event_type" bson:"event_type"`
	SourceSystem   string          `json:"source_system" bson:"source_system"`
	Payload        json.RawMessage `json:"payload" bson:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
	Status         EventStatus     `json:"status" bson:"status"`
	LastError      string          `json:"last_error,omitempty" bson:"last_error,omitempty"`
	Revision       int64           `json:"-" bson:"revision"`
	CreatedAt      time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" bson:"updated_at"`
}

// EventCount is one (event_type, status) aggregation bucket.
type EventCount struct {
	EventType string      `json:"event_type" bson:"event_type"`
	Status    EventStatus `json:"status" bson:"status"`
	Count     int64       `json:"count" bson:"count"`
}
