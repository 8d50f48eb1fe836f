package models

import "time"

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Delivery tracks the attempt series of one event towards one endpoint.
type Delivery struct {
	ID             string         `json:"id" bson:"_id"`
	EventID        string         `json:"event_id" bson:"event_id"`
	EndpointID     string         `json:"endpoint_id" bson:"endpoint_id"`
	TargetSystem   string         `json:"target_system" bson:"target_system"`
	MappingVersion int            `json:"mapping_version" bson:"mapping_version"`
	Status         DeliveryStatus `json:"status" bson:"status"`
	Attempts       int            `json:"attempts" bson:"attempts"`
	Exhausted      bool           `json:"exhausted" bson:"exhausted"`
	ResponseCode   int            `json:"response_code,omitempty" bson:"response_code,omitempty"`
	LastError      string         `json:"last_error,omitempty" bson:"last_error,omitempty"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty" bson:"last_attempt_at,omitempty"`
	LeasedUntil    *time.Time     `json:"-" bson:"leased_until,omitempty"`
	CreatedAt      time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" bson:"updated_at"`
}

// Terminal reports whether no further attempts will be made in the current series.
func (d *Delivery) Terminal() bool {
	return d.Status == DeliveryStatusDelivered || d.Exhausted
}

// AttemptResult is the outcome of a single HTTP delivery attempt.
type AttemptResult struct {
	Delivered    bool
	ResponseCode int
	Error        string
	At           time.Time
}

// RetryEntry exists while a delivery is waiting for its next attempt.
type RetryEntry struct {
	ID           string     `json:"id" bson:"_id"`
	DeliveryID   string     `json:"delivery_id" bson:"delivery_id"`
	EventID      string     `json:"event_id" bson:"event_id"`
	EndpointID   string     `json:"endpoint_id" bson:"endpoint_id"`
	TargetSystem string     `json:"target_system" bson:"target_system"`
	Attempts     int        `json:"attempts" bson:"attempts"`
	NextRetryAt  time.Time  `json:"next_retry_at" bson:"next_retry_at"`
	LastError    string     `json:"last_error,omitempty" bson:"last_error,omitempty"`
	LeasedUntil  *time.Time `json:"-" bson:"leased_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" bson:"updated_at"`
}
