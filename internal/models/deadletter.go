package models

import "time"

// Reason codes group verbatim dead-letter reasons for dashboards.
const (
	ReasonHTTP5xx          = "http_5xx"
	ReasonHTTP4xx          = "http_4xx"
	ReasonHTTP429          = "http_429"
	ReasonNetwork          = "network"
	ReasonTimeout          = "timeout"
	ReasonEndpointInactive = "endpoint_inactive"
	ReasonOther            = "other"
)

// DeadLetter quarantines a delivery that exhausted its retry budget.
type DeadLetter struct {
	ID               string     `json:"id" bson:"_id"`
	EventID          string     `json:"event_id" bson:"event_id"`
	DeliveryID       string     `json:"delivery_id" bson:"delivery_id"`
	EndpointID       string     `json:"endpoint_id" bson:"endpoint_id"`
	EventType        string     `json:"event_type" bson:"event_type"`
	SourceSystem     string     `json:"source_system" bson:"source_system"`
	TargetSystem     string     `json:"target_system" bson:"target_system"`
	Reason           string     `json:"reason" bson:"reason"`
	ReasonCode       string     `json:"reason_code" bson:"reason_code"`
	Attempts         int        `json:"attempts" bson:"attempts"`
	LastResponseCode int        `json:"last_response_code,omitempty" bson:"last_response_code,omitempty"`
	Archived         bool       `json:"archived" bson:"archived"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty" bson:"archived_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at" bson:"created_at"`
}
