package models

import (
	"encoding/json"
	"time"
)

// EventMapping is one immutable version of the transformation from an event type
// to the payload shape a target system expects.
type EventMapping struct {
	ID           string          `json:"id" bson:"_id"`
	EventType    string          `json:"event_type" bson:"event_type"`
	TargetSystem string          `json:"target_system" bson:"target_system"`
	Version      int             `json:"version" bson:"version"`
	Rules        json.RawMessage `json:"mapping" bson:"rules"`
	CreatedAt    time.Time       `json:"created_at" bson:"created_at"`
}
