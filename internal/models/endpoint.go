package models

import "time"

type EndpointStatus string

const (
	EndpointStatusActive   EndpointStatus = "active"
	EndpointStatusInactive EndpointStatus = "inactive"
)

// WebhookEndpoint is a delivery target for one downstream system.
// Secret is never serialized; it is handed out once at registration or rotation.
type WebhookEndpoint struct {
	ID              string         `json:"id" bson:"_id"`
	SystemName      string         `json:"system_name" bson:"system_name"`
	URL             string         `json:"url" bson:"url"`
	Secret          string         `json:"-" bson:"secret"`
	Status          EndpointStatus `json:"status" bson:"status"`
	SecretRotatedAt time.Time      `json:"secret_rotated_at" bson:"secret_rotated_at"`
	CreatedAt       time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" bson:"updated_at"`
}

func (e *WebhookEndpoint) Active() bool {
	return e.Status == EndpointStatusActive
}
