package models

import "time"

type SyncJobStatus string

const (
	SyncJobStatusPending   SyncJobStatus = "pending"
	SyncJobStatusRunning   SyncJobStatus = "running"
	SyncJobStatusSucceeded SyncJobStatus = "succeeded"
	SyncJobStatusFailed    SyncJobStatus = "failed"
)

const (
	SyncTriggerManual   = "manual"
	SyncTriggerSchedule = "schedule"
)

// SyncJob is one reconciliation pass between business systems.
type SyncJob struct {
	ID            string        `json:"id" bson:"_id"`
	JobType       string        `json:"job_type" bson:"job_type"`
	Status        SyncJobStatus `json:"status" bson:"status"`
	Trigger       string        `json:"trigger" bson:"trigger"`
	StartedAt     *time.Time    `json:"started_at,omitempty" bson:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	DurationMs    int64         `json:"duration_ms" bson:"duration_ms"`
	EventsEmitted int           `json:"events_emitted" bson:"events_emitted"`
	Duplicates    int           `json:"duplicates" bson:"duplicates"`
	Error         string        `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at" bson:"created_at"`
}

// SyncJobResult is what a finished job reports back.
type SyncJobResult struct {
	Status        SyncJobStatus
	FinishedAt    time.Time
	EventsEmitted int
	Duplicates    int
	Error         string
}
