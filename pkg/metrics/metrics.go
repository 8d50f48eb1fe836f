package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_events_received_total",
		Help: "The total number of integration events accepted, by outcome",
	}, []string{"source_system", "event_type", "outcome"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_events_processed_total",
		Help: "The total number of event fan-outs, by resulting status",
	}, []string{"event_type", "status"})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_delivery_attempts_total",
		Help: "The total number of webhook delivery attempts",
	}, []string{"target_system", "result"})

	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hub_delivery_duration_seconds",
		Help:    "Time taken by outbound webhook requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"target_system"})

	RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_retries_scheduled_total",
		Help: "The total number of delivery retries scheduled",
	}, []string{"target_system", "failure_class"})

	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_dead_letters_total",
		Help: "The total number of deliveries moved to the dead-letter queue",
	}, []string{"target_system", "reason_code"})

	QueueSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hub_queue_size",
		Help: "Current number of messages waiting in a task queue",
	}, []string{"queue"})

	LaneBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hub_partition_lane_backlog",
		Help: "Deliver tasks buffered in a partition lane",
	}, []string{"partition"})

	TasksDeferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_tasks_deferred_total",
		Help: "Deliver tasks handed back to the queue because their lane was full",
	}, []string{"partition"})

	SyncJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_sync_jobs_total",
		Help: "The total number of finished sync jobs",
	}, []string{"job_type", "status"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_rate_limit_exceeded_total",
		Help: "The total number of times rate limits were exceeded",
	}, []string{"client_id", "limit_type"})
)
