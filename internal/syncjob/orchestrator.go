package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"integration-hub/internal/events"
	"integration-hub/internal/models"
	"integration-hub/internal/storage"
	"integration-hub/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrConflict       = errors.New("sync job already running")
	ErrUnknownJobType = errors.New("unknown sync job type")
	ErrNotFound       = errors.New("sync job not found")
)

// Submitter is the part of the event store a sync job writes to.
type Submitter interface {
	Submit(ctx context.Context, req events.SubmitRequest) (*models.IntegrationEvent, bool, error)
}

type Config struct {
	// MaxRuntime bounds a single run; RecoverStale fails jobs older than this.
	MaxRuntime time.Duration
}

type Filter struct {
	JobType string
	Status  models.SyncJobStatus
	Page    int
	PerPage int
}

type TypeStats struct {
	Total         int64            `json:"total"`
	ByStatus      map[string]int64 `json:"by_status"`
	LastRun       *models.SyncJob  `json:"last_run,omitempty"`
	AvgDurationMs int64            `json:"avg_duration_ms"`
}

type Stats struct {
	Total  int64                 `json:"total"`
	ByType map[string]*TypeStats `json:"by_type"`
}

type Orchestrator struct {
	store     storage.SyncJobStore
	source    Source
	submitter Submitter
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(store storage.SyncJobStore, source Source, submitter Submitter, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		source:    source,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start creates a running job of jobType and executes it in the background.
// Only one job per type may be running at a time.
func (o *Orchestrator) Start(ctx context.Context, jobType, trigger string) (*models.SyncJob, error) {
	if !ValidJobType(jobType) {
		return nil, fmt.Errorf("%q: %w", jobType, ErrUnknownJobType)
	}
	if trigger == "" {
		trigger = models.SyncTriggerManual
	}

	now := o.now()
	job := &models.SyncJob{
		ID:        uuid.NewString(),
		JobType:   jobType,
		Status:    models.SyncJobStatusRunning,
		Trigger:   trigger,
		StartedAt: &now,
		CreatedAt: now,
	}
	if err := o.store.CreateRunningJob(ctx, job); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%s: %w", jobType, ErrConflict)
		}
		return nil, fmt.Errorf("create sync job: %w", err)
	}

	o.logger.Info("Sync job started",
		zap.String("job_id", job.ID),
		zap.String("job_type", jobType),
		zap.String("trigger", trigger))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(job)
	}()
	return job, nil
}

func (o *Orchestrator) run(job *models.SyncJob) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.MaxRuntime)
	defer cancel()

	emitted, duplicates, err := o.reconcile(ctx, job)
	result := models.SyncJobResult{
		Status:        models.SyncJobStatusSucceeded,
		FinishedAt:    o.now(),
		EventsEmitted: emitted,
		Duplicates:    duplicates,
	}
	if err != nil {
		result.Status = models.SyncJobStatusFailed
		result.Error = err.Error()
	}

	// The run context may already be done; finishing must still be recorded.
	finished, ferr := o.store.FinishJob(context.WithoutCancel(ctx), job.ID, result)
	if ferr != nil {
		o.logger.Error("Failed to finish sync job",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.JobType),
			zap.Error(ferr))
		return
	}
	metrics.SyncJobs.WithLabelValues(job.JobType, string(finished.Status)).Inc()

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("events_emitted", emitted),
		zap.Int("duplicates", duplicates),
		zap.Int64("duration_ms", finished.DurationMs),
	}
	if err != nil {
		o.logger.Error("Sync job failed", append(fields, zap.Error(err))...)
		return
	}
	o.logger.Info("Sync job finished", fields...)
}

func (o *Orchestrator) reconcile(ctx context.Context, job *models.SyncJob) (int, int, error) {
	var since time.Time
	last, err := o.store.LastSucceededJob(ctx, job.JobType)
	switch {
	case err == nil && last.StartedAt != nil:
		since = *last.StartedAt
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return 0, 0, fmt.Errorf("load sync cursor: %w", err)
	}

	emitted, duplicates := 0, 0
	for _, pair := range pairsFor(job.JobType) {
		for _, entity := range pair.Entities {
			records, err := o.source.Changes(ctx, pair.Source, entity, since)
			if err != nil {
				return emitted, duplicates, err
			}
			for _, rec := range records {
				created, err := o.emit(ctx, job, pair, entity, rec)
				if err != nil {
					return emitted, duplicates, err
				}
				if created {
					emitted++
				} else {
					duplicates++
				}
			}
		}
	}
	return emitted, duplicates, nil
}

type syncPayload struct {
	Entity       string          `json:"entity"`
	RecordID     string          `json:"record_id"`
	UpdatedAt    time.Time       `json:"updated_at"`
	TargetSystem string          `json:"target_system"`
	SyncJobID    string          `json:"sync_job_id"`
	JobType      string          `json:"job_type"`
	Data         json.RawMessage `json:"data"`
}

func (o *Orchestrator) emit(ctx context.Context, job *models.SyncJob, pair Pair, entity string, rec Record) (bool, error) {
	data := rec.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	payload, err := json.Marshal(syncPayload{
		Entity:       entity,
		RecordID:     rec.ID,
		UpdatedAt:    rec.UpdatedAt.UTC(),
		TargetSystem: pair.Target,
		SyncJobID:    job.ID,
		JobType:      job.JobType,
		Data:         data,
	})
	if err != nil {
		return false, fmt.Errorf("encode %s %s: %w", entity, rec.ID, err)
	}

	_, created, err := o.submitter.Submit(ctx, events.SubmitRequest{
		EventType:      entity + ".sync_requested",
		SourceSystem:   pair.Source,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("sync:%s:%s:%s:%s", job.JobType, entity, rec.ID, rec.UpdatedAt.UTC().Format(time.RFC3339Nano)),
	})
	if err != nil {
		return false, fmt.Errorf("submit %s %s: %w", entity, rec.ID, err)
	}
	return created, nil
}

func (o *Orchestrator) Get(ctx context.Context, id string) (*models.SyncJob, error) {
	job, err := o.store.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return job, err
}

// List returns jobs newest first.
func (o *Orchestrator) List(ctx context.Context, f Filter) ([]models.SyncJob, int64, error) {
	if f.JobType != "" && !ValidJobType(f.JobType) {
		return nil, 0, fmt.Errorf("%q: %w", f.JobType, ErrUnknownJobType)
	}
	page, perPage := f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}
	return o.store.ListJobs(ctx, storage.SyncJobFilter{
		JobType: f.JobType,
		Status:  f.Status,
		Page:    storage.Page{Offset: (page - 1) * perPage, Limit: perPage},
	})
}

func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByType: make(map[string]*TypeStats)}
	for _, jobType := range JobTypes() {
		stats.ByType[jobType] = &TypeStats{ByStatus: make(map[string]int64)}
	}

	durations := make(map[string][2]int64)
	const batch = 1000
	for offset := 0; ; offset += batch {
		jobs, total, err := o.store.ListJobs(ctx, storage.SyncJobFilter{Page: storage.Page{Offset: offset, Limit: batch}})
		if err != nil {
			return nil, fmt.Errorf("list sync jobs: %w", err)
		}
		for i := range jobs {
			job := jobs[i]
			ts, ok := stats.ByType[job.JobType]
			if !ok {
				continue
			}
			stats.Total++
			ts.Total++
			ts.ByStatus[string(job.Status)]++
			// jobs arrive newest first
			if ts.LastRun == nil {
				ts.LastRun = &job
			}
			if job.FinishedAt != nil {
				d := durations[job.JobType]
				durations[job.JobType] = [2]int64{d[0] + job.DurationMs, d[1] + 1}
			}
		}
		if int64(offset+len(jobs)) >= total || len(jobs) == 0 {
			break
		}
	}
	for jobType, d := range durations {
		stats.ByType[jobType].AvgDurationMs = d[0] / d[1]
	}
	return stats, nil
}

// RecoverStale fails running jobs that have exceeded the maximum runtime,
// which releases their job type for new runs.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	now := o.now()
	stale, err := o.store.ListRunningJobs(ctx, now.Add(-o.cfg.MaxRuntime))
	if err != nil {
		return 0, fmt.Errorf("list running sync jobs: %w", err)
	}

	recovered := 0
	for _, job := range stale {
		finished, err := o.store.FinishJob(ctx, job.ID, models.SyncJobResult{
			Status:     models.SyncJobStatusFailed,
			FinishedAt: now,
			Error:      fmt.Sprintf("abandoned: still running after %s", o.cfg.MaxRuntime),
		})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("fail stale sync job %s: %w", job.ID, err)
		}
		metrics.SyncJobs.WithLabelValues(job.JobType, string(finished.Status)).Inc()
		o.logger.Warn("Recovered stale sync job",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.JobType))
		recovered++
	}
	return recovered, nil
}

// Wait blocks until every background run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels running jobs and waits for them to record their outcome.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}
