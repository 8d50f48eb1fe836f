package syncjob

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"integration-hub/internal/events"
	"integration-hub/internal/models"
	"integration-hub/internal/queue"
	"integration-hub/internal/storage"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu      sync.Mutex
	records map[string][]Record
	calls   []string
	since   []time.Time
	gate    chan struct{}
	err     error
}

func (f *fakeSource) Changes(ctx context.Context, system, entity string, since time.Time) ([]Record, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, system+"/"+entity)
	f.since = append(f.since, since)
	if f.err != nil {
		return nil, f.err
	}
	return f.records[system+"/"+entity], nil
}

func newTestOrchestrator(t *testing.T, src Source) (*Orchestrator, *storage.Memory, *queue.Memory) {
	t.Helper()
	store := storage.NewMemory()
	q := queue.NewMemory()
	t.Cleanup(func() { q.Close() })
	svc := events.NewService(store, q, nil, zap.NewNop())
	o := NewOrchestrator(store, src, svc, Config{MaxRuntime: time.Minute}, zap.NewNop())
	t.Cleanup(o.Close)
	return o, store, q
}

func record(id string, at time.Time) Record {
	data, _ := json.Marshal(map[string]string{"name": gofakeit.Name(), "email": gofakeit.Email()})
	return Record{ID: id, UpdatedAt: at, Data: data}
}

func TestStartEmitsSyncRequestedEvents(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	src := &fakeSource{records: map[string][]Record{
		"crm/patient":  {record("p-1", at), record("p-2", at)},
		"crm/contract": {record("c-1", at)},
	}}
	o, store, q := newTestOrchestrator(t, src)

	job, err := o.Start(ctx, "crm_operacao", "")
	require.NoError(t, err)
	assert.Equal(t, models.SyncJobStatusRunning, job.Status)
	assert.Equal(t, models.SyncTriggerManual, job.Trigger)
	o.Wait()

	finished, err := o.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncJobStatusSucceeded, finished.Status)
	assert.Equal(t, 3, finished.EventsEmitted)
	assert.Equal(t, 0, finished.Duplicates)
	require.NotNil(t, finished.FinishedAt)
	assert.Equal(t, []string{"crm/patient", "crm/contract"}, src.calls)
	assert.True(t, src.since[0].IsZero(), "first run reads everything")

	evs, total, err := store.ListEvents(ctx, storage.EventFilter{EventType: "patient.sync_requested"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Equal(t, "crm", evs[0].SourceSystem)
	assert.Contains(t, evs[0].IdempotencyKey, "sync:crm_operacao:patient:")

	var body map[string]any
	require.NoError(t, json.Unmarshal(evs[0].Payload, &body))
	assert.Equal(t, "operacao", body["target_system"])
	assert.Equal(t, 3, q.Len(queue.TaskProcess))
}

func TestRerunCountsDuplicatesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	src := &fakeSource{records: map[string][]Record{"marketing/lead": {record("l-1", at)}}}
	o, _, _ := newTestOrchestrator(t, src)

	first, err := o.Start(ctx, "marketing_crm", models.SyncTriggerSchedule)
	require.NoError(t, err)
	o.Wait()

	second, err := o.Start(ctx, "marketing_crm", models.SyncTriggerSchedule)
	require.NoError(t, err)
	o.Wait()

	got, err := o.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.EventsEmitted)
	assert.Equal(t, 1, got.Duplicates)
	require.Len(t, src.since, 2)
	assert.True(t, src.since[1].Equal(*first.StartedAt))
}

func TestStartIsSingleFlightPerType(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{gate: make(chan struct{})}
	o, _, _ := newTestOrchestrator(t, src)

	running, err := o.Start(ctx, "crm_operacao", "")
	require.NoError(t, err)

	_, err = o.Start(ctx, "crm_operacao", "")
	assert.ErrorIs(t, err, ErrConflict)

	other, err := o.Start(ctx, "marketing_crm", "")
	require.NoError(t, err, "other job types are independent")

	close(src.gate)
	o.Wait()

	for _, id := range []string{running.ID, other.ID} {
		job, err := o.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SyncJobStatusSucceeded, job.Status)
	}

	_, err = o.Start(ctx, "crm_operacao", "")
	assert.NoError(t, err, "a finished job releases its type")
	o.Wait()
}

func TestConcurrentStartsCreateOneJob(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{gate: make(chan struct{})}
	o, _, _ := newTestOrchestrator(t, src)

	var wg sync.WaitGroup
	var mu sync.Mutex
	started, conflicts := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Start(ctx, "full", "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started++
			} else if assert.ErrorIs(t, err, ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	close(src.gate)
	o.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, 9, conflicts)
}

func TestUnknownJobType(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeSource{})
	_, err := o.Start(context.Background(), "crm_everything", "")
	assert.ErrorIs(t, err, ErrUnknownJobType)

	_, _, err = o.List(context.Background(), Filter{JobType: "nope"})
	assert.ErrorIs(t, err, ErrUnknownJobType)

	_, err = o.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailedSourceFailsJob(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{err: assert.AnError}
	o, _, _ := newTestOrchestrator(t, src)

	job, err := o.Start(ctx, "atendimento_crm", "")
	require.NoError(t, err)
	o.Wait()

	got, err := o.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncJobStatusFailed, got.Status)
	assert.Contains(t, got.Error, assert.AnError.Error())
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t, &fakeSource{})
	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.CreateRunningJob(ctx, &models.SyncJob{
		ID:        "stuck",
		JobType:   "crm_financeiro",
		StartedAt: &old,
		CreatedAt: old,
	}))

	n, err := o.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := o.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.SyncJobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "abandoned")

	n, err = o.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t, &fakeSource{})
	for i := 0; i < 3; i++ {
		_, err := o.Start(ctx, "crm_operacao", "")
		require.NoError(t, err)
		o.Wait()
	}
	_, err := o.Start(ctx, "marketing_crm", "")
	require.NoError(t, err)
	o.Wait()

	stats, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Total)
	assert.EqualValues(t, 3, stats.ByType["crm_operacao"].Total)
	assert.EqualValues(t, 3, stats.ByType["crm_operacao"].ByStatus["succeeded"])
	assert.NotNil(t, stats.ByType["crm_operacao"].LastRun)
	assert.EqualValues(t, 0, stats.ByType["full"].Total)
	assert.Nil(t, stats.ByType["full"].LastRun)
}

func TestHTTPSourceChanges(t *testing.T) {
	var gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/integration/changes", r.URL.Path)
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"p-1","updated_at":"2024-05-01T08:00:00Z","data":{"name":"Ana"}}]}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(map[string]SystemConfig{"crm": {BaseURL: srv.URL + "/", APIKey: "k"}}, time.Second)
	since := time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)
	records, err := src.Changes(context.Background(), "crm", "patient", since)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "p-1", records[0].ID)
	assert.JSONEq(t, `{"name":"Ana"}`, string(records[0].Data))
	assert.Equal(t, "k", gotKey)
	assert.Contains(t, gotQuery, "entity=patient")
	assert.Contains(t, gotQuery, "since=2024-04-30T00%3A00%3A00Z")

	_, err = src.Changes(context.Background(), "financeiro", "customer", since)
	assert.Error(t, err)
}

func TestHTTPSourceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewHTTPSource(map[string]SystemConfig{"crm": {BaseURL: srv.URL}}, time.Second)
	_, err := src.Changes(context.Background(), "crm", "patient", time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}
