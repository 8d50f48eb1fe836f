package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"integration-hub/internal/models"
	"integration-hub/internal/queue"
	"integration-hub/internal/syncjob"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu        sync.Mutex
	processed []string
	delivered []string
	// block holds deliveries of one partition's ids until closed
	block map[string]chan struct{}
}

func (h *recordingHandler) Process(_ context.Context, eventID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processed = append(h.processed, eventID)
	return nil
}

func (h *recordingHandler) Deliver(_ context.Context, deliveryID string) error {
	if gate, ok := h.block[deliveryID]; ok {
		<-gate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, deliveryID)
	return nil
}

func (h *recordingHandler) snapshot() ([]string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.processed...), append([]string(nil), h.delivered...)
}

func TestWorkerRunsProcessAndDeliverTasks(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	h := &recordingHandler{}
	w := NewWorker(q, h, Config{ProcessConcurrency: 2, LaneWorkers: 1, LaneBuffer: 4}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, q.Publish(ctx, queue.ProcessTask("evt-1")))
	require.NoError(t, q.Publish(ctx, queue.DeliverTask("evt-1", "dlv-1", "crm")))
	require.NoError(t, q.Publish(ctx, queue.DeliverTask("evt-1", "dlv-2", "financeiro")))

	assert.Eventually(t, func() bool {
		processed, delivered := h.snapshot()
		return len(processed) == 1 && len(delivered) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSlowPartitionDoesNotBlockOthers(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	gate := make(chan struct{})
	h := &recordingHandler{block: map[string]chan struct{}{"slow-1": gate}}
	w := NewWorker(q, h, Config{LaneWorkers: 1, LaneBuffer: 8}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, q.Publish(ctx, queue.DeliverTask("evt-1", "slow-1", "crm")))
	require.NoError(t, q.Publish(ctx, queue.DeliverTask("evt-1", "slow-2", "crm")))
	for _, id := range []string{"fast-1", "fast-2", "fast-3"} {
		require.NoError(t, q.Publish(ctx, queue.DeliverTask("evt-1", id, "financeiro")))
	}

	assert.Eventually(t, func() bool {
		_, delivered := h.snapshot()
		return len(delivered) == 3
	}, 2*time.Second, 10*time.Millisecond)
	_, delivered := h.snapshot()
	assert.ElementsMatch(t, []string{"fast-1", "fast-2", "fast-3"}, delivered)

	close(gate)
	assert.Eventually(t, func() bool {
		_, delivered := h.snapshot()
		return len(delivered) == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFullLaneDefersTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 3)
	release := make(chan struct{})
	ln := newLanes(ctx, 1, 1, 50*time.Millisecond, func(context.Context, queue.Envelope) {
		started <- struct{}{}
		<-release
	}, zap.NewNop())

	var requeued atomic.Int32
	envelope := func(id string) queue.Envelope {
		return queue.NewEnvelope(queue.DeliverTask("evt-1", id, "crm"), nil, func(requeue bool) error {
			if requeue {
				requeued.Add(1)
			}
			return nil
		})
	}

	assert.True(t, ln.dispatch(envelope("a")))
	<-started
	assert.True(t, ln.dispatch(envelope("b")), "one task fits in the buffer")
	assert.False(t, ln.dispatch(envelope("c")), "a full lane defers")
	assert.EqualValues(t, 0, requeued.Load(), "deferred tasks are held before going back to the queue")
	assert.Eventually(t, func() bool { return requeued.Load() == 1 }, time.Second, 5*time.Millisecond)

	close(release)
	ln.close()
	assert.False(t, ln.dispatch(envelope("d")), "closed lanes defer everything")
	assert.EqualValues(t, 2, requeued.Load())
}

func TestParkedTaskRunsWhenLaneFreesUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 3)
	release := make(chan struct{})
	var handled sync.Map
	ln := newLanes(ctx, 1, 1, 200*time.Millisecond, func(_ context.Context, env queue.Envelope) {
		started <- struct{}{}
		<-release
		handled.Store(env.Task.DeliveryID, true)
	}, zap.NewNop())

	var requeued atomic.Int32
	envelope := func(id string) queue.Envelope {
		return queue.NewEnvelope(queue.DeliverTask("evt-1", id, "crm"), nil, func(requeue bool) error {
			if requeue {
				requeued.Add(1)
			}
			return nil
		})
	}

	require.True(t, ln.dispatch(envelope("a")))
	<-started
	require.True(t, ln.dispatch(envelope("b")))
	assert.False(t, ln.dispatch(envelope("c")))

	close(release)
	assert.Eventually(t, func() bool {
		_, ok := handled.Load("c")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, requeued.Load())
	ln.close()
}

type countingSweeper struct {
	retries atomic.Int32
	stale   atomic.Int32
}

func (c *countingSweeper) Sweep(context.Context, int) (int, error) {
	c.retries.Add(1)
	return 0, nil
}

func (c *countingSweeper) RequeueStale(context.Context, time.Duration, int) (int, error) {
	c.stale.Add(1)
	return 0, nil
}

type MockSyncRunner struct {
	mock.Mock
}

func (m *MockSyncRunner) Start(ctx context.Context, jobType, trigger string) (*models.SyncJob, error) {
	args := m.Called(ctx, jobType, trigger)
	job, _ := args.Get(0).(*models.SyncJob)
	return job, args.Error(1)
}

func (m *MockSyncRunner) RecoverStale(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestSweeperRunsPeriodicJobs(t *testing.T) {
	counts := &countingSweeper{}
	runner := new(MockSyncRunner)
	runner.On("RecoverStale", mock.Anything).Return(0, nil)
	runner.On("Start", mock.Anything, "crm_operacao", models.SyncTriggerSchedule).
		Return(nil, syncjob.ErrConflict)

	s := NewSweeper(counts, counts, runner, SweepConfig{
		RetryInterval: 5 * time.Millisecond,
		StaleInterval: 5 * time.Millisecond,
		SyncRecover:   5 * time.Millisecond,
		Schedules: map[string]time.Duration{
			"crm_operacao": 5 * time.Millisecond,
			"not_a_job":    5 * time.Millisecond,
		},
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Greater(t, counts.retries.Load(), int32(1))
	assert.Greater(t, counts.stale.Load(), int32(1))
	runner.AssertCalled(t, "RecoverStale", mock.Anything)
	runner.AssertCalled(t, "Start", mock.Anything, "crm_operacao", models.SyncTriggerSchedule)
	runner.AssertNotCalled(t, "Start", mock.Anything, "not_a_job", mock.Anything)
}
