package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"integration-hub/internal/deadletter"
	"integration-hub/internal/endpoints"
	"integration-hub/internal/events"
	"integration-hub/internal/mapping"
	"integration-hub/internal/models"
	"integration-hub/internal/queue"
	"integration-hub/internal/retry"
	"integration-hub/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	store    *storage.Memory
	queue    *queue.Memory
	events   *events.Service
	mappings *mapping.Service
	registry *endpoints.Registry
	dlq      *deadletter.Manager
	retries  *retry.Scheduler
	engine   *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemory()
	q := queue.NewMemory()
	t.Cleanup(func() { q.Close() })

	h := &harness{store: store, queue: q}
	h.events = events.NewService(store, q, nil, logger)
	h.mappings = mapping.NewService(store, logger)
	h.registry = endpoints.NewRegistry(store, logger)
	h.dlq = deadletter.NewManager(store, h.events, logger)
	h.retries = retry.NewScheduler(store, q, h.dlq, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Lease:       time.Minute,
	}, logger)
	h.engine = NewEngine(store, h.mappings, h.registry, h.retries, q, Config{Timeout: 2 * time.Second}, logger, opts...)
	return h
}

type receiver struct {
	mu       sync.Mutex
	status   atomic.Int32
	secret   string
	requests []receivedRequest
	server   *httptest.Server
}

type receivedRequest struct {
	header   http.Header
	body     []byte
	verified bool
}

func newReceiver(t *testing.T, status int) *receiver {
	t.Helper()
	r := &receiver{}
	r.status.Store(int32(status))
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		verified := Verify(r.secret, body, req.Header.Get(HeaderSignature)) == nil
		r.requests = append(r.requests, receivedRequest{header: req.Header.Clone(), body: body, verified: verified})
		r.mu.Unlock()
		w.WriteHeader(int(r.status.Load()))
		_, _ = w.Write([]byte("unavailable"))
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *receiver) received() []receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receivedRequest(nil), r.requests...)
}

func (h *harness) register(t *testing.T, system string, r *receiver) *models.WebhookEndpoint {
	t.Helper()
	ep, secret, err := h.registry.Register(context.Background(), system, r.server.URL+"/hooks")
	require.NoError(t, err)
	r.mu.Lock()
	r.secret = secret
	r.mu.Unlock()
	return ep
}

func (h *harness) submit(t *testing.T, eventType, payload string) *models.IntegrationEvent {
	t.Helper()
	ev, _, err := h.events.Submit(context.Background(), events.SubmitRequest{
		EventType:    eventType,
		SourceSystem: "crm",
		Payload:      json.RawMessage(payload),
	})
	require.NoError(t, err)
	return ev
}

func (h *harness) publish(t *testing.T, eventType, target, rules string) {
	t.Helper()
	_, err := h.mappings.Publish(context.Background(), eventType, target, json.RawMessage(rules))
	require.NoError(t, err)
}

func (h *harness) event(t *testing.T, id string) *models.IntegrationEvent {
	t.Helper()
	ev, err := h.store.GetEvent(context.Background(), id)
	require.NoError(t, err)
	return ev
}

func (h *harness) onlyDelivery(t *testing.T, eventID string) models.Delivery {
	t.Helper()
	deliveries, err := h.store.ListDeliveries(context.Background(), eventID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	return deliveries[0]
}

func (h *harness) sweepAndDeliver(t *testing.T, deliveryID string) {
	t.Helper()
	time.Sleep(5 * time.Millisecond)
	n, err := h.retries.Sweep(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, h.engine.Deliver(context.Background(), deliveryID))
}

func TestProcessAndDeliverSignedWebhook(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newReceiver(t, http.StatusOK)
	h.register(t, "financeiro", r)
	h.publish(t, "patient.created", "financeiro", `{"customer_id": "patient.id", "customer_name": "patient.name"}`)

	ev := h.submit(t, "patient.created", `{"patient": {"id": 42, "name": "Ana"}}`)
	require.NoError(t, h.engine.Process(ctx, ev.ID))

	assert.Equal(t, models.EventStatusProcessing, h.event(t, ev.ID).Status)
	assert.Equal(t, 1, h.queue.Len(queue.TaskDeliver))

	d := h.onlyDelivery(t, ev.ID)
	assert.Equal(t, 1, d.MappingVersion)
	require.NoError(t, h.engine.Deliver(ctx, d.ID))

	reqs := r.received()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].verified)
	assert.JSONEq(t, `{"customer_id": 42, "customer_name": "Ana"}`, string(reqs[0].body))
	assert.Equal(t, ev.ID, reqs[0].header.Get(HeaderEventID))
	assert.Equal(t, "patient.created", reqs[0].header.Get(HeaderEventType))
	assert.Equal(t, d.ID, reqs[0].header.Get(HeaderDeliveryID))
	assert.Equal(t, "1", reqs[0].header.Get(HeaderAttempt))
	assert.Equal(t, "application/json", reqs[0].header.Get("Content-Type"))

	delivered := h.onlyDelivery(t, ev.ID)
	assert.Equal(t, models.DeliveryStatusDelivered, delivered.Status)
	assert.Equal(t, 1, delivered.Attempts)
	assert.Equal(t, http.StatusOK, delivered.ResponseCode)
	assert.Equal(t, models.EventStatusDelivered, h.event(t, ev.ID).Status)

	// a duplicate task for a delivered delivery sends nothing
	require.NoError(t, h.engine.Deliver(ctx, d.ID))
	assert.Len(t, r.received(), 1)
}

func TestProcessWithoutMappingLeavesEventPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ev := h.submit(t, "patient.created", `{"id": 1}`)

	require.NoError(t, h.engine.Process(ctx, ev.ID))

	stored := h.event(t, ev.ID)
	assert.Equal(t, models.EventStatusPending, stored.Status)
	assert.Contains(t, stored.LastError, "no mapping")
	assert.Equal(t, 0, h.queue.Len(queue.TaskDeliver))
}

func TestProcessWithoutActiveEndpointLeavesEventPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.publish(t, "patient.created", "financeiro", `{"id": "id"}`)
	ev := h.submit(t, "patient.created", `{"id": 1}`)

	require.NoError(t, h.engine.Process(ctx, ev.ID))

	stored := h.event(t, ev.ID)
	assert.Equal(t, models.EventStatusPending, stored.Status)
	assert.Contains(t, stored.LastError, "financeiro")
}

func TestProcessMalformedPayloadFailsEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newReceiver(t, http.StatusOK)
	h.register(t, "financeiro", r)
	h.publish(t, "patient.created", "financeiro", `{"fields": [{"target": "id", "expr": "patient.id", "required": true}]}`)
	ev := h.submit(t, "patient.created", `{"patient": {}}`)

	require.NoError(t, h.engine.Process(ctx, ev.ID))

	stored := h.event(t, ev.ID)
	assert.Equal(t, models.EventStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "malformed_payload")
	deliveries, err := h.store.ListDeliveries(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestProcessIsNoopWhenClaimLost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newReceiver(t, http.StatusOK)
	h.register(t, "financeiro", r)
	h.publish(t, "patient.created", "financeiro", `{"id": "id"}`)
	ev := h.submit(t, "patient.created", `{"id": 1}`)

	require.NoError(t, h.engine.Process(ctx, ev.ID))
	require.NoError(t, h.engine.Process(ctx, ev.ID))
	assert.Equal(t, 1, h.queue.Len(queue.TaskDeliver))
	require.NoError(t, h.engine.Process(ctx, "missing"))
}

func TestFanOutToEveryActiveEndpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	fin := newReceiver(t, http.StatusOK)
	op := newReceiver(t, http.StatusOK)
	h.register(t, "financeiro", fin)
	h.register(t, "operacao", op)
	h.publish(t, "patient.created", "financeiro", `{"customer_id": "id"}`)
	h.publish(t, "patient.created", "operacao", `{"patient_ref": "id"}`)
	ev := h.submit(t, "patient.created", `{"id": 5}`)

	require.NoError(t, h.engine.Process(ctx, ev.ID))
	deliveries, err := h.store.ListDeliveries(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	require.NoError(t, h.engine.Deliver(ctx, deliveries[0].ID))
	assert.Equal(t, models.EventStatusProcessing, h.event(t, ev.ID).Status)
	require.NoError(t, h.engine.Deliver(ctx, deliveries[1].ID))
	assert.Equal(t, models.EventStatusDelivered, h.event(t, ev.ID).Status)

	require.Len(t, fin.received(), 1)
	require.Len(t, op.received(), 1)
	assert.JSONEq(t, `{"customer_id": 5}`, string(fin.received()[0].body))
	assert.JSONEq(t, `{"patient_ref": 5}`, string(op.received()[0].body))
}

func TestRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newReceiver(t, http.StatusServiceUnavailable)
	h.register(t, "financeiro", r)
	h.publish(t, "patient.created", "financeiro", `{"id": "id"}`)
	ev := h.submit(t, "patient.created", `{"id": 1}`)

	require.NoError(t, h.engine.Process(ctx, ev.ID))
	d := h.onlyDelivery(t, ev.ID)

	require.NoError(t, h.engine.Deliver(ctx, d.ID))
	entry, err := h.store.GetRetry(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, models.EventStatusFailed, h.event(t, ev.ID).Status)

	// an early duplicate task does not bypass the schedule
	require.NoError(t, h.engine.Deliver(ctx, d.ID))
	assert.Len(t, r.received(), 1)

	h.sweepAndDeliver(t, d.ID)
	entry, err = h.store.GetRetry(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Attempts)

	h.sweepAndDeliver(t, d.ID)
	_, err = h.store.GetRetry(ctx, d.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	exhausted := h.onlyDelivery(t, ev.ID)
	assert.True(t, exhausted.Exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Len(t, r.received(), 3)
	assert.Equal(t, "3", r.received()[2].header.Get(HeaderAttempt))

	stored := h.event(t, ev.ID)
	assert.Equal(t, models.EventStatusDeadLettered, stored.Status)

	dls, total, err := h.dlq.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, "HTTP 503: unavailable", dls[0].Reason)
	assert.Equal(t, models.ReasonHTTP5xx, dls[0].ReasonCode)
	assert.Equal(t, 3, dls[0].Attempts)
	assert.Equal(t, "patient.created", dls[0].EventType)
	assert.Equal(t, "crm", dls[0].SourceSystem)
}

func TestPermanentFailuresUseTheSameBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newReceiver(t, http.StatusBadRequest)
	h.register(t, "crm", r)
	h.publish(t, "invoice.paid", "crm", `{"id": "id"}`)
	ev := h.submit(t, "invoice.paid", `{"id": 1}`)

	require.NoError(t, h.engine.Process(ctx, ev.ID))
	d := h.onlyDelivery(t, ev.ID)
	require.NoError(t, h.engine.Deliver(ctx, d.ID))

	entry, err := h.store.GetRetry(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, "HTTP 400: unavailable", entry.LastError)
}

func TestInactiveEndpointAtRetryTimeIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newReceiver(t, http.StatusBadGateway)
	ep := h.register(t, "financeiro", r)
	h.publish(t, "patient.created", "financeiro", `{"id": "id"}`)
	ev := h.submit(t, "patient.created", `{"id": 1}`)

	require.NoError(t, h.engine.Process(ctx, ev.ID))
	d := h.onlyDelivery(t, ev.ID)
	require.NoError(t, h.engine.Deliver(ctx, d.ID))

	_, err := h.registry.Deactivate(ctx, ep.ID)
	require.NoError(t, err)
	h.sweepAndDeliver(t, d.ID)

	assert.Len(t, r.received(), 1)
	dls, _, err := h.dlq.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, models.ReasonEndpointInactive, dls[0].ReasonCode)
	assert.Equal(t, models.EventStatusDeadLettered, h.event(t, ev.ID).Status)
}

func TestRotatedSecretIsUsedImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newReceiver(t, http.StatusOK)
	ep := h.register(t, "financeiro", r)
	h.publish(t, "patient.created", "financeiro", `{"id": "id"}`)

	rotated, err := h.registry.RotateSecret(ctx, ep.ID)
	require.NoError(t, err)
	r.mu.Lock()
	r.secret = rotated
	r.mu.Unlock()

	ev := h.submit(t, "patient.created", `{"id": 1}`)
	require.NoError(t, h.engine.Process(ctx, ev.ID))
	require.NoError(t, h.engine.Deliver(ctx, h.onlyDelivery(t, ev.ID).ID))

	require.Len(t, r.received(), 1)
	assert.True(t, r.received()[0].verified)
}

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, req Request) (*Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

func TestPerSystemSender(t *testing.T) {
	ctx := context.Background()
	custom := new(MockSender)
	custom.On("Send", mock.Anything, mock.MatchedBy(func(req Request) bool {
		return req.Header.Get(HeaderEventType) == "patient.created"
	})).Return(&Response{StatusCode: http.StatusAccepted}, nil).Once()

	h := newHarness(t, WithSender("legacy", custom))
	_, _, err := h.registry.Register(ctx, "legacy", "https://legacy.example.com/hooks")
	require.NoError(t, err)
	h.publish(t, "patient.created", "legacy", `{"id": "id"}`)
	ev := h.submit(t, "patient.created", `{"id": 1}`)

	require.NoError(t, h.engine.Process(ctx, ev.ID))
	require.NoError(t, h.engine.Deliver(ctx, h.onlyDelivery(t, ev.ID).ID))

	custom.AssertExpectations(t)
	assert.Equal(t, models.EventStatusDelivered, h.event(t, ev.ID).Status)
}

func TestTimeoutIsClassified(t *testing.T) {
	f := classify(nil, context.DeadlineExceeded)
	require.NotNil(t, f)
	assert.Equal(t, retry.ClassTimeout, f.Class)
	assert.Equal(t, models.ReasonTimeout, f.ReasonCode)

	f = classify(&Response{StatusCode: http.StatusTooManyRequests}, nil)
	require.NotNil(t, f)
	assert.Equal(t, retry.ClassTransient, f.Class)
	assert.Equal(t, models.ReasonHTTP429, f.ReasonCode)

	assert.Nil(t, classify(&Response{StatusCode: http.StatusNoContent}, nil))
}

func TestSummarize(t *testing.T) {
	delivered := models.Delivery{Status: models.DeliveryStatusDelivered}
	pending := models.Delivery{Status: models.DeliveryStatusPending}
	retrying := models.Delivery{Status: models.DeliveryStatusFailed, LastError: "HTTP 500"}
	exhausted := models.Delivery{Status: models.DeliveryStatusFailed, Exhausted: true}

	tests := []struct {
		name       string
		deliveries []models.Delivery
		want       models.EventStatus
	}{
		{"All delivered", []models.Delivery{delivered, delivered}, models.EventStatusDelivered},
		{"Delivered and exhausted", []models.Delivery{delivered, exhausted}, models.EventStatusDeadLettered},
		{"Retrying", []models.Delivery{delivered, retrying}, models.EventStatusFailed},
		{"Retrying beats pending", []models.Delivery{pending, retrying, exhausted}, models.EventStatusFailed},
		{"In flight", []models.Delivery{delivered, pending}, models.EventStatusProcessing},
		{"Exhausted but others in flight", []models.Delivery{exhausted, pending}, models.EventStatusProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Summarize(tt.deliveries)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"id":1}`)
	sig := Sign("whsec_test", body)

	assert.NoError(t, Verify("whsec_test", body, sig))
	assert.ErrorIs(t, Verify("whsec_other", body, sig), ErrInvalidSignature)
	assert.ErrorIs(t, Verify("whsec_test", []byte(`{"id":2}`), sig), ErrInvalidSignature)
	assert.ErrorIs(t, Verify("whsec_test", body, "md5=abc"), ErrInvalidSignature)
	assert.ErrorIs(t, Verify("whsec_test", body, "sha256=zz"), ErrInvalidSignature)
}
