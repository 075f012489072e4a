package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-import-service/internal/importer"
	"catalog-import-service/internal/models"
	"catalog-import-service/internal/retry"
)

// memoryStore is an in-memory DeliveryStore for dispatcher tests.
type memoryStore struct {
	mu         sync.Mutex
	endpoints  []models.WebhookEndpoint
	deliveries map[uuid.UUID]*models.WebhookDelivery
}

func newMemoryStore(endpoints ...models.WebhookEndpoint) *memoryStore {
	return &memoryStore{
		endpoints:  endpoints,
		deliveries: make(map[uuid.UUID]*models.WebhookDelivery),
	}
}

func (s *memoryStore) ListEnabledEndpoints(ctx context.Context, eventType models.WebhookEventType) ([]models.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.WebhookEndpoint
	for _, endpoint := range s.endpoints {
		if endpoint.IsEnabled && endpoint.EventType == eventType {
			matched = append(matched, endpoint)
		}
	}
	return matched, nil
}

func (s *memoryStore) CreateDeliveries(ctx context.Context, deliveries []*models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, delivery := range deliveries {
		if delivery.ID == uuid.Nil {
			delivery.ID = uuid.New()
		}
		stored := *delivery
		s.deliveries[delivery.ID] = &stored
	}
	return nil
}

func (s *memoryStore) MarkDelivered(ctx context.Context, deliveryID uuid.UUID, statusCode, responseTimeMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivery, ok := s.deliveries[deliveryID]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	delivery.Status = models.DeliveryStatusDelivered
	delivery.AttemptCount++
	delivery.LastStatusCode = &statusCode
	delivery.ResponseTimeMs = &responseTimeMs
	delivery.NextAttemptAt = nil
	delivery.DeliveredAt = &now
	return nil
}

func (s *memoryStore) MarkAttemptFailed(ctx context.Context, delivery *models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *delivery
	s.deliveries[delivery.ID] = &stored
	return nil
}

func (s *memoryStore) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.WebhookDelivery
	for _, delivery := range s.deliveries {
		if delivery.Status == models.DeliveryStatusPending &&
			delivery.NextAttemptAt != nil && !delivery.NextAttemptAt.After(now) {
			due = append(due, *delivery)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *memoryStore) get(id uuid.UUID) models.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.deliveries[id]
}

func (s *memoryStore) all() []models.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WebhookDelivery
	for _, delivery := range s.deliveries {
		out = append(out, *delivery)
	}
	return out
}

func testDispatcher(store DeliveryStore, opts Options) *Dispatcher {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	if opts.Retry == nil {
		opts.Retry = &retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}
	}
	return NewDispatcher(store, logger, opts)
}

func endpoint(url string, eventType models.WebhookEventType) models.WebhookEndpoint {
	return models.WebhookEndpoint{ID: uuid.New(), URL: url, EventType: eventType, IsEnabled: true}
}

func completedEvent() importer.JobEvent {
	return importer.JobEvent{
		JobID:        uuid.New(),
		Type:         models.EventImportCompleted,
		Sequence:     3,
		Timestamp:    time.Now().UTC(),
		Status:       models.ImportStatusCompleted,
		Counters:     models.ImportCounters{Accepted: 10, Updated: 2},
		RowsConsumed: 12,
	}
}

func decodeJSON(r *http.Request, out *map[string]interface{}) error {
	return json.NewDecoder(r.Body).Decode(out)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcherDeliversEvent(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, decodeJSON(r, &body))
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newMemoryStore(endpoint(server.URL, models.EventImportCompleted))
	dispatcher := testDispatcher(store, Options{PollInterval: time.Hour})
	dispatcher.Start()
	defer dispatcher.Stop()

	event := completedEvent()
	dispatcher.PublishJobEvent(event)

	waitFor(t, 2*time.Second, func() bool {
		for _, delivery := range store.all() {
			if delivery.Status == models.DeliveryStatusDelivered {
				return true
			}
		}
		return false
	})

	deliveries := store.all()
	require.Len(t, deliveries, 1)
	delivery := deliveries[0]
	assert.Equal(t, event.JobID, delivery.JobID)
	assert.Equal(t, server.URL, delivery.URL)
	assert.Equal(t, 1, delivery.AttemptCount)
	require.NotNil(t, delivery.LastStatusCode)
	assert.Equal(t, http.StatusOK, *delivery.LastStatusCode)
	require.NotNil(t, delivery.ResponseTimeMs)
	require.NotNil(t, delivery.DeliveredAt)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, event.JobID.String(), received[0]["jobId"])
	assert.Equal(t, "import.completed", received[0]["eventType"])
	assert.Equal(t, float64(3), received[0]["sequence"])
}

func TestDispatcherSkipsUnsubscribedEvents(t *testing.T) {
	store := newMemoryStore(endpoint("http://localhost:1", models.EventImportFailed))
	dispatcher := testDispatcher(store, Options{PollInterval: time.Hour})
	dispatcher.Start()

	dispatcher.PublishJobEvent(completedEvent())
	dispatcher.Stop()

	assert.Empty(t, store.all(), "no delivery rows for event types nobody subscribed to")
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		failing := attempts <= 1
		mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newMemoryStore(endpoint(server.URL, models.EventImportCompleted))
	dispatcher := testDispatcher(store, Options{PollInterval: 20 * time.Millisecond})
	dispatcher.Start()
	defer dispatcher.Stop()

	dispatcher.PublishJobEvent(completedEvent())

	waitFor(t, 3*time.Second, func() bool {
		for _, delivery := range store.all() {
			if delivery.Status == models.DeliveryStatusDelivered {
				return true
			}
		}
		return false
	})

	deliveries := store.all()
	require.Len(t, deliveries, 1)
	assert.GreaterOrEqual(t, deliveries[0].AttemptCount, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestDispatcherExhaustsAfterMaxAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newMemoryStore(endpoint(server.URL, models.EventImportCompleted))
	dispatcher := testDispatcher(store, Options{MaxAttempts: 3, PollInterval: 20 * time.Millisecond})
	dispatcher.Start()
	defer dispatcher.Stop()

	dispatcher.PublishJobEvent(completedEvent())

	waitFor(t, 3*time.Second, func() bool {
		for _, delivery := range store.all() {
			if delivery.Status == models.DeliveryStatusExhausted {
				return true
			}
		}
		return false
	})

	deliveries := store.all()
	require.Len(t, deliveries, 1)
	delivery := deliveries[0]
	assert.Equal(t, 3, delivery.AttemptCount)
	assert.Nil(t, delivery.NextAttemptAt, "exhausted deliveries leave the retry queue")
	require.NotNil(t, delivery.LastError)
	assert.Contains(t, *delivery.LastError, "500")
}

func TestDispatcherFansOutToAllSubscribers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store := newMemoryStore(
		endpoint(server.URL, models.EventImportCompleted),
		endpoint(server.URL, models.EventImportCompleted),
		endpoint("http://localhost:1", models.EventImportFailed),
	)
	dispatcher := testDispatcher(store, Options{PollInterval: time.Hour})
	dispatcher.Start()

	dispatcher.PublishJobEvent(completedEvent())
	dispatcher.Stop()

	deliveries := store.all()
	require.Len(t, deliveries, 2)
	for _, delivery := range deliveries {
		assert.Equal(t, models.DeliveryStatusDelivered, delivery.Status)
	}
}

func TestDispatcherDropsProgressEventsWhenQueueFull(t *testing.T) {
	store := newMemoryStore()
	dispatcher := testDispatcher(store, Options{QueueCapacity: 1, PollInterval: time.Hour})
	// Not started: the queue holds one event and further progress events
	// must be dropped rather than blocking the pipeline.

	event := completedEvent()
	event.Type = models.EventImportProgress

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			dispatcher.PublishJobEvent(event)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("progress publishing blocked on a full queue")
	}
}

func TestSendTest(t *testing.T) {
	var mu sync.Mutex
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, decodeJSON(r, &body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newMemoryStore()
	dispatcher := testDispatcher(store, Options{})

	target := endpoint(server.URL, models.EventImportCompleted)
	statusCode, responseTime, err := dispatcher.SendTest(context.Background(), &target)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, statusCode)
	assert.GreaterOrEqual(t, responseTime, 0)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, true, body["test"])
	assert.Equal(t, "import.completed", body["eventType"])
	assert.Empty(t, store.all(), "test deliveries are not persisted")
}

func TestSendTestUnreachableEndpoint(t *testing.T) {
	dispatcher := testDispatcher(newMemoryStore(), Options{RequestTimeout: 200 * time.Millisecond})
	target := endpoint("http://127.0.0.1:1", models.EventImportCompleted)
	statusCode, _, err := dispatcher.SendTest(context.Background(), &target)
	assert.Error(t, err)
	assert.Equal(t, 0, statusCode)
}
