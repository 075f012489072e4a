package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"catalog-import-service/internal/importer"
	"catalog-import-service/internal/models"
	"catalog-import-service/internal/retry"
)

// DeliveryStore is the persistence surface the dispatcher needs. Delivery
// rows survive restarts, which is what makes the at-least-once guarantee
// hold across a crash between attempts.
type DeliveryStore interface {
	ListEnabledEndpoints(ctx context.Context, eventType models.WebhookEventType) ([]models.WebhookEndpoint, error)
	CreateDeliveries(ctx context.Context, deliveries []*models.WebhookDelivery) error
	MarkDelivered(ctx context.Context, deliveryID uuid.UUID, statusCode, responseTimeMs int) error
	MarkAttemptFailed(ctx context.Context, delivery *models.WebhookDelivery) error
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDelivery, error)
}

// Options tunes delivery behavior.
type Options struct {
	MaxAttempts    int
	RequestTimeout time.Duration
	PollInterval   time.Duration
	QueueCapacity  int
	Retry          *retry.Config
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	return opts
}

// Dispatcher fans import job events out to subscribed endpoints. It is
// decoupled from the pipeline by a bounded queue: progress events are
// dropped when the queue is full, lifecycle events are never dropped.
type Dispatcher struct {
	store   DeliveryStore
	client  *http.Client
	retrier *retry.Retrier
	logger  *logrus.Entry
	opts    Options

	events chan importer.JobEvent
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewDispatcher(store DeliveryStore, logger *logrus.Logger, opts Options) *Dispatcher {
	o := opts.withDefaults()
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: o.RequestTimeout},
		retrier: retry.NewRetrier(o.Retry),
		logger:  logger.WithField("component", "webhook-dispatcher"),
		opts:    o,
		events:  make(chan importer.JobEvent, o.QueueCapacity),
		stop:    make(chan struct{}),
	}
}

// PublishJobEvent enqueues an event for delivery. Progress events are
// best-effort and dropped under pressure; terminal events block until there
// is room.
func (d *Dispatcher) PublishJobEvent(event importer.JobEvent) {
	if event.Type == models.EventImportProgress {
		select {
		case d.events <- event:
		default:
			d.logger.WithField("job_id", event.JobID).Debug("Dropping progress event, queue full")
		}
		return
	}
	select {
	case d.events <- event:
	case <-d.stop:
	}
}

// Start launches the enqueue loop and the retry poller.
func (d *Dispatcher) Start() {
	d.wg.Add(2)
	go d.eventLoop()
	go d.retryLoop()
}

// Stop drains the event queue and waits for in-flight attempts.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dispatcher) eventLoop() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.events:
			d.handleEvent(event)
		case <-d.stop:
			// Drain whatever was already enqueued.
			for {
				select {
				case event := <-d.events:
					d.handleEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) retryLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.deliverDue()
		case <-d.stop:
			return
		}
	}
}

// handleEvent persists one delivery row per subscribed endpoint, then
// attempts each immediately. Failed attempts are picked up again by the
// retry poller.
func (d *Dispatcher) handleEvent(event importer.JobEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	endpoints, err := d.store.ListEnabledEndpoints(ctx, event.Type)
	if err != nil {
		d.logger.WithError(err).WithField("event_type", event.Type).Error("Failed to load webhook endpoints")
		return
	}
	if len(endpoints) == 0 {
		return
	}

	payload := eventPayload(event)
	now := time.Now().UTC()
	deliveries := make([]*models.WebhookDelivery, 0, len(endpoints))
	for _, endpoint := range endpoints {
		// next_attempt_at is set immediately so a crash before the first
		// attempt leaves the row visible to the retry poller.
		next := now
		deliveries = append(deliveries, &models.WebhookDelivery{
			EndpointID:    endpoint.ID,
			URL:           endpoint.URL,
			JobID:         event.JobID,
			EventType:     event.Type,
			Sequence:      event.Sequence,
			Payload:       payload,
			Status:        models.DeliveryStatusPending,
			NextAttemptAt: &next,
		})
	}
	if err := d.store.CreateDeliveries(ctx, deliveries); err != nil {
		d.logger.WithError(err).WithField("job_id", event.JobID).Error("Failed to persist webhook deliveries")
		return
	}

	for _, delivery := range deliveries {
		d.attempt(ctx, delivery)
	}
}

func (d *Dispatcher) deliverDue() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	due, err := d.store.DueDeliveries(ctx, time.Now().UTC(), 100)
	if err != nil {
		d.logger.WithError(err).Error("Failed to list due webhook deliveries")
		return
	}
	for i := range due {
		d.attempt(ctx, &due[i])
	}
}

// attempt POSTs the payload once and records the result. Consumers can
// deduplicate redelivered events on (jobId, eventType, sequence).
func (d *Dispatcher) attempt(ctx context.Context, delivery *models.WebhookDelivery) {
	statusCode, responseTime, err := d.post(ctx, delivery.URL, delivery.Payload)

	delivery.AttemptCount++
	if statusCode > 0 {
		delivery.LastStatusCode = &statusCode
	}
	delivery.ResponseTimeMs = &responseTime

	if err == nil && statusCode >= 200 && statusCode < 300 {
		if markErr := d.store.MarkDelivered(ctx, delivery.ID, statusCode, responseTime); markErr != nil {
			d.logger.WithError(markErr).WithField("delivery_id", delivery.ID).Error("Failed to mark delivery as delivered")
		}
		return
	}

	message := fmt.Sprintf("status %d", statusCode)
	if err != nil {
		message = err.Error()
	}
	delivery.LastError = &message

	if delivery.AttemptCount >= d.opts.MaxAttempts {
		delivery.Status = models.DeliveryStatusExhausted
		delivery.NextAttemptAt = nil
		d.logger.WithFields(logrus.Fields{
			"delivery_id": delivery.ID,
			"url":         delivery.URL,
			"job_id":      delivery.JobID,
			"event_type":  delivery.EventType,
			"attempts":    delivery.AttemptCount,
		}).Error("Webhook delivery exhausted all attempts")
	} else {
		next := time.Now().UTC().Add(d.retrier.CalculateBackoff(delivery.AttemptCount - 1))
		delivery.Status = models.DeliveryStatusPending
		delivery.NextAttemptAt = &next
	}

	if markErr := d.store.MarkAttemptFailed(ctx, delivery); markErr != nil {
		d.logger.WithError(markErr).WithField("delivery_id", delivery.ID).Error("Failed to record delivery attempt")
	}
}

// SendTest posts a synthetic payload to an endpoint so operators can verify
// connectivity before relying on it. Nothing is persisted.
func (d *Dispatcher) SendTest(ctx context.Context, endpoint *models.WebhookEndpoint) (int, int, error) {
	payload := models.JSON{
		"test":      true,
		"eventType": string(endpoint.EventType),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"message":   "test delivery from catalog-import-service",
	}
	return d.post(ctx, endpoint.URL, payload)
}

func (d *Dispatcher) post(ctx context.Context, url string, payload models.JSON) (statusCode, responseTimeMs int, err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "catalog-import-service/1.0")

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := int(time.Since(start).Milliseconds())
	if err != nil {
		return 0, elapsed, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, elapsed, nil
}

func eventPayload(event importer.JobEvent) models.JSON {
	return models.JSON{
		"jobId":        event.JobID.String(),
		"eventType":    string(event.Type),
		"sequence":     event.Sequence,
		"timestamp":    event.Timestamp.Format(time.RFC3339),
		"status":       string(event.Status),
		"rowsConsumed": event.RowsConsumed,
		"counters": map[string]interface{}{
			"accepted":  event.Counters.Accepted,
			"updated":   event.Counters.Updated,
			"duplicate": event.Counters.Duplicate,
			"rejected":  event.Counters.Rejected,
			"failed":    event.Counters.Failed,
		},
		"errorMessage": event.ErrorMessage,
	}
}
