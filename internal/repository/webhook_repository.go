package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"catalog-import-service/internal/models"
)

var ErrEndpointNotFound = errors.New("webhook endpoint not found")

// WebhookRepository persists endpoints and delivery attempts.
type WebhookRepository struct {
	db     *gorm.DB
	logger *logrus.Entry
}

func NewWebhookRepository(db *gorm.DB, logger *logrus.Logger) *WebhookRepository {
	return &WebhookRepository{
		db:     db,
		logger: logger.WithField("component", "webhook-repository"),
	}
}

// ListEnabledEndpoints returns the enabled subscribers for an event type.
func (r *WebhookRepository) ListEnabledEndpoints(ctx context.Context, eventType models.WebhookEventType) ([]models.WebhookEndpoint, error) {
	var endpoints []models.WebhookEndpoint
	err := r.db.WithContext(ctx).
		Where("event_type = ? AND is_enabled = ?", eventType, true).
		Find(&endpoints).Error
	return endpoints, err
}

// GetEndpoint loads one endpoint by id.
func (r *WebhookRepository) GetEndpoint(ctx context.Context, endpointID uuid.UUID) (*models.WebhookEndpoint, error) {
	var endpoint models.WebhookEndpoint
	if err := r.db.WithContext(ctx).First(&endpoint, "id = ?", endpointID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEndpointNotFound
		}
		return nil, err
	}
	return &endpoint, nil
}

// CreateDeliveries persists a batch of pending delivery rows.
func (r *WebhookRepository) CreateDeliveries(ctx context.Context, deliveries []*models.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&deliveries).Error
}

// MarkDelivered finalizes a successful delivery.
func (r *WebhookRepository) MarkDelivered(ctx context.Context, deliveryID uuid.UUID, statusCode, responseTimeMs int) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.WebhookDelivery{}).
		Where("id = ?", deliveryID).
		Updates(map[string]interface{}{
			"status":           models.DeliveryStatusDelivered,
			"attempt_count":    gorm.Expr("attempt_count + 1"),
			"last_status_code": statusCode,
			"response_time_ms": responseTimeMs,
			"next_attempt_at":  nil,
			"delivered_at":     now,
		}).Error
}

// MarkAttemptFailed records a failed attempt along with its retry schedule,
// or the exhausted terminal state.
func (r *WebhookRepository) MarkAttemptFailed(ctx context.Context, delivery *models.WebhookDelivery) error {
	updates := map[string]interface{}{
		"status":          delivery.Status,
		"attempt_count":   delivery.AttemptCount,
		"next_attempt_at": delivery.NextAttemptAt,
		"last_error":      delivery.LastError,
	}
	if delivery.LastStatusCode != nil {
		updates["last_status_code"] = *delivery.LastStatusCode
	}
	if delivery.ResponseTimeMs != nil {
		updates["response_time_ms"] = *delivery.ResponseTimeMs
	}
	return r.db.WithContext(ctx).
		Model(&models.WebhookDelivery{}).
		Where("id = ?", delivery.ID).
		Updates(updates).Error
}

// DueDeliveries returns pending deliveries whose next attempt is due.
func (r *WebhookRepository) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var due []models.WebhookDelivery
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", models.DeliveryStatusPending, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&due).Error
	return due, err
}
