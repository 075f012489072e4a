package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEventType identifies the job events an endpoint can subscribe to.
type WebhookEventType string

const (
	EventImportProgress  WebhookEventType = "import.progress"
	EventImportCompleted WebhookEventType = "import.completed"
	EventImportFailed    WebhookEventType = "import.failed"
	EventImportCancelled WebhookEventType = "import.cancelled"
)

// DeliveryStatus represents the delivery state of a webhook event.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "PENDING"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusExhausted DeliveryStatus = "EXHAUSTED"
)

// WebhookEndpoint is a registered delivery target for one event type.
// Subscription management lives in the external CRUD layer; the dispatcher
// only reads enabled endpoints.
type WebhookEndpoint struct {
	ID        uuid.UUID        `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	URL       string           `gorm:"type:varchar(512);not null" json:"url"`
	EventType WebhookEventType `gorm:"type:varchar(64);not null;index:idx_webhook_endpoints_event" json:"eventType"`
	IsEnabled bool             `gorm:"default:true;index:idx_webhook_endpoints_event" json:"isEnabled"`
	CreatedAt time.Time        `gorm:"default:CURRENT_TIMESTAMP" json:"createdAt"`
}

// TableName specifies the table name for WebhookEndpoint
func (WebhookEndpoint) TableName() string {
	return "webhook_endpoints"
}

// WebhookDelivery records one logical event for one endpoint, with its
// retry state. Deliveries persist across restarts, so a crash between
// attempts re-delivers rather than drops (at-least-once).
type WebhookDelivery struct {
	ID         uuid.UUID        `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	EndpointID uuid.UUID        `gorm:"type:uuid;not null;index:idx_webhook_deliveries_endpoint" json:"endpointId"`
	// Target URL captured at enqueue time, so in-flight deliveries keep
	// their destination even if the endpoint row changes.
	URL        string           `gorm:"type:varchar(512);not null" json:"url"`
	JobID      uuid.UUID        `gorm:"type:uuid;not null;index:idx_webhook_deliveries_job" json:"jobId"`
	EventType  WebhookEventType `gorm:"type:varchar(64);not null" json:"eventType"`

	// Per-job event sequence; consumers deduplicate on
	// (jobId, eventType, sequence).
	Sequence int64 `gorm:"not null" json:"sequence"`
	Payload  JSON  `gorm:"type:jsonb" json:"payload"`

	Status        DeliveryStatus `gorm:"type:varchar(20);not null;default:'PENDING';index:idx_webhook_deliveries_due,priority:1" json:"status"`
	AttemptCount  int            `gorm:"default:0" json:"attemptCount"`
	NextAttemptAt *time.Time     `gorm:"index:idx_webhook_deliveries_due,priority:2" json:"nextAttemptAt,omitempty"`

	LastStatusCode *int    `json:"lastStatusCode,omitempty"`
	ResponseTimeMs *int    `json:"responseTimeMs,omitempty"`
	LastError      *string `gorm:"type:text" json:"lastError,omitempty"`

	CreatedAt   time.Time  `gorm:"default:CURRENT_TIMESTAMP" json:"createdAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// TableName specifies the table name for WebhookDelivery
func (WebhookDelivery) TableName() string {
	return "webhook_deliveries"
}
