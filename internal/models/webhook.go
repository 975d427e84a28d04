package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NotificationSource identifies how a gateway notification reached us
type NotificationSource string

const (
	SourceWebhook  NotificationSource = "webhook"
	SourceCallback NotificationSource = "callback"
)

// WebhookEvent is the delivery log of gateway notifications, kept verbatim for disputes
type WebhookEvent struct {
	ID             uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	GatewayCode    string             `gorm:"type:varchar(50);not null;uniqueIndex:idx_webhook_events_key" json:"gateway_code"`
	EventKey       string             `gorm:"type:varchar(255);not null;uniqueIndex:idx_webhook_events_key" json:"event_key"`
	Source         NotificationSource `gorm:"type:varchar(20);not null" json:"source"`
	TransactionRef string             `gorm:"type:varchar(255);index:idx_webhook_events_txn" json:"transaction_ref,omitempty"`

	// Payload
	Payload datatypes.JSON `gorm:"not null" json:"payload"`

	// Processing
	DeliveryCount   int        `gorm:"not null;default:1" json:"delivery_count"`
	Processed       bool       `gorm:"default:false;index:idx_webhook_events_processed" json:"processed"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_webhook_events_created" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for WebhookEvent
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// BeforeCreate assigns the event id
func (w *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.DeliveryCount == 0 {
		w.DeliveryCount = 1
	}
	return nil
}
