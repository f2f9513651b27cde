package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeliveryStatus represents the outcome of one webhook delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// AuditLog records one mutation, appended in the same transaction that made it.
type AuditLog struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	Actor      string    `gorm:"size:128;default:'system'" json:"actor"`
	Action     string    `gorm:"index;size:128;not null" json:"action"`
	EntityType string    `gorm:"index;size:128" json:"entity_type"`
	EntityID   string    `gorm:"index;size:36" json:"entity_id"`
	Payload    JSONMap   `gorm:"type:text" json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

func (a *AuditLog) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// WebhookEndpoint is a registered consumer of fleet events. An empty Events
// list subscribes to everything.
type WebhookEndpoint struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	Name      string     `gorm:"size:128;not null" json:"name"`
	TargetURL string     `gorm:"size:1024;not null" json:"target_url"`
	Secret    string     `gorm:"size:255" json:"-"`
	Events    StringList `gorm:"type:text" json:"events"`
	IsActive  bool       `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
}

func (w *WebhookEndpoint) BeforeCreate(*gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}

// WebhookDelivery is one enqueued event for one endpoint. Delivery is
// best-effort; consumers must tolerate at-least-once semantics.
type WebhookDelivery struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	EndpointID     string         `gorm:"index;size:36;not null" json:"endpoint_id"`
	Event          string         `gorm:"index;size:128;not null" json:"event"`
	Payload        JSONMap        `gorm:"type:text" json:"payload"`
	Status         DeliveryStatus `gorm:"size:32;default:'pending'" json:"status"`
	Attempts       int            `gorm:"default:0" json:"attempts"`
	ResponseStatus *int           `json:"response_status,omitempty"`
	LastError      string         `json:"last_error"`
	CreatedAt      time.Time      `json:"created_at"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
}

func (w *WebhookDelivery) BeforeCreate(*gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}
