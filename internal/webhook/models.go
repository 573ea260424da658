// Package webhook ingests payment-provider events and converts successful
// top-ups into wallet grants.
package webhook

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventStatus is the terminal disposition of one ingested event.
type EventStatus string

const (
	EventStatusProcessed EventStatus = "processed"
	EventStatusIgnored   EventStatus = "ignored"
)

// EventTypeTopupSucceeded is the only event type that moves money.
const EventTypeTopupSucceeded = "topup.succeeded"

// PaymentWebhookEvent records one delivery. The unique
// (provider, provider_event_id) index is the dedupe mechanism: providers
// redeliver freely, and the row's presence means the event was handled.
type PaymentWebhookEvent struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	Provider        string            `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1"`
	ProviderEventID string            `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2"`
	EventType       string            `gorm:"type:text;not null;index"`
	Status          EventStatus       `gorm:"type:text;not null"`
	Payload         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentWebhookEvent) TableName() string { return "payment_webhook_events" }

// IngestInput is one provider delivery, already parsed at the edge.
type IngestInput struct {
	Provider           string
	EventID            string
	EventType          string
	AccountExternalKey string
	Amount             int64
	Payload            map[string]any
}

// IngestResult is the recorded outcome; replays return the original.
type IngestResult struct {
	EventID   string `json:"event_id"`
	Status    string `json:"status"`
	AccountID string `json:"account_id,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Duplicate bool   `json:"duplicate"`
}
