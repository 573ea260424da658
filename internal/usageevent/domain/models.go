// Package domain contains the fire-and-forget usage event audit model.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent records one settlement side effect for downstream analytics.
// Emission is best-effort: a failed insert never rolls back the financial
// mutation it describes.
type UsageEvent struct {
	ID             string            `gorm:"type:text;primaryKey"`
	SourceSystem   string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_source_key,priority:1"`
	EventType      string            `gorm:"type:text;not null;index"`
	AccountID      *snowflake.ID     `gorm:"index"`
	Payload        datatypes.JSONMap `gorm:"type:jsonb"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_source_key,priority:2"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// RecordInput is one audit emission.
type RecordInput struct {
	SourceSystem   string
	EventType      string
	AccountID      *snowflake.ID
	Payload        map[string]any
	IdempotencyKey string
}

// Service is the usage-event sink consumed by the credit core.
type Service interface {
	Record(ctx context.Context, in RecordInput) error
}
