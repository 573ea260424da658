// Package domain contains the read model for externally tracked work.
//
// Work orders and deliveries are owned by the order pipeline; the credit
// core only reads them to decide how stale reservations settle.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// WorkOrderStatus is the upstream approval state of a work order.
type WorkOrderStatus string

const (
	WorkOrderStatusPending  WorkOrderStatus = "pending"
	WorkOrderStatusApproved WorkOrderStatus = "approved"
	WorkOrderStatusRejected WorkOrderStatus = "rejected"
)

// DeliveryStatus tracks the downstream fulfilment of an approved order.
type DeliveryStatus string

const (
	DeliveryStatusScheduled DeliveryStatus = "scheduled"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// WorkOrder is the unit of external work reservations are held against.
type WorkOrder struct {
	ID           snowflake.ID    `gorm:"primaryKey"`
	AccountID    snowflake.ID    `gorm:"not null;index"`
	Status       WorkOrderStatus `gorm:"type:text;not null;index"`
	DownstreamID string          `gorm:"type:text;index"`
	CreatedAt    time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WorkOrder) TableName() string { return "work_orders" }

// Delivery mirrors the downstream fulfilment record for an approved order.
type Delivery struct {
	ID           snowflake.ID   `gorm:"primaryKey"`
	DownstreamID string         `gorm:"type:text;not null;uniqueIndex:ux_deliveries_downstream"`
	Status       DeliveryStatus `gorm:"type:text;not null;index"`
	CreatedAt    time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Delivery) TableName() string { return "deliveries" }

// Reader is the lookup surface the reconciliation sweep depends on.
// FindByID returns (nil, nil) when the work order does not exist.
type Reader interface {
	FindByID(ctx context.Context, id snowflake.ID) (*WorkOrder, error)
	FindDelivery(ctx context.Context, downstreamID string) (*Delivery, error)
}
