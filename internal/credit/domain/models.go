// Package domain contains the credit ledger, balance and reservation models.
//
// Balances are integer credit units, never currency fractions; the invoice
// subsystem's decimal arithmetic must not leak in here.
package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ReservationStatus is the reservation lifecycle. A reservation leaves
// active exactly once; consumed and released are terminal.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusConsumed ReservationStatus = "consumed"
	ReservationStatusReleased ReservationStatus = "released"
)

// LedgerReason tags every balance-affecting ledger row.
type LedgerReason string

const (
	LedgerReasonGrant      LedgerReason = "grant"
	LedgerReasonTopup      LedgerReason = "topup"
	LedgerReasonReserve    LedgerReason = "reserve"
	LedgerReasonConsume    LedgerReason = "consume"
	LedgerReasonRelease    LedgerReason = "release"
	LedgerReasonAdjustment LedgerReason = "adjustment"
)

// RefTypeWorkOrder marks reservations held against externally tracked work;
// the reconciliation sweep only inspects this ref type.
const RefTypeWorkOrder = "work_order"

// CreditBalance is the per-account triple. Wallet is total granted minus
// consumed, reserved is credit held by active reservations, available is
// derived. The invariant is validated on every write, not only at the edges.
type CreditBalance struct {
	AccountID snowflake.ID `gorm:"primaryKey"`
	Wallet    int64        `gorm:"not null;default:0"`
	Reserved  int64        `gorm:"not null;default:0"`
	Available int64        `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditBalance) TableName() string { return "credit_balances" }

// Validate enforces the accounting invariant. A violation is a logic
// defect, not a business race.
func (b *CreditBalance) Validate() error {
	if b.Wallet < 0 || b.Reserved < 0 || b.Available < 0 {
		return fmt.Errorf("%w: wallet=%d reserved=%d available=%d",
			ErrInvariantViolation, b.Wallet, b.Reserved, b.Available)
	}
	if b.Wallet-b.Reserved != b.Available {
		return fmt.Errorf("%w: wallet(%d) - reserved(%d) != available(%d)",
			ErrInvariantViolation, b.Wallet, b.Reserved, b.Available)
	}
	return nil
}

// CreditReservation holds credit against a unit of external work.
// One row per (account, idempotency key): a duplicate reserve call returns
// the existing row.
type CreditReservation struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	AccountID      snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_credit_reservations_account_key,priority:1"`
	Amount         int64             `gorm:"not null"`
	Status         ReservationStatus `gorm:"type:text;not null;index"`
	RefType        string            `gorm:"type:text;not null;index:ix_credit_reservations_ref,priority:1"`
	RefID          string            `gorm:"type:text;not null;index:ix_credit_reservations_ref,priority:2"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex:ux_credit_reservations_account_key,priority:2"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ConsumedAt     *time.Time
	ReleasedAt     *time.Time
}

// TableName sets the database table name.
func (CreditReservation) TableName() string { return "credit_reservations" }

// CreditLedgerEntry is the append-only audit row per balance-affecting
// event. The unique (account, idempotency key) index is the core
// duplicate-suppression mechanism: presence of the row means "this exact
// operation already happened".
//
// Delta is signed in credit units. Wallet movements (grant, topup,
// adjustment positive; consume negative) aggregate to the wallet; hold
// movements (reserve negative, release positive) are excluded from that
// aggregation and exist for audit only.
type CreditLedgerEntry struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	AccountID      snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_credit_ledger_account_key,priority:1"`
	Delta          int64             `gorm:"not null"`
	Reason         LedgerReason      `gorm:"type:text;not null;index"`
	ReservationID  *snowflake.ID     `gorm:"index"`
	RefType        string            `gorm:"type:text"`
	RefID          string            `gorm:"type:text"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex:ux_credit_ledger_account_key,priority:2"`
	Fingerprint    string            `gorm:"type:text;not null"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditLedgerEntry) TableName() string { return "credit_ledger_entries" }

// CreditRefillSchedule drives the scheduled-refill sweep. Each due period
// grants through the ordinary Grant op with a derived idempotency key, so
// a rerun of the sweep never double-grants.
type CreditRefillSchedule struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	AccountID    snowflake.ID `gorm:"not null;index"`
	Amount       int64        `gorm:"not null"`
	IntervalDays int          `gorm:"not null"`
	NextRunAt    time.Time    `gorm:"not null;index"`
	Enabled      bool         `gorm:"not null;default:true"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditRefillSchedule) TableName() string { return "credit_refill_schedules" }

// WalletReason reports whether rows tagged with reason contribute to the
// wallet aggregate used by the self-healing balance bootstrap.
func WalletReason(reason LedgerReason) bool {
	switch reason {
	case LedgerReasonGrant, LedgerReasonTopup, LedgerReasonAdjustment, LedgerReasonConsume:
		return true
	default:
		return false
	}
}
