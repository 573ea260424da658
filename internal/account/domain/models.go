// Package domain contains the billable-account and billing-policy models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AccountKind distinguishes who is being billed.
type AccountKind string

const (
	AccountKindTenant            AccountKind = "tenant"
	AccountKindExternalAssociate AccountKind = "external_associate"
)

// AccountStatus is the account lifecycle. Accounts are never deleted,
// only suspended.
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
)

// BillingMode selects how the account settles charges.
type BillingMode string

const (
	BillingModePostpaid BillingMode = "postpaid"
	BillingModeCredit   BillingMode = "credit"
)

// Account is a billable entity, created on first billing interaction.
type Account struct {
	ID          snowflake.ID  `gorm:"primaryKey"`
	ExternalKey string        `gorm:"type:text;not null;uniqueIndex:ux_accounts_external_key"`
	Kind        AccountKind   `gorm:"type:text;not null"`
	Status      AccountStatus `gorm:"type:text;not null;index"`
	CreatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// BillingPolicy is one-to-one with Account.
type BillingPolicy struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	AccountID       snowflake.ID `gorm:"not null;uniqueIndex:ux_billing_policies_account"`
	BillingMode     BillingMode  `gorm:"type:text;not null"`
	PaymentTermDays int          `gorm:"not null;default:14"`
	Currency        string       `gorm:"type:text;not null;default:'USD'"`
	Enabled         bool         `gorm:"not null;default:true"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingPolicy) TableName() string { return "billing_policies" }

// PolicyDefaults seeds a policy on first access.
type PolicyDefaults struct {
	BillingMode     BillingMode
	PaymentTermDays int
	Currency        string
}
