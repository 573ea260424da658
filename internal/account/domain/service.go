package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// AccountRef addresses an account by internal id or external key.
// Exactly one side should be set; id wins when both are.
type AccountRef struct {
	ID          snowflake.ID
	ExternalKey string
}

// Service exposes the account/policy provider consumed by the credit core.
type Service interface {
	GetAccount(ctx context.Context, ref AccountRef) (*Account, error)
	GetOrCreateAccount(ctx context.Context, externalKey string, kind AccountKind) (*Account, error)
	GetOrCreatePolicy(ctx context.Context, accountID snowflake.ID, defaults PolicyDefaults) (*BillingPolicy, error)
	SetBillingMode(ctx context.Context, accountID snowflake.ID, mode BillingMode, force bool) (*BillingPolicy, error)
	Suspend(ctx context.Context, accountID snowflake.ID) error

	// FindForBillingTx resolves the account and its policy inside the
	// caller's settlement transaction.
	FindForBillingTx(ctx context.Context, tx *gorm.DB, ref AccountRef) (*Account, *BillingPolicy, error)
}
