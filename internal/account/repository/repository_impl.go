package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reserva/internal/account/domain"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var account domain.Account
	err := tx.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *Repository) FindByExternalKey(ctx context.Context, tx *gorm.DB, externalKey string) (*domain.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var account domain.Account
	err := tx.WithContext(ctx).Where("external_key = ?", strings.TrimSpace(externalKey)).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *Repository) Create(ctx context.Context, account *domain.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *Repository) FindPolicy(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*domain.BillingPolicy, error) {
	if tx == nil {
		tx = r.db
	}
	var policy domain.BillingPolicy
	err := tx.WithContext(ctx).Where("account_id = ?", accountID).First(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &policy, nil
}

func (r *Repository) CreatePolicy(ctx context.Context, policy *domain.BillingPolicy) error {
	return r.db.WithContext(ctx).Create(policy).Error
}

func (r *Repository) UpdatePolicyMode(ctx context.Context, accountID snowflake.ID, mode domain.BillingMode) error {
	return r.db.WithContext(ctx).
		Model(&domain.BillingPolicy{}).
		Where("account_id = ?", accountID).
		Update("billing_mode", mode).Error
}

func (r *Repository) UpdateStatus(ctx context.Context, accountID snowflake.ID, status domain.AccountStatus) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", accountID).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
