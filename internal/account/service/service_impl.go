package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reserva/internal/account/domain"
	"github.com/smallbiznis/reserva/internal/account/repository"
	"github.com/smallbiznis/reserva/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  *repository.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("account.service"),
		genID: p.GenID,
		repo:  repository.NewRepository(p.DB),
	}
}

func (s *Service) GetAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error) {
	if ref.ID != 0 {
		return s.repo.FindByID(ctx, nil, ref.ID)
	}
	if strings.TrimSpace(ref.ExternalKey) == "" {
		return nil, domain.ErrInvalidExternalKey
	}
	return s.repo.FindByExternalKey(ctx, nil, ref.ExternalKey)
}

// GetOrCreateAccount creates the account on first billing interaction.
// A duplicate insert means another request won the race; the winner's row
// is returned.
func (s *Service) GetOrCreateAccount(ctx context.Context, externalKey string, kind domain.AccountKind) (*domain.Account, error) {
	externalKey = strings.TrimSpace(externalKey)
	if externalKey == "" {
		return nil, domain.ErrInvalidExternalKey
	}
	switch kind {
	case domain.AccountKindTenant, domain.AccountKindExternalAssociate:
	default:
		return nil, domain.ErrInvalidAccountKind
	}

	existing, err := s.repo.FindByExternalKey(ctx, nil, externalKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, err
	}

	account := &domain.Account{
		ID:          s.genID.Generate(),
		ExternalKey: externalKey,
		Kind:        kind,
		Status:      domain.AccountStatusActive,
	}
	if err := s.repo.Create(ctx, account); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.repo.FindByExternalKey(ctx, nil, externalKey)
		}
		return nil, err
	}
	return account, nil
}

func (s *Service) GetOrCreatePolicy(ctx context.Context, accountID snowflake.ID, defaults domain.PolicyDefaults) (*domain.BillingPolicy, error) {
	policy, err := s.repo.FindPolicy(ctx, nil, accountID)
	if err != nil {
		return nil, err
	}
	if policy != nil {
		return policy, nil
	}

	mode := defaults.BillingMode
	if mode == "" {
		mode = domain.BillingModePostpaid
	}
	termDays := defaults.PaymentTermDays
	if termDays <= 0 {
		termDays = 14
	}
	currency := strings.TrimSpace(defaults.Currency)
	if currency == "" {
		currency = "USD"
	}

	policy = &domain.BillingPolicy{
		ID:              s.genID.Generate(),
		AccountID:       accountID,
		BillingMode:     mode,
		PaymentTermDays: termDays,
		Currency:        currency,
		Enabled:         true,
	}
	if err := s.repo.CreatePolicy(ctx, policy); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.repo.FindPolicy(ctx, nil, accountID)
		}
		return nil, err
	}
	return policy, nil
}

// SetBillingMode switches the account's billing mode. Switching into credit
// mode requires a positive available balance unless force is set.
func (s *Service) SetBillingMode(ctx context.Context, accountID snowflake.ID, mode domain.BillingMode, force bool) (*domain.BillingPolicy, error) {
	switch mode {
	case domain.BillingModePostpaid, domain.BillingModeCredit:
	default:
		return nil, domain.ErrInvalidBillingMode
	}
	if _, err := s.repo.FindByID(ctx, nil, accountID); err != nil {
		return nil, err
	}

	if mode == domain.BillingModeCredit && !force {
		var available int64
		if err := s.db.WithContext(ctx).Raw(
			`SELECT COALESCE(available, 0) FROM credit_balances WHERE account_id = ?`,
			accountID,
		).Scan(&available).Error; err != nil {
			return nil, err
		}
		if available <= 0 {
			return nil, domain.ErrCreditModeNeedsFunds
		}
	}

	if err := s.repo.UpdatePolicyMode(ctx, accountID, mode); err != nil {
		return nil, err
	}
	s.log.Info("billing mode changed",
		zap.String("account_id", accountID.String()),
		zap.String("mode", string(mode)),
		zap.Bool("force", force),
	)
	return s.repo.FindPolicy(ctx, nil, accountID)
}

func (s *Service) Suspend(ctx context.Context, accountID snowflake.ID) error {
	if err := s.repo.UpdateStatus(ctx, accountID, domain.AccountStatusSuspended); err != nil {
		return err
	}
	s.log.Warn("account suspended", zap.String("account_id", accountID.String()))
	return nil
}

func (s *Service) FindForBillingTx(ctx context.Context, tx *gorm.DB, ref domain.AccountRef) (*domain.Account, *domain.BillingPolicy, error) {
	var account *domain.Account
	var err error
	if ref.ID != 0 {
		account, err = s.repo.FindByID(ctx, tx, ref.ID)
	} else if strings.TrimSpace(ref.ExternalKey) != "" {
		account, err = s.repo.FindByExternalKey(ctx, tx, ref.ExternalKey)
	} else {
		return nil, nil, domain.ErrInvalidExternalKey
	}
	if err != nil {
		return nil, nil, err
	}

	policy, err := s.repo.FindPolicy(ctx, tx, account.ID)
	if err != nil {
		return nil, nil, err
	}
	return account, policy, nil
}
