package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	"github.com/smallbiznis/reserva/internal/clock"
	"github.com/smallbiznis/reserva/internal/credit/domain"
	"github.com/smallbiznis/reserva/internal/credit/repository"
	"github.com/smallbiznis/reserva/internal/observability/metrics"
	usageeventdomain "github.com/smallbiznis/reserva/internal/usageevent/domain"
	workorderdomain "github.com/smallbiznis/reserva/internal/workorder/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Accounts   accountdomain.Service
	WorkOrders workorderdomain.Reader
	Usage      usageeventdomain.Service
	Metrics    *metrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	accounts   accountdomain.Service
	workOrders workorderdomain.Reader
	usage      usageeventdomain.Service
	metrics    *metrics.Metrics
	repo       *repository.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		accounts:   p.Accounts,
		workOrders: p.WorkOrders,
		usage:      p.Usage,
		metrics:    p.Metrics,
		repo:       repository.NewRepository(p.DB),
	}
}

func (s *Service) Reserve(ctx context.Context, in domain.ReserveInput) (*domain.ReservationResult, error) {
	var res *domain.ReservationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		res, txErr = s.ReserveTx(ctx, tx, in)
		return txErr
	})
	s.recordSettlement(ctx, "reserve", res != nil && res.Duplicate, err)
	if err != nil {
		return nil, err
	}
	s.emitUsage(ctx, "credit.reserve", res, map[string]any{
		"reservation_id": res.ReservationID,
		"amount":         res.Amount,
		"ref_type":       res.RefType,
		"ref_id":         res.RefID,
	}, in.IdempotencyKey)
	return res, nil
}

func (s *Service) Consume(ctx context.Context, in domain.SettleInput) (*domain.ReservationResult, error) {
	var res *domain.ReservationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		res, txErr = s.ConsumeTx(ctx, tx, in)
		return txErr
	})
	s.recordSettlement(ctx, "consume", res != nil && res.Duplicate, err)
	if err != nil {
		return nil, err
	}
	s.emitUsage(ctx, "credit.consume", res, map[string]any{
		"reservation_id": res.ReservationID,
		"amount":         res.Amount,
	}, in.IdempotencyKey)
	return res, nil
}

func (s *Service) Release(ctx context.Context, in domain.SettleInput) (*domain.ReservationResult, error) {
	var res *domain.ReservationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		res, txErr = s.ReleaseTx(ctx, tx, in)
		return txErr
	})
	s.recordSettlement(ctx, "release", res != nil && res.Duplicate, err)
	if err != nil {
		return nil, err
	}
	s.emitUsage(ctx, "credit.release", res, map[string]any{
		"reservation_id": res.ReservationID,
		"amount":         res.Amount,
	}, in.IdempotencyKey)
	return res, nil
}

func (s *Service) Grant(ctx context.Context, in domain.GrantInput) (*domain.GrantResult, error) {
	var res *domain.GrantResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		res, txErr = s.GrantTx(ctx, tx, in)
		return txErr
	})
	s.recordSettlement(ctx, "grant", res != nil && res.Duplicate, err)
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		accountID := parseID(res.AccountID)
		if recErr := s.usage.Record(ctx, usageeventdomain.RecordInput{
			SourceSystem:   "credit",
			EventType:      "credit.grant",
			AccountID:      accountID,
			Payload:        map[string]any{"amount": res.Amount, "reason": res.Reason},
			IdempotencyKey: in.IdempotencyKey,
		}); recErr != nil {
			s.log.Warn("usage event emission failed", zap.Error(recErr))
		}
	}
	return res, nil
}

// ReserveTx holds credit against a unit of external work inside the
// caller's transaction. The ledger row for (account, idempotency key) is
// checked twice: once before locking as a cheap fast path, and again under
// the balance lock so no mutation can double-apply.
func (s *Service) ReserveTx(ctx context.Context, tx *gorm.DB, in domain.ReserveInput) (*domain.ReservationResult, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	refType := strings.TrimSpace(in.RefType)
	if refType == "" {
		refType = domain.RefTypeWorkOrder
	}
	refID := strings.TrimSpace(in.RefID)

	account, policy, err := s.accounts.FindForBillingTx(ctx, tx, in.Account)
	if err != nil {
		return nil, err
	}

	fp := fingerprint("reserve", account.ID.String(), strconv.FormatInt(in.Amount, 10), refType, refID)

	existing, err := s.repo.FindLedgerEntryByKey(ctx, tx, account.ID, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.duplicateReservation(ctx, tx, account.ID, key, existing, fp)
	}

	balance, err := s.repo.LockBalance(ctx, tx, account.ID)
	if err != nil {
		return nil, err
	}

	existing, err = s.repo.FindLedgerEntryByKey(ctx, tx, account.ID, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.duplicateReservation(ctx, tx, account.ID, key, existing, fp)
	}

	if account.Status != accountdomain.AccountStatusActive {
		return nil, accountdomain.ErrAccountSuspended
	}
	if policy == nil || policy.BillingMode != accountdomain.BillingModeCredit {
		return nil, domain.ErrBillingModeNotCredit
	}

	now := s.clock.Now()

	if balance.Available < in.Amount {
		deficit := in.Amount - balance.Available
		if !in.OperatorOverride {
			return nil, fmt.Errorf("%w: need %d, available %d",
				domain.ErrInsufficientCredits, in.Amount, balance.Available)
		}
		adjustment := &domain.CreditLedgerEntry{
			ID:             s.genID.Generate(),
			AccountID:      account.ID,
			Delta:          deficit,
			Reason:         domain.LedgerReasonAdjustment,
			RefType:        refType,
			RefID:          refID,
			IdempotencyKey: key + ":override",
			Fingerprint:    fingerprint("adjustment", account.ID.String(), strconv.FormatInt(deficit, 10), key),
			Metadata: datatypes.JSONMap{
				"operator_override": true,
				"parent_key":        key,
			},
			CreatedAt: now,
		}
		inserted, insErr := s.repo.InsertLedgerEntry(ctx, tx, adjustment)
		if insErr != nil {
			return nil, insErr
		}
		if inserted {
			balance.Wallet += deficit
			balance.Available = balance.Wallet - balance.Reserved
		}
		s.log.Warn("operator override closed credit deficit",
			zap.String("account_id", account.ID.String()),
			zap.Int64("deficit", deficit),
			zap.String("idempotency_key", key),
		)
	}

	balance.Reserved += in.Amount
	balance.Available = balance.Wallet - balance.Reserved
	if err := s.writeBalance(ctx, tx, "reserve", balance); err != nil {
		return nil, err
	}

	reservation := &domain.CreditReservation{
		ID:             s.genID.Generate(),
		AccountID:      account.ID,
		Amount:         in.Amount,
		Status:         domain.ReservationStatusActive,
		RefType:        refType,
		RefID:          refID,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	inserted, err := s.repo.CreateReservation(ctx, tx, reservation)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// A winner must have committed between our checks despite the
		// balance lock; abort rather than double-apply.
		return nil, fmt.Errorf("reservation insert lost idempotency race for key %s", key)
	}

	entry := &domain.CreditLedgerEntry{
		ID:             s.genID.Generate(),
		AccountID:      account.ID,
		Delta:          -in.Amount,
		Reason:         domain.LedgerReasonReserve,
		ReservationID:  &reservation.ID,
		RefType:        refType,
		RefID:          refID,
		IdempotencyKey: key,
		Fingerprint:    fp,
		Metadata:       toJSONMap(in.Metadata),
		CreatedAt:      now,
	}
	inserted, err = s.repo.InsertLedgerEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("ledger append lost idempotency race for key %s", key)
	}

	return reservationResult(reservation, balance, false), nil
}

func (s *Service) ConsumeTx(ctx context.Context, tx *gorm.DB, in domain.SettleInput) (*domain.ReservationResult, error) {
	return s.settleTx(ctx, tx, in, domain.ReservationStatusConsumed)
}

func (s *Service) ReleaseTx(ctx context.Context, tx *gorm.DB, in domain.SettleInput) (*domain.ReservationResult, error) {
	return s.settleTx(ctx, tx, in, domain.ReservationStatusReleased)
}

// settleTx moves a reservation to a terminal status. Consume burns wallet
// and reserved together; release returns the hold to available without
// touching the wallet.
func (s *Service) settleTx(ctx context.Context, tx *gorm.DB, in domain.SettleInput, to domain.ReservationStatus) (*domain.ReservationResult, error) {
	op := "consume"
	reason := domain.LedgerReasonConsume
	if to == domain.ReservationStatusReleased {
		op = "release"
		reason = domain.LedgerReasonRelease
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}

	account, _, err := s.accounts.FindForBillingTx(ctx, tx, in.Account)
	if err != nil {
		return nil, err
	}

	fp := fingerprint(op, account.ID.String(),
		strings.TrimSpace(in.ReservationID),
		strings.TrimSpace(in.RefType),
		strings.TrimSpace(in.RefID),
	)

	existing, err := s.repo.FindLedgerEntryByKey(ctx, tx, account.ID, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.duplicateSettlement(ctx, tx, account.ID, existing, fp)
	}

	balance, err := s.repo.LockBalance(ctx, tx, account.ID)
	if err != nil {
		return nil, err
	}

	existing, err = s.repo.FindLedgerEntryByKey(ctx, tx, account.ID, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.duplicateSettlement(ctx, tx, account.ID, existing, fp)
	}

	reservation, err := s.resolveReservation(ctx, tx, account.ID, in)
	if err != nil {
		return nil, err
	}
	switch reservation.Status {
	case domain.ReservationStatusConsumed:
		return nil, domain.ErrReservationConsumed
	case domain.ReservationStatusReleased:
		return nil, domain.ErrReservationReleased
	}

	now := s.clock.Now()

	if to == domain.ReservationStatusConsumed {
		balance.Wallet -= reservation.Amount
	}
	balance.Reserved -= reservation.Amount
	balance.Available = balance.Wallet - balance.Reserved
	if err := s.writeBalance(ctx, tx, op, balance); err != nil {
		return nil, err
	}

	updated, err := s.repo.TransitionReservation(ctx, tx, reservation.ID, domain.ReservationStatusActive, to, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		current, findErr := s.repo.FindReservationByID(ctx, tx, account.ID, reservation.ID)
		if findErr != nil {
			return nil, findErr
		}
		if current.Status == domain.ReservationStatusConsumed {
			return nil, domain.ErrReservationConsumed
		}
		return nil, domain.ErrReservationReleased
	}

	delta := -reservation.Amount
	if to == domain.ReservationStatusReleased {
		delta = reservation.Amount
	}
	entry := &domain.CreditLedgerEntry{
		ID:             s.genID.Generate(),
		AccountID:      account.ID,
		Delta:          delta,
		Reason:         reason,
		ReservationID:  &reservation.ID,
		RefType:        reservation.RefType,
		RefID:          reservation.RefID,
		IdempotencyKey: key,
		Fingerprint:    fp,
		CreatedAt:      now,
	}
	inserted, err := s.repo.InsertLedgerEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("ledger append lost idempotency race for key %s", key)
	}

	reservation.Status = to
	if to == domain.ReservationStatusConsumed {
		reservation.ConsumedAt = &now
	} else {
		reservation.ReleasedAt = &now
	}
	return reservationResult(reservation, balance, false), nil
}

func (s *Service) GrantTx(ctx context.Context, tx *gorm.DB, in domain.GrantInput) (*domain.GrantResult, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return nil, domain.ErrMissingIdempotencyKey
	}
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	reason := in.Reason
	if reason == "" {
		reason = domain.LedgerReasonGrant
	}
	switch reason {
	case domain.LedgerReasonGrant, domain.LedgerReasonTopup, domain.LedgerReasonAdjustment:
	default:
		return nil, domain.ErrInvalidLedgerReason
	}

	account, _, err := s.accounts.FindForBillingTx(ctx, tx, in.Account)
	if err != nil {
		return nil, err
	}

	fp := fingerprint("grant", account.ID.String(), strconv.FormatInt(in.Amount, 10), string(reason))

	existing, err := s.repo.FindLedgerEntryByKey(ctx, tx, account.ID, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.duplicateGrant(ctx, tx, account.ID, existing, fp)
	}

	balance, err := s.repo.LockBalance(ctx, tx, account.ID)
	if err != nil {
		return nil, err
	}

	existing, err = s.repo.FindLedgerEntryByKey(ctx, tx, account.ID, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.duplicateGrant(ctx, tx, account.ID, existing, fp)
	}

	now := s.clock.Now()
	balance.Wallet += in.Amount
	balance.Available = balance.Wallet - balance.Reserved
	if err := s.writeBalance(ctx, tx, "grant", balance); err != nil {
		return nil, err
	}

	entry := &domain.CreditLedgerEntry{
		ID:             s.genID.Generate(),
		AccountID:      account.ID,
		Delta:          in.Amount,
		Reason:         reason,
		IdempotencyKey: key,
		Fingerprint:    fp,
		Metadata:       toJSONMap(in.Metadata),
		CreatedAt:      now,
	}
	inserted, err := s.repo.InsertLedgerEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("ledger append lost idempotency race for key %s", key)
	}

	return grantResult(entry, balance, false), nil
}

func (s *Service) GetBalance(ctx context.Context, ref accountdomain.AccountRef) (*domain.BalanceResult, error) {
	account, err := s.accounts.GetAccount(ctx, ref)
	if err != nil {
		return nil, err
	}
	balance, err := s.repo.GetBalance(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return &domain.BalanceResult{AccountID: account.ID.String()}, nil
	}
	result := balanceResult(balance)
	return &result, nil
}

func (s *Service) ListLedger(ctx context.Context, q domain.LedgerQuery) ([]domain.LedgerEntryResult, error) {
	account, err := s.accounts.GetAccount(ctx, q.Account)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var before snowflake.ID
	if cursor := strings.TrimSpace(q.Before); cursor != "" {
		before, err = snowflake.ParseString(cursor)
		if err != nil {
			return nil, domain.ErrInvalidCursor
		}
	}

	entries, err := s.repo.ListLedger(ctx, account.ID, before, limit)
	if err != nil {
		return nil, err
	}
	results := make([]domain.LedgerEntryResult, 0, len(entries))
	for i := range entries {
		results = append(results, ledgerEntryResult(&entries[i]))
	}
	return results, nil
}

func (s *Service) duplicateReservation(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, key string, entry *domain.CreditLedgerEntry, fp string) (*domain.ReservationResult, error) {
	if entry.Fingerprint != fp {
		return nil, fmt.Errorf("%w: key %s", domain.ErrIdempotencyKeyReused, key)
	}
	reservation, err := s.repo.FindReservationByKey(ctx, tx, accountID, key)
	if err != nil {
		return nil, err
	}
	balance, err := s.currentBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	return reservationResult(reservation, balance, true), nil
}

func (s *Service) duplicateSettlement(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, entry *domain.CreditLedgerEntry, fp string) (*domain.ReservationResult, error) {
	if entry.Fingerprint != fp {
		return nil, fmt.Errorf("%w: key %s", domain.ErrIdempotencyKeyReused, entry.IdempotencyKey)
	}
	if entry.ReservationID == nil {
		return nil, domain.ErrReservationNotFound
	}
	reservation, err := s.repo.FindReservationByID(ctx, tx, accountID, *entry.ReservationID)
	if err != nil {
		return nil, err
	}
	balance, err := s.currentBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	return reservationResult(reservation, balance, true), nil
}

func (s *Service) duplicateGrant(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, entry *domain.CreditLedgerEntry, fp string) (*domain.GrantResult, error) {
	if entry.Fingerprint != fp {
		return nil, fmt.Errorf("%w: key %s", domain.ErrIdempotencyKeyReused, entry.IdempotencyKey)
	}
	balance, err := s.currentBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	return grantResult(entry, balance, true), nil
}

func (s *Service) resolveReservation(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, in domain.SettleInput) (*domain.CreditReservation, error) {
	if id := strings.TrimSpace(in.ReservationID); id != "" {
		parsed, err := snowflake.ParseString(id)
		if err != nil {
			return nil, domain.ErrReservationNotFound
		}
		return s.repo.FindReservationByID(ctx, tx, accountID, parsed)
	}
	refType := strings.TrimSpace(in.RefType)
	refID := strings.TrimSpace(in.RefID)
	if refType == "" || refID == "" {
		return nil, domain.ErrMissingReservationRef
	}
	return s.repo.FindReservationByRef(ctx, tx, accountID, refType, refID)
}

func (s *Service) currentBalance(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*domain.CreditBalance, error) {
	var rows []domain.CreditBalance
	err := tx.WithContext(ctx).
		Where("account_id = ?", accountID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &domain.CreditBalance{AccountID: accountID}, nil
	}
	return &rows[0], nil
}

func (s *Service) writeBalance(ctx context.Context, tx *gorm.DB, op string, next *domain.CreditBalance) error {
	err := s.repo.WriteBalance(ctx, tx, next)
	if err == nil {
		return nil
	}
	if domain.ConflictError(err) {
		s.metrics.RecordInvariantViolation(ctx, op)
		s.log.Error("balance invariant violated",
			zap.String("op", op),
			zap.String("account_id", next.AccountID.String()),
			zap.Int64("wallet", next.Wallet),
			zap.Int64("reserved", next.Reserved),
			zap.Int64("available", next.Available),
			zap.Error(err),
		)
	}
	return err
}

func (s *Service) recordSettlement(ctx context.Context, op string, duplicate bool, err error) {
	result := "ok"
	switch {
	case err == nil && duplicate:
		result = "duplicate"
	case err == nil:
	case domain.ConflictError(err):
		result = "conflict"
	default:
		result = "error"
	}
	s.metrics.RecordSettlement(ctx, op, result)
}

func (s *Service) emitUsage(ctx context.Context, eventType string, res *domain.ReservationResult, payload map[string]any, key string) {
	if res.Duplicate {
		return
	}
	if err := s.usage.Record(ctx, usageeventdomain.RecordInput{
		SourceSystem:   "credit",
		EventType:      eventType,
		AccountID:      parseID(res.AccountID),
		Payload:        payload,
		IdempotencyKey: key,
	}); err != nil {
		s.log.Warn("usage event emission failed",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func reservationResult(res *domain.CreditReservation, balance *domain.CreditBalance, duplicate bool) *domain.ReservationResult {
	return &domain.ReservationResult{
		ReservationID: res.ID.String(),
		AccountID:     res.AccountID.String(),
		Amount:        res.Amount,
		Status:        strings.ToUpper(string(res.Status)),
		RefType:       res.RefType,
		RefID:         res.RefID,
		CreatedAt:     domain.FormatTime(res.CreatedAt),
		ConsumedAt:    domain.FormatTimePtr(res.ConsumedAt),
		ReleasedAt:    domain.FormatTimePtr(res.ReleasedAt),
		Balance:       balanceResult(balance),
		Duplicate:     duplicate,
	}
}

func grantResult(entry *domain.CreditLedgerEntry, balance *domain.CreditBalance, duplicate bool) *domain.GrantResult {
	return &domain.GrantResult{
		LedgerEntryID: entry.ID.String(),
		AccountID:     entry.AccountID.String(),
		Amount:        entry.Delta,
		Reason:        strings.ToUpper(string(entry.Reason)),
		CreatedAt:     domain.FormatTime(entry.CreatedAt),
		Balance:       balanceResult(balance),
		Duplicate:     duplicate,
	}
}

func balanceResult(balance *domain.CreditBalance) domain.BalanceResult {
	return domain.BalanceResult{
		AccountID: balance.AccountID.String(),
		Wallet:    balance.Wallet,
		Reserved:  balance.Reserved,
		Available: balance.Available,
	}
}

func ledgerEntryResult(entry *domain.CreditLedgerEntry) domain.LedgerEntryResult {
	var reservationID *string
	if entry.ReservationID != nil {
		id := entry.ReservationID.String()
		reservationID = &id
	}
	return domain.LedgerEntryResult{
		ID:             entry.ID.String(),
		AccountID:      entry.AccountID.String(),
		Delta:          entry.Delta,
		Reason:         strings.ToUpper(string(entry.Reason)),
		ReservationID:  reservationID,
		RefType:        entry.RefType,
		RefID:          entry.RefID,
		IdempotencyKey: entry.IdempotencyKey,
		CreatedAt:      domain.FormatTime(entry.CreatedAt),
	}
}

func fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func parseID(id string) *snowflake.ID {
	parsed, err := snowflake.ParseString(id)
	if err != nil {
		return nil
	}
	return &parsed
}

func toJSONMap(m map[string]any) datatypes.JSONMap {
	if len(m) == 0 {
		return nil
	}
	out := datatypes.JSONMap{}
	for k, v := range m {
		out[k] = v
	}
	return out
}
