package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reserva/internal/credit/domain"
	"github.com/smallbiznis/reserva/pkg/db"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{db: conn}
}

// InsertLedgerEntry appends one audit row. The unique (account,
// idempotency key) index doubles as the completion record: inserted=false
// means someone else already applied this exact operation, which callers
// must treat as a success path, not an error.
func (r *Repository) InsertLedgerEntry(ctx context.Context, tx *gorm.DB, entry *domain.CreditLedgerEntry) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO credit_ledger_entries (
			id, account_id, delta, reason, reservation_id, ref_type, ref_id,
			idempotency_key, fingerprint, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, idempotency_key) DO NOTHING`,
		entry.ID,
		entry.AccountID,
		entry.Delta,
		entry.Reason,
		entry.ReservationID,
		entry.RefType,
		entry.RefID,
		entry.IdempotencyKey,
		entry.Fingerprint,
		entry.Metadata,
		entry.CreatedAt,
	)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) FindLedgerEntryByKey(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, key string) (*domain.CreditLedgerEntry, error) {
	if tx == nil {
		tx = r.db
	}
	var entry domain.CreditLedgerEntry
	err := tx.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, key).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *Repository) ListLedger(ctx context.Context, accountID snowflake.ID, before snowflake.ID, limit int) ([]domain.CreditLedgerEntry, error) {
	stmt := r.db.WithContext(ctx).Where("account_id = ?", accountID)
	if before != 0 {
		stmt = stmt.Where("id < ?", before)
	}
	var entries []domain.CreditLedgerEntry
	err := stmt.Order("id DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// CreateReservation inserts a new active reservation. inserted=false means
// a reservation with this (account, idempotency key) already exists.
func (r *Repository) CreateReservation(ctx context.Context, tx *gorm.DB, res *domain.CreditReservation) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO credit_reservations (
			id, account_id, amount, status, ref_type, ref_id,
			idempotency_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, idempotency_key) DO NOTHING`,
		res.ID,
		res.AccountID,
		res.Amount,
		res.Status,
		res.RefType,
		res.RefID,
		res.IdempotencyKey,
		res.CreatedAt,
	)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) FindReservationByID(ctx context.Context, tx *gorm.DB, accountID, id snowflake.ID) (*domain.CreditReservation, error) {
	if tx == nil {
		tx = r.db
	}
	var res domain.CreditReservation
	err := tx.WithContext(ctx).
		Where("account_id = ? AND id = ?", accountID, id).
		First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, err
	}
	return &res, nil
}

func (r *Repository) FindReservationByKey(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, key string) (*domain.CreditReservation, error) {
	if tx == nil {
		tx = r.db
	}
	var res domain.CreditReservation
	err := tx.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, key).
		First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, err
	}
	return &res, nil
}

// FindReservationByRef resolves (ref_type, ref_id) to the most recently
// created matching reservation for the account. Snowflake ids are
// time-ordered, so ORDER BY id gives creation order.
func (r *Repository) FindReservationByRef(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, refType, refID string) (*domain.CreditReservation, error) {
	if tx == nil {
		tx = r.db
	}
	var res domain.CreditReservation
	err := tx.WithContext(ctx).
		Where("account_id = ? AND ref_type = ? AND ref_id = ?", accountID, refType, refID).
		Order("id DESC").
		First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, err
	}
	return &res, nil
}

// TransitionReservation moves a reservation out of active with a guarded
// update. updated=false means the row was not in the expected status, which
// callers surface as a conflict after re-reading.
func (r *Repository) TransitionReservation(ctx context.Context, tx *gorm.DB, id snowflake.ID, from, to domain.ReservationStatus, at time.Time) (bool, error) {
	column := "consumed_at"
	if to == domain.ReservationStatusReleased {
		column = "released_at"
	}
	result := tx.WithContext(ctx).Exec(
		`UPDATE credit_reservations
		 SET status = ?, `+column+` = ?
		 WHERE id = ? AND status = ?`,
		to,
		at,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListStaleActiveReservations pages over active work-order reservations
// for the reconciliation sweep, oldest first.
func (r *Repository) ListStaleActiveReservations(ctx context.Context, refType string, tenantID snowflake.ID, limit int) ([]domain.CreditReservation, error) {
	stmt := r.db.WithContext(ctx).
		Where("status = ? AND ref_type = ?", domain.ReservationStatusActive, refType)
	if tenantID != 0 {
		stmt = stmt.Where("account_id = ?", tenantID)
	}
	var reservations []domain.CreditReservation
	err := stmt.Order("id ASC").Limit(limit).Find(&reservations).Error
	return reservations, err
}

func (r *Repository) GetBalance(ctx context.Context, accountID snowflake.ID) (*domain.CreditBalance, error) {
	var balance domain.CreditBalance
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &balance, nil
}
