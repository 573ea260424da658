package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reserva/internal/credit/domain"
	"github.com/smallbiznis/reserva/pkg/db"
	"gorm.io/gorm"
)

// LockBalance acquires a row-level exclusive lock on the account's balance
// row (and the account row itself) for the rest of the enclosing
// transaction. This is the sole serialization point per account: every
// settlement operation must go through here before touching balance state.
//
// A missing balance row is bootstrapped from ledger and reservation
// aggregates, so a lost or never-created row self-heals on first access.
func (r *Repository) LockBalance(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*domain.CreditBalance, error) {
	lock := db.LockClause(tx)

	var accountRow struct{ ID snowflake.ID }
	if err := tx.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT id FROM accounts WHERE id = ? %s`, lock),
		accountID,
	).Scan(&accountRow).Error; err != nil {
		return nil, err
	}

	balance, err := r.selectBalanceLocked(ctx, tx, accountID, lock)
	if err != nil {
		return nil, err
	}
	if balance != nil {
		return balance, nil
	}

	bootstrapped, err := r.bootstrapBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if err := bootstrapped.Validate(); err != nil {
		return nil, err
	}

	result := tx.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (account_id, wallet, reserved, available, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID,
		bootstrapped.Wallet,
		bootstrapped.Reserved,
		bootstrapped.Available,
		time.Now().UTC(),
		time.Now().UTC(),
	)
	if result.Error != nil && !db.IsDuplicateKeyErr(result.Error) {
		return nil, result.Error
	}

	// Re-select under the lock regardless of who inserted.
	balance, err = r.selectBalanceLocked(ctx, tx, accountID, lock)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, fmt.Errorf("credit balance bootstrap lost for account %s", accountID)
	}
	return balance, nil
}

// WriteBalance persists the triple after re-validating the full invariant.
// The check runs on every write as the last line of defense against a
// logic bug silently corrupting money.
func (r *Repository) WriteBalance(ctx context.Context, tx *gorm.DB, next *domain.CreditBalance) error {
	if err := next.Validate(); err != nil {
		return err
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET wallet = ?, reserved = ?, available = ?, updated_at = ?
		 WHERE account_id = ?`,
		next.Wallet,
		next.Reserved,
		next.Available,
		time.Now().UTC(),
		next.AccountID,
	).Error
}

func (r *Repository) selectBalanceLocked(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, lock string) (*domain.CreditBalance, error) {
	var rows []domain.CreditBalance
	err := tx.WithContext(ctx).Raw(
		fmt.Sprintf(
			`SELECT account_id, wallet, reserved, available, created_at, updated_at
			 FROM credit_balances
			 WHERE account_id = ?
			 %s`,
			lock,
		),
		accountID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *Repository) bootstrapBalance(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*domain.CreditBalance, error) {
	var wallet int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(delta), 0)
		 FROM credit_ledger_entries
		 WHERE account_id = ? AND reason IN (?, ?, ?, ?)`,
		accountID,
		domain.LedgerReasonGrant,
		domain.LedgerReasonTopup,
		domain.LedgerReasonAdjustment,
		domain.LedgerReasonConsume,
	).Scan(&wallet).Error; err != nil {
		return nil, err
	}

	var reserved int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM credit_reservations
		 WHERE account_id = ? AND status = ?`,
		accountID,
		domain.ReservationStatusActive,
	).Scan(&reserved).Error; err != nil {
		return nil, err
	}

	return &domain.CreditBalance{
		AccountID: accountID,
		Wallet:    wallet,
		Reserved:  reserved,
		Available: wallet - reserved,
	}, nil
}
