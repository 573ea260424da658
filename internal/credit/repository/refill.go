package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/reserva/internal/credit/domain"
	"gorm.io/gorm"
)

// ListDueRefillSchedules pages over enabled schedules whose next run is at
// or before now, oldest due first.
func (r *Repository) ListDueRefillSchedules(ctx context.Context, now time.Time, limit int) ([]domain.CreditRefillSchedule, error) {
	var schedules []domain.CreditRefillSchedule
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at <= ?", true, now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&schedules).Error
	return schedules, err
}

// AdvanceRefillSchedule moves next_run_at forward with a guarded update so
// two concurrent sweeps cannot both advance the same period.
func (r *Repository) AdvanceRefillSchedule(ctx context.Context, tx *gorm.DB, id snowflake.ID, from, to time.Time) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Exec(
		`UPDATE credit_refill_schedules
		 SET next_run_at = ?, updated_at = ?
		 WHERE id = ? AND next_run_at = ?`,
		to,
		time.Now().UTC(),
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
