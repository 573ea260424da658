package service

import (
	"context"
	"fmt"
	"time"

	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	"github.com/smallbiznis/reserva/internal/credit/domain"
	"go.uber.org/zap"
)

// RunDueRefills grants every enabled schedule whose period has come due.
// Each period goes through the ordinary Grant op with a key derived from
// the schedule id and the period start, so a crashed or rerun sweep never
// double-grants: the second attempt is an idempotency hit.
func (s *Service) RunDueRefills(ctx context.Context, in domain.RefillSweepInput) (*domain.RefillSweepResult, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}

	now := s.clock.Now()
	schedules, err := s.repo.ListDueRefillSchedules(ctx, now, limit)
	if err != nil {
		return nil, err
	}

	result := &domain.RefillSweepResult{Scanned: len(schedules)}
	for i := range schedules {
		schedule := &schedules[i]
		period := schedule.NextRunAt.UTC().Format(time.RFC3339)
		key := fmt.Sprintf("refill:%s:%s", schedule.ID, period)

		if in.DryRun {
			result.Granted++
			continue
		}

		grant, err := s.Grant(ctx, domain.GrantInput{
			Account:        accountdomain.AccountRef{ID: schedule.AccountID},
			Amount:         schedule.Amount,
			Reason:         domain.LedgerReasonTopup,
			IdempotencyKey: key,
			Metadata: map[string]any{
				"refill_schedule_id": schedule.ID.String(),
				"period":             period,
			},
		})
		if err != nil {
			result.Errors = append(result.Errors, domain.RefillRowError{
				ScheduleID: schedule.ID.String(),
				Error:      err.Error(),
			})
			continue
		}

		next := schedule.NextRunAt.Add(time.Duration(schedule.IntervalDays) * 24 * time.Hour)
		advanced, err := s.repo.AdvanceRefillSchedule(ctx, nil, schedule.ID, schedule.NextRunAt, next)
		if err != nil {
			result.Errors = append(result.Errors, domain.RefillRowError{
				ScheduleID: schedule.ID.String(),
				Error:      err.Error(),
			})
			continue
		}
		if !advanced {
			// Another sweep advanced this schedule; its grant was the
			// idempotency winner.
			result.Skipped++
			continue
		}

		result.Granted++
		s.log.Info("refill granted",
			zap.String("schedule_id", schedule.ID.String()),
			zap.String("account_id", schedule.AccountID.String()),
			zap.Int64("amount", schedule.Amount),
			zap.String("period", period),
			zap.Bool("duplicate", grant.Duplicate),
		)
	}

	s.log.Info("refill sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("granted", result.Granted),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
		zap.Bool("dry_run", in.DryRun),
	)
	return result, nil
}
