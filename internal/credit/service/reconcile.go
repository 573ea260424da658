package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	"github.com/smallbiznis/reserva/internal/credit/domain"
	workorderdomain "github.com/smallbiznis/reserva/internal/workorder/domain"
	"go.uber.org/zap"
)

type sweepAction int

const (
	actionSkip sweepAction = iota
	actionConsume
	actionRelease
)

type sweepDecision struct {
	action sweepAction
	reason string
}

// Reconcile settles stale active reservations against the state of the
// work they were held for. A dry run classifies identically to a real run
// over the same rows but mutates nothing. One bad row never aborts the
// batch; it lands in Errors and the sweep moves on.
func (s *Service) Reconcile(ctx context.Context, in domain.ReconcileInput) (*domain.ReconcileResult, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}
	timeoutMinutes := in.TimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = 60
	}
	timeout := time.Duration(timeoutMinutes) * time.Minute

	var tenantID snowflake.ID
	if in.TenantID != "" {
		parsed, err := snowflake.ParseString(in.TenantID)
		if err != nil {
			account, accErr := s.accounts.GetAccount(ctx, accountdomain.AccountRef{ExternalKey: in.TenantID})
			if accErr != nil {
				return nil, accErr
			}
			parsed = account.ID
		}
		tenantID = parsed
	}

	reservations, err := s.repo.ListStaleActiveReservations(ctx, domain.RefTypeWorkOrder, tenantID, limit)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	result := &domain.ReconcileResult{Scanned: len(reservations)}

	for i := range reservations {
		reservation := &reservations[i]
		decision, err := s.classifyReservation(ctx, reservation, now, timeout)
		if err != nil {
			result.Errors = append(result.Errors, domain.ReconcileRowError{
				ReservationID: reservation.ID.String(),
				Error:         err.Error(),
			})
			continue
		}

		if decision.action == actionSkip {
			result.Skipped++
			s.metrics.RecordReconcileOutcome(ctx, decision.reason)
			continue
		}

		if in.DryRun {
			if decision.action == actionConsume {
				result.Consumed++
			} else {
				result.Released++
			}
			s.metrics.RecordReconcileOutcome(ctx, decision.reason)
			continue
		}

		settle := domain.SettleInput{
			Account:        accountdomain.AccountRef{ID: reservation.AccountID},
			ReservationID:  reservation.ID.String(),
			IdempotencyKey: fmt.Sprintf("reconcile:%s:%s", reservation.ID, decision.reason),
		}
		if decision.action == actionConsume {
			_, err = s.Consume(ctx, settle)
		} else {
			_, err = s.Release(ctx, settle)
		}
		if err != nil {
			// Someone settled the reservation between listing and locking.
			if errors.Is(err, domain.ErrReservationConsumed) || errors.Is(err, domain.ErrReservationReleased) {
				result.Skipped++
				s.metrics.RecordReconcileOutcome(ctx, "already_settled")
				continue
			}
			result.Errors = append(result.Errors, domain.ReconcileRowError{
				ReservationID: reservation.ID.String(),
				Error:         err.Error(),
			})
			continue
		}

		if decision.action == actionConsume {
			result.Consumed++
		} else {
			result.Released++
		}
		s.metrics.RecordReconcileOutcome(ctx, decision.reason)
		s.log.Info("reservation reconciled",
			zap.String("reservation_id", reservation.ID.String()),
			zap.String("account_id", reservation.AccountID.String()),
			zap.String("reason", decision.reason),
			zap.Duration("age", now.Sub(reservation.CreatedAt)),
			zap.Bool("consumed", decision.action == actionConsume),
		)
	}

	s.log.Info("reconcile sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("consumed", result.Consumed),
		zap.Int("released", result.Released),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
		zap.Bool("dry_run", in.DryRun),
	)
	return result, nil
}

// classifyReservation applies the settlement decision table top to bottom.
// The first matching row wins:
//
//	work order missing and past timeout   -> release (orphan)
//	work order rejected                   -> release (rejected)
//	downstream delivery cancelled         -> release (cancelled)
//	downstream delivery delivered         -> consume (delivered)
//	past timeout                          -> release (timeout)
//	otherwise                             -> skip    (pending)
func (s *Service) classifyReservation(ctx context.Context, reservation *domain.CreditReservation, now time.Time, timeout time.Duration) (sweepDecision, error) {
	expired := now.Sub(reservation.CreatedAt) >= timeout

	orderID, err := snowflake.ParseString(reservation.RefID)
	if err != nil {
		if expired {
			return sweepDecision{actionRelease, "orphan"}, nil
		}
		return sweepDecision{actionSkip, "pending"}, nil
	}

	order, err := s.workOrders.FindByID(ctx, orderID)
	if err != nil {
		return sweepDecision{}, err
	}
	if order == nil {
		if expired {
			return sweepDecision{actionRelease, "orphan"}, nil
		}
		return sweepDecision{actionSkip, "pending"}, nil
	}

	if order.Status == workorderdomain.WorkOrderStatusRejected {
		return sweepDecision{actionRelease, "rejected"}, nil
	}

	if order.DownstreamID != "" {
		delivery, err := s.workOrders.FindDelivery(ctx, order.DownstreamID)
		if err != nil {
			return sweepDecision{}, err
		}
		if delivery != nil {
			switch delivery.Status {
			case workorderdomain.DeliveryStatusCancelled:
				return sweepDecision{actionRelease, "cancelled"}, nil
			case workorderdomain.DeliveryStatusDelivered:
				return sweepDecision{actionConsume, "delivered"}, nil
			}
		}
	}

	if expired {
		return sweepDecision{actionRelease, "timeout"}, nil
	}
	return sweepDecision{actionSkip, "pending"}, nil
}
