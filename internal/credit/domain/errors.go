package domain

import "errors"

var (
	// Validation: rejected before any state change.
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidLedgerReason   = errors.New("invalid_ledger_reason")
	ErrInvalidCursor         = errors.New("invalid_ledger_cursor")
	ErrMissingIdempotencyKey = errors.New("missing_idempotency_key")
	ErrMissingReservationRef = errors.New("missing_reservation_ref")

	// Not found.
	ErrReservationNotFound = errors.New("reservation_not_found")

	// Conflicts: user-actionable, never coerced into success.
	ErrInsufficientCredits  = errors.New("insufficient_credits")
	ErrReservationConsumed  = errors.New("reservation_already_consumed")
	ErrReservationReleased  = errors.New("reservation_already_released")
	ErrIdempotencyKeyReused = errors.New("idempotency_key_reused_for_different_request")
	ErrBillingModeNotCredit = errors.New("billing_mode_not_credit")

	// Invariant violation: fatal to the operation, indicates a logic
	// defect rather than a legitimate business race.
	ErrInvariantViolation = errors.New("balance_invariant_violation")
)

// ConflictError reports whether err should surface as a business conflict.
func ConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrReservationConsumed),
		errors.Is(err, ErrReservationReleased),
		errors.Is(err, ErrIdempotencyKeyReused),
		errors.Is(err, ErrBillingModeNotCredit),
		errors.Is(err, ErrInvariantViolation):
		return true
	default:
		return false
	}
}
