package domain

import (
	"context"
	"time"

	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	"gorm.io/gorm"
)

// ReserveInput holds credit against a unit of external work.
type ReserveInput struct {
	Account          accountdomain.AccountRef
	Amount           int64
	RefType          string
	RefID            string
	IdempotencyKey   string
	OperatorOverride bool
	Metadata         map[string]any
}

// SettleInput resolves a reservation either by id or by (RefType, RefID);
// the ref pair picks the most recently created matching reservation.
type SettleInput struct {
	Account        accountdomain.AccountRef
	ReservationID  string
	RefType        string
	RefID          string
	IdempotencyKey string
}

// GrantInput tops up the wallet; no reservation is involved.
type GrantInput struct {
	Account        accountdomain.AccountRef
	Amount         int64
	Reason         LedgerReason
	IdempotencyKey string
	Metadata       map[string]any
}

// ReconcileInput bounds one reconciliation sweep. TimeoutMinutes and Limit
// come from explicit configuration, not ambient process state.
type ReconcileInput struct {
	TenantID       string
	Limit          int
	TimeoutMinutes int
	DryRun         bool
}

// RefillSweepInput bounds one due-refill sweep.
type RefillSweepInput struct {
	Limit  int
	DryRun bool
}

// RefillSweepResult reports refill sweep counts.
type RefillSweepResult struct {
	Scanned int              `json:"scanned"`
	Granted int              `json:"granted"`
	Skipped int              `json:"skipped"`
	Errors  []RefillRowError `json:"errors"`
}

// RefillRowError isolates one failed schedule so the sweep can finish.
type RefillRowError struct {
	ScheduleID string `json:"schedule_id"`
	Error      string `json:"error"`
}

// LedgerQuery pages through an account's ledger history.
type LedgerQuery struct {
	Account accountdomain.AccountRef
	Limit   int
	Before  string // ledger entry id cursor, exclusive
}

// BalanceResult is the serialized balance triple.
type BalanceResult struct {
	AccountID string `json:"account_id"`
	Wallet    int64  `json:"wallet"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

// ReservationResult is the serialized outcome of reserve/consume/release.
// Duplicate marks an idempotency hit: the original result, not an error.
type ReservationResult struct {
	ReservationID string        `json:"reservation_id"`
	AccountID     string        `json:"account_id"`
	Amount        int64         `json:"amount"`
	Status        string        `json:"status"`
	RefType       string        `json:"ref_type,omitempty"`
	RefID         string        `json:"ref_id,omitempty"`
	CreatedAt     string        `json:"created_at"`
	ConsumedAt    *string       `json:"consumed_at,omitempty"`
	ReleasedAt    *string       `json:"released_at,omitempty"`
	Balance       BalanceResult `json:"balance"`
	Duplicate     bool          `json:"duplicate"`
}

// GrantResult is the serialized outcome of a grant or top-up.
type GrantResult struct {
	LedgerEntryID string        `json:"ledger_entry_id"`
	AccountID     string        `json:"account_id"`
	Amount        int64         `json:"amount"`
	Reason        string        `json:"reason"`
	CreatedAt     string        `json:"created_at"`
	Balance       BalanceResult `json:"balance"`
	Duplicate     bool          `json:"duplicate"`
}

// LedgerEntryResult is one serialized audit row.
type LedgerEntryResult struct {
	ID             string  `json:"id"`
	AccountID      string  `json:"account_id"`
	Delta          int64   `json:"delta"`
	Reason         string  `json:"reason"`
	ReservationID  *string `json:"reservation_id,omitempty"`
	RefType        string  `json:"ref_type,omitempty"`
	RefID          string  `json:"ref_id,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
	CreatedAt      string  `json:"created_at"`
}

// ReconcileRowError isolates one failed row so the batch can finish.
type ReconcileRowError struct {
	ReservationID string `json:"reservation_id"`
	Error         string `json:"error"`
}

// ReconcileResult reports sweep counts. A dry run reports the same counts
// as a real run over identical input but mutates nothing.
type ReconcileResult struct {
	Scanned  int                 `json:"scanned"`
	Consumed int                 `json:"consumed"`
	Released int                 `json:"released"`
	Skipped  int                 `json:"skipped"`
	Errors   []ReconcileRowError `json:"errors"`
}

// Service is the settlement surface of the credit core. The plain methods
// open their own transaction; the Tx variants join the caller's.
type Service interface {
	Reserve(ctx context.Context, in ReserveInput) (*ReservationResult, error)
	Consume(ctx context.Context, in SettleInput) (*ReservationResult, error)
	Release(ctx context.Context, in SettleInput) (*ReservationResult, error)
	Grant(ctx context.Context, in GrantInput) (*GrantResult, error)

	ReserveTx(ctx context.Context, tx *gorm.DB, in ReserveInput) (*ReservationResult, error)
	ConsumeTx(ctx context.Context, tx *gorm.DB, in SettleInput) (*ReservationResult, error)
	ReleaseTx(ctx context.Context, tx *gorm.DB, in SettleInput) (*ReservationResult, error)
	GrantTx(ctx context.Context, tx *gorm.DB, in GrantInput) (*GrantResult, error)

	GetBalance(ctx context.Context, ref accountdomain.AccountRef) (*BalanceResult, error)
	ListLedger(ctx context.Context, q LedgerQuery) ([]LedgerEntryResult, error)

	Reconcile(ctx context.Context, in ReconcileInput) (*ReconcileResult, error)
	RunDueRefills(ctx context.Context, in RefillSweepInput) (*RefillSweepResult, error)
}

// FormatTime renders timestamps the way every serialized result does.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// FormatTimePtr renders optional timestamps.
func FormatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := FormatTime(*t)
	return &formatted
}
