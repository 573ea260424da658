package scheduler

import (
	"context"
	"testing"
	"time"

	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	"github.com/smallbiznis/reserva/internal/clock"
	creditdomain "github.com/smallbiznis/reserva/internal/credit/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type creditsMock struct {
	reconcileCalls []creditdomain.ReconcileInput
	refillCalls    []creditdomain.RefillSweepInput
}

func (m *creditsMock) Reserve(context.Context, creditdomain.ReserveInput) (*creditdomain.ReservationResult, error) {
	return nil, nil
}
func (m *creditsMock) Consume(context.Context, creditdomain.SettleInput) (*creditdomain.ReservationResult, error) {
	return nil, nil
}
func (m *creditsMock) Release(context.Context, creditdomain.SettleInput) (*creditdomain.ReservationResult, error) {
	return nil, nil
}
func (m *creditsMock) Grant(context.Context, creditdomain.GrantInput) (*creditdomain.GrantResult, error) {
	return nil, nil
}
func (m *creditsMock) ReserveTx(context.Context, *gorm.DB, creditdomain.ReserveInput) (*creditdomain.ReservationResult, error) {
	return nil, nil
}
func (m *creditsMock) ConsumeTx(context.Context, *gorm.DB, creditdomain.SettleInput) (*creditdomain.ReservationResult, error) {
	return nil, nil
}
func (m *creditsMock) ReleaseTx(context.Context, *gorm.DB, creditdomain.SettleInput) (*creditdomain.ReservationResult, error) {
	return nil, nil
}
func (m *creditsMock) GrantTx(context.Context, *gorm.DB, creditdomain.GrantInput) (*creditdomain.GrantResult, error) {
	return nil, nil
}
func (m *creditsMock) GetBalance(context.Context, accountdomain.AccountRef) (*creditdomain.BalanceResult, error) {
	return nil, nil
}
func (m *creditsMock) ListLedger(context.Context, creditdomain.LedgerQuery) ([]creditdomain.LedgerEntryResult, error) {
	return nil, nil
}
func (m *creditsMock) Reconcile(ctx context.Context, in creditdomain.ReconcileInput) (*creditdomain.ReconcileResult, error) {
	m.reconcileCalls = append(m.reconcileCalls, in)
	return &creditdomain.ReconcileResult{}, nil
}
func (m *creditsMock) RunDueRefills(ctx context.Context, in creditdomain.RefillSweepInput) (*creditdomain.RefillSweepResult, error) {
	m.refillCalls = append(m.refillCalls, in)
	return &creditdomain.RefillSweepResult{}, nil
}

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *creditsMock) {
	t.Helper()
	credits := &creditsMock{}
	s := New(Params{
		Log:     zaptest.NewLogger(t),
		Clock:   clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Credits: credits,
		Options: opts,
	})
	return s, credits
}

func TestRunOncePassesExplicitBounds(t *testing.T) {
	s, credits := newTestScheduler(t, Options{
		ReconcileBatch: 25,
		RefillBatch:    10,
		TimeoutMinutes: 90,
		DryRun:         true,
	})

	s.RunOnce(context.Background())

	assert.Len(t, credits.reconcileCalls, 1)
	assert.Equal(t, 25, credits.reconcileCalls[0].Limit)
	assert.Equal(t, 90, credits.reconcileCalls[0].TimeoutMinutes)
	assert.True(t, credits.reconcileCalls[0].DryRun)

	assert.Len(t, credits.refillCalls, 1)
	assert.Equal(t, 10, credits.refillCalls[0].Limit)
	assert.True(t, credits.refillCalls[0].DryRun)
}

func TestRunOnceRespectsEnabledJobs(t *testing.T) {
	s, credits := newTestScheduler(t, Options{
		EnabledJobs: []string{JobDueRefills},
	})

	s.RunOnce(context.Background())

	assert.Empty(t, credits.reconcileCalls)
	assert.Len(t, credits.refillCalls, 1)
}
