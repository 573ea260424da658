package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	accountservice "github.com/smallbiznis/reserva/internal/account/service"
	clockpkg "github.com/smallbiznis/reserva/internal/clock"
	"github.com/smallbiznis/reserva/internal/credit/domain"
	usageeventdomain "github.com/smallbiznis/reserva/internal/usageevent/domain"
	usageeventservice "github.com/smallbiznis/reserva/internal/usageevent/service"
	workorderdomain "github.com/smallbiznis/reserva/internal/workorder/domain"
	workorderrepository "github.com/smallbiznis/reserva/internal/workorder/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type testEnv struct {
	db       *gorm.DB
	clock    *clockpkg.FakeClock
	genID    *snowflake.Node
	accounts accountdomain.Service
	credits  domain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	// sqlite has a single writer; one pooled connection makes concurrent
	// ops queue instead of tripping its lock errors.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&accountdomain.Account{},
		&accountdomain.BillingPolicy{},
		&domain.CreditBalance{},
		&domain.CreditReservation{},
		&domain.CreditLedgerEntry{},
		&domain.CreditRefillSchedule{},
		&workorderdomain.WorkOrder{},
		&workorderdomain.Delivery{},
		&usageeventdomain.UsageEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	fake := clockpkg.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	accounts := accountservice.NewService(accountservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
	})
	usage := usageeventservice.NewService(usageeventservice.Params{
		DB:  db,
		Log: log,
	})
	credits := NewService(Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      fake,
		Accounts:   accounts,
		WorkOrders: workorderrepository.NewRepository(db),
		Usage:      usage,
	})

	return &testEnv{
		db:       db,
		clock:    fake,
		genID:    node,
		accounts: accounts,
		credits:  credits,
	}
}

func (e *testEnv) creditAccount(t *testing.T, externalKey string) *accountdomain.Account {
	t.Helper()
	account, err := e.accounts.GetOrCreateAccount(context.Background(), externalKey, accountdomain.AccountKindTenant)
	require.NoError(t, err)
	_, err = e.accounts.GetOrCreatePolicy(context.Background(), account.ID, accountdomain.PolicyDefaults{
		BillingMode: accountdomain.BillingModeCredit,
	})
	require.NoError(t, err)
	return account
}

func (e *testEnv) grant(t *testing.T, accountID snowflake.ID, amount int64, key string) *domain.GrantResult {
	t.Helper()
	result, err := e.credits.Grant(context.Background(), domain.GrantInput{
		Account:        accountdomain.AccountRef{ID: accountID},
		Amount:         amount,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return result
}

func (e *testEnv) ledgerCount(t *testing.T, accountID snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, e.db.Model(&domain.CreditLedgerEntry{}).
		Where("account_id = ?", accountID).Count(&count).Error)
	return count
}

func (e *testEnv) balance(t *testing.T, accountID snowflake.ID) *domain.CreditBalance {
	t.Helper()
	var balance domain.CreditBalance
	require.NoError(t, e.db.Where("account_id = ?", accountID).First(&balance).Error)
	require.NoError(t, balance.Validate())
	return &balance
}

func TestGrantCreditsAndDuplicate(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-grant")

	first := env.grant(t, account.ID, 10, "grant-1")
	assert.False(t, first.Duplicate)
	assert.Equal(t, "GRANT", first.Reason)
	assert.Equal(t, int64(10), first.Balance.Wallet)
	assert.Equal(t, int64(10), first.Balance.Available)

	second := env.grant(t, account.ID, 10, "grant-1")
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.LedgerEntryID, second.LedgerEntryID)

	balance := env.balance(t, account.ID)
	assert.Equal(t, int64(10), balance.Wallet)
	assert.Equal(t, int64(1), env.ledgerCount(t, account.ID))
}

func TestReserveThenConsume(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-consume")
	env.grant(t, account.ID, 5, "seed")

	reserved, err := env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         3,
		RefType:        domain.RefTypeWorkOrder,
		RefID:          "1001",
		IdempotencyKey: "res-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", reserved.Status)
	assert.Equal(t, int64(5), reserved.Balance.Wallet)
	assert.Equal(t, int64(3), reserved.Balance.Reserved)
	assert.Equal(t, int64(2), reserved.Balance.Available)

	consumed, err := env.credits.Consume(context.Background(), domain.SettleInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		ReservationID:  reserved.ReservationID,
		IdempotencyKey: "con-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "CONSUMED", consumed.Status)
	assert.NotNil(t, consumed.ConsumedAt)
	assert.Equal(t, int64(2), consumed.Balance.Wallet)
	assert.Equal(t, int64(0), consumed.Balance.Reserved)
	assert.Equal(t, int64(2), consumed.Balance.Available)

	// A second consume under a fresh key is a conflict, not a replay.
	_, err = env.credits.Consume(context.Background(), domain.SettleInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		ReservationID:  reserved.ReservationID,
		IdempotencyKey: "con-2",
	})
	assert.ErrorIs(t, err, domain.ErrReservationConsumed)
}

func TestReleaseKeepsWallet(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-release")
	env.grant(t, account.ID, 5, "seed")

	reserved, err := env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         3,
		RefID:          "1002",
		IdempotencyKey: "res-1",
	})
	require.NoError(t, err)

	released, err := env.credits.Release(context.Background(), domain.SettleInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		ReservationID:  reserved.ReservationID,
		IdempotencyKey: "rel-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "RELEASED", released.Status)
	assert.NotNil(t, released.ReleasedAt)
	assert.Equal(t, int64(5), released.Balance.Wallet)
	assert.Equal(t, int64(0), released.Balance.Reserved)
	assert.Equal(t, int64(5), released.Balance.Available)
}

func TestReserveInsufficientLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-insufficient")
	env.grant(t, account.ID, 2, "seed")

	_, err := env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         3,
		RefID:          "1003",
		IdempotencyKey: "res-1",
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	balance := env.balance(t, account.ID)
	assert.Equal(t, int64(2), balance.Wallet)
	assert.Equal(t, int64(0), balance.Reserved)

	var reservations int64
	require.NoError(t, env.db.Model(&domain.CreditReservation{}).
		Where("account_id = ?", account.ID).Count(&reservations).Error)
	assert.Equal(t, int64(0), reservations)
	// Only the seed grant landed in the ledger.
	assert.Equal(t, int64(1), env.ledgerCount(t, account.ID))
}

func TestReserveConcurrentOverCapacity(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-concurrent")
	env.grant(t, account.ID, 5, "seed")

	// Two reservations race for a wallet that can only cover one of them.
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		key := fmt.Sprintf("res-%d", i)
		go func() {
			_, err := env.credits.Reserve(context.Background(), domain.ReserveInput{
				Account:        accountdomain.AccountRef{ID: account.ID},
				Amount:         4,
				RefID:          "6001",
				IdempotencyKey: key,
			})
			errs <- err
		}()
	}

	var failed []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failed = append(failed, err)
		}
	}
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], domain.ErrInsufficientCredits)

	balance := env.balance(t, account.ID)
	assert.Equal(t, int64(5), balance.Wallet)
	assert.Equal(t, int64(4), balance.Reserved)
	assert.Equal(t, int64(1), balance.Available)

	var reservations int64
	require.NoError(t, env.db.Model(&domain.CreditReservation{}).
		Where("account_id = ?", account.ID).Count(&reservations).Error)
	assert.Equal(t, int64(1), reservations)
}

func TestReserveDuplicateKeyReturnsOriginal(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-dup")
	env.grant(t, account.ID, 5, "seed")

	in := domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         3,
		RefID:          "1004",
		IdempotencyKey: "res-1",
	}
	first, err := env.credits.Reserve(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := env.credits.Reserve(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ReservationID, second.ReservationID)

	balance := env.balance(t, account.ID)
	assert.Equal(t, int64(3), balance.Reserved)
	// seed grant + one reserve entry
	assert.Equal(t, int64(2), env.ledgerCount(t, account.ID))
}

func TestReserveKeyReuseWithDifferentRequest(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-reuse")
	env.grant(t, account.ID, 10, "seed")

	_, err := env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         3,
		RefID:          "1005",
		IdempotencyKey: "res-1",
	})
	require.NoError(t, err)

	_, err = env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         4,
		RefID:          "1005",
		IdempotencyKey: "res-1",
	})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)
}

func TestReserveOperatorOverride(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-override")
	env.grant(t, account.ID, 1, "seed")

	reserved, err := env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:          accountdomain.AccountRef{ID: account.ID},
		Amount:           3,
		RefID:            "1006",
		IdempotencyKey:   "res-1",
		OperatorOverride: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), reserved.Balance.Wallet)
	assert.Equal(t, int64(3), reserved.Balance.Reserved)
	assert.Equal(t, int64(0), reserved.Balance.Available)

	var adjustment domain.CreditLedgerEntry
	require.NoError(t, env.db.
		Where("account_id = ? AND idempotency_key = ?", account.ID, "res-1:override").
		First(&adjustment).Error)
	assert.Equal(t, domain.LedgerReasonAdjustment, adjustment.Reason)
	assert.Equal(t, int64(2), adjustment.Delta)
}

func TestReserveRequiresCreditMode(t *testing.T) {
	env := newTestEnv(t)
	account, err := env.accounts.GetOrCreateAccount(context.Background(), "tenant-postpaid", accountdomain.AccountKindTenant)
	require.NoError(t, err)
	_, err = env.accounts.GetOrCreatePolicy(context.Background(), account.ID, accountdomain.PolicyDefaults{})
	require.NoError(t, err)

	_, err = env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         1,
		RefID:          "1007",
		IdempotencyKey: "res-1",
	})
	assert.ErrorIs(t, err, domain.ErrBillingModeNotCredit)
}

func TestReserveSuspendedAccount(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-suspended")
	env.grant(t, account.ID, 5, "seed")
	require.NoError(t, env.accounts.Suspend(context.Background(), account.ID))

	_, err := env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         1,
		RefID:          "1008",
		IdempotencyKey: "res-1",
	})
	assert.ErrorIs(t, err, accountdomain.ErrAccountSuspended)
}

func TestConsumeByRefPicksMostRecent(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-by-ref")
	env.grant(t, account.ID, 10, "seed")

	_, err := env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         2,
		RefID:          "2001",
		IdempotencyKey: "res-1",
	})
	require.NoError(t, err)
	second, err := env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         3,
		RefID:          "2001",
		IdempotencyKey: "res-2",
	})
	require.NoError(t, err)

	consumed, err := env.credits.Consume(context.Background(), domain.SettleInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		RefType:        domain.RefTypeWorkOrder,
		RefID:          "2001",
		IdempotencyKey: "con-1",
	})
	require.NoError(t, err)
	assert.Equal(t, second.ReservationID, consumed.ReservationID)
	assert.Equal(t, int64(3), consumed.Amount)
}

func TestSettleValidation(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-validate")

	_, err := env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account: accountdomain.AccountRef{ID: account.ID},
		Amount:  1,
		RefID:   "3001",
	})
	assert.ErrorIs(t, err, domain.ErrMissingIdempotencyKey)

	_, err = env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         0,
		RefID:          "3001",
		IdempotencyKey: "res-1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = env.credits.Consume(context.Background(), domain.SettleInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		IdempotencyKey: "con-1",
	})
	assert.ErrorIs(t, err, domain.ErrMissingReservationRef)
}

func TestBalanceBootstrapFromAggregates(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-bootstrap")
	env.grant(t, account.ID, 10, "seed")

	_, err := env.credits.Reserve(context.Background(), domain.ReserveInput{
		Account:        accountdomain.AccountRef{ID: account.ID},
		Amount:         3,
		RefID:          "4001",
		IdempotencyKey: "res-1",
	})
	require.NoError(t, err)

	// Simulate a lost balance row; the next settlement op rebuilds it.
	require.NoError(t, env.db.Exec(
		`DELETE FROM credit_balances WHERE account_id = ?`, account.ID,
	).Error)

	result := env.grant(t, account.ID, 1, "after-loss")
	assert.Equal(t, int64(11), result.Balance.Wallet)
	assert.Equal(t, int64(3), result.Balance.Reserved)
	assert.Equal(t, int64(8), result.Balance.Available)
}

func TestInvariantHeldAcrossSequence(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-sequence")
	ctx := context.Background()

	env.grant(t, account.ID, 20, "seed")
	for i := 0; i < 4; i++ {
		reserved, err := env.credits.Reserve(ctx, domain.ReserveInput{
			Account:        accountdomain.AccountRef{ID: account.ID},
			Amount:         int64(i + 1),
			RefID:          fmt.Sprintf("50%02d", i),
			IdempotencyKey: fmt.Sprintf("res-%d", i),
		})
		require.NoError(t, err)
		env.balance(t, account.ID)

		settle := domain.SettleInput{
			Account:        accountdomain.AccountRef{ID: account.ID},
			ReservationID:  reserved.ReservationID,
			IdempotencyKey: fmt.Sprintf("settle-%d", i),
		}
		if i%2 == 0 {
			_, err = env.credits.Consume(ctx, settle)
		} else {
			_, err = env.credits.Release(ctx, settle)
		}
		require.NoError(t, err)
		env.balance(t, account.ID)
	}

	balance := env.balance(t, account.ID)
	// consumed 1 + 3, released 2 + 4
	assert.Equal(t, int64(16), balance.Wallet)
	assert.Equal(t, int64(0), balance.Reserved)
	assert.Equal(t, int64(16), balance.Available)
}

func TestListLedgerPagination(t *testing.T) {
	env := newTestEnv(t)
	account := env.creditAccount(t, "tenant-ledger")
	for i := 0; i < 5; i++ {
		env.grant(t, account.ID, 1, fmt.Sprintf("grant-%d", i))
	}

	page, err := env.credits.ListLedger(context.Background(), domain.LedgerQuery{
		Account: accountdomain.AccountRef{ID: account.ID},
		Limit:   3,
	})
	require.NoError(t, err)
	require.Len(t, page, 3)

	rest, err := env.credits.ListLedger(context.Background(), domain.LedgerQuery{
		Account: accountdomain.AccountRef{ID: account.ID},
		Limit:   3,
		Before:  page[len(page)-1].ID,
	})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.NotEqual(t, page[0].ID, rest[0].ID)
}
