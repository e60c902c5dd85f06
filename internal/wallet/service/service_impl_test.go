package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/events"
	idempotencydomain "github.com/smallbiznis/meterflow/internal/idempotency/domain"
	idempotencyservice "github.com/smallbiznis/meterflow/internal/idempotency/service"
	walletdomain "github.com/smallbiznis/meterflow/internal/wallet/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*gorm.DB, *Service, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&walletdomain.Wallet{},
		&walletdomain.WalletTransaction{},
		&walletdomain.RecurringRule{},
		&walletdomain.UsageThreshold{},
		&idempotencydomain.Key{},
		&events.OutboxEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	outbox := events.NewOutbox(events.Params{DB: db, Log: zap.NewNop(), GenID: node})
	guard := idempotencyservice.NewService(idempotencyservice.ServiceParam{DB: db, Log: zap.NewNop(), GenID: node})
	svc := NewService(ServiceParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: fc, Outbox: outbox, Idempotency: guard,
	})
	return db, svc, fc
}

func newWallet(t *testing.T, svc *Service, priority int, traceable bool) *walletdomain.Wallet {
	t.Helper()
	w, err := svc.Create(context.Background(), CreateWalletRequest{
		OrgID:      snowflake.ID(1),
		CustomerID: snowflake.ID(9),
		Name:       "prepaid",
		Currency:   "USD",
		Priority:   priority,
		Traceable:  traceable,
	})
	require.NoError(t, err)
	return w
}

func TestCreditAndDebit_LedgerStaysConsistent(t *testing.T) {
	db, svc, _ := newTestService(t)
	ctx := context.Background()
	w := newWallet(t, svc, 0, true)

	_, err := svc.Credit(ctx, w.ID, 1000, "manual_top_up")
	require.NoError(t, err)
	updated, err := svc.Debit(ctx, w.ID, 400, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 600, updated.BalanceCents)

	// Balance equals the sum of signed ledger entries.
	var total int64
	require.NoError(t, db.Model(&walletdomain.WalletTransaction{}).
		Where("wallet_id = ?", w.ID).
		Select("COALESCE(SUM(amount_cents), 0)").Scan(&total).Error)
	assert.EqualValues(t, 600, total)
}

func TestDebit_TraceableWalletRejectsOverdraft(t *testing.T) {
	_, svc, _ := newTestService(t)
	ctx := context.Background()
	w := newWallet(t, svc, 0, true)

	_, err := svc.Credit(ctx, w.ID, 300, "manual_top_up")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, w.ID, 500, nil, nil)
	assert.ErrorIs(t, err, walletdomain.ErrInsufficientBalance)

	// Rejected, not truncated: the balance is untouched.
	balance, err := svc.Debit(ctx, w.ID, 300, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, balance.BalanceCents)
}

func TestDebit_NonTraceableWalletMayGoNegative(t *testing.T) {
	_, svc, _ := newTestService(t)
	ctx := context.Background()
	w := newWallet(t, svc, 0, false)

	updated, err := svc.Debit(ctx, w.ID, 250, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, -250, updated.BalanceCents)
}

func TestBalanceNonNegative_RandomOperationSequence(t *testing.T) {
	_, svc, _ := newTestService(t)
	ctx := context.Background()
	w := newWallet(t, svc, 0, true)

	amounts := []int64{500, 200, 900, 100, 50, 700, 40, 30, 1000, 10}
	for i, amount := range amounts {
		if i%2 == 0 {
			_, err := svc.Credit(ctx, w.ID, amount, "seq")
			require.NoError(t, err)
		} else {
			_, err := svc.Debit(ctx, w.ID, amount, nil, nil)
			if err != nil {
				require.ErrorIs(t, err, walletdomain.ErrInsufficientBalance)
			}
		}
		updated, err := svc.Debit(ctx, w.ID, 1, nil, nil)
		if err == nil {
			_, err = svc.Credit(ctx, w.ID, 1, "refund")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, updated.BalanceCents, int64(0))
		}
	}
}

func TestDebitAcrossWallets_PriorityOrdering(t *testing.T) {
	_, svc, fc := newTestService(t)
	ctx := context.Background()

	second := newWallet(t, svc, 5, true)
	fc.Advance(time.Second)
	first := newWallet(t, svc, 1, true)

	_, err := svc.Credit(ctx, first.ID, 300, "seed")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, second.ID, 1000, "seed")
	require.NoError(t, err)

	consumed, err := svc.DebitAcrossWallets(ctx, snowflake.ID(1), snowflake.ID(9), "USD", 500, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 500, consumed)

	firstAfter, err := svc.Debit(ctx, first.ID, 1, nil, nil)
	assert.ErrorIs(t, err, walletdomain.ErrInsufficientBalance)
	assert.Nil(t, firstAfter)

	secondAfter, err := svc.Credit(ctx, second.ID, 0+1, "probe")
	require.NoError(t, err)
	// 1000 - 200 spillover + 1 probe credit.
	assert.EqualValues(t, 801, secondAfter.BalanceCents)
}

func TestDebitAcrossWallets_PartialConsumption(t *testing.T) {
	_, svc, _ := newTestService(t)
	ctx := context.Background()
	w := newWallet(t, svc, 0, true)

	_, err := svc.Credit(ctx, w.ID, 300, "seed")
	require.NoError(t, err)

	consumed, err := svc.DebitAcrossWallets(ctx, snowflake.ID(1), snowflake.ID(9), "USD", 1000, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 300, consumed, "remainder stays owed on the invoice")
}

func TestProcessRecurringRules_ThresholdIdempotent(t *testing.T) {
	db, svc, _ := newTestService(t)
	ctx := context.Background()
	w := newWallet(t, svc, 0, true)

	threshold := int64(500)
	rule := walletdomain.RecurringRule{
		ID:             snowflake.ID(100),
		OrgID:          snowflake.ID(1),
		WalletID:       w.ID,
		Kind:           walletdomain.RuleThreshold,
		ThresholdCents: &threshold,
		TopUpCents:     1000,
	}
	require.NoError(t, db.Create(&rule).Error)

	fired, err := svc.ProcessRecurringRules(ctx, snowflake.ID(1))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// Balance is now above threshold; a retried tick does nothing.
	fired, err = svc.ProcessRecurringRules(ctx, snowflake.ID(1))
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	var wallet walletdomain.Wallet
	require.NoError(t, db.Where("id = ?", w.ID).First(&wallet).Error)
	assert.EqualValues(t, 1000, wallet.BalanceCents)
}

func TestProcessRecurringRules_FailedCreditRetriesNextTick(t *testing.T) {
	db, svc, _ := newTestService(t)
	ctx := context.Background()
	w := newWallet(t, svc, 0, true)

	threshold := int64(500)
	rule := walletdomain.RecurringRule{
		ID:             snowflake.ID(102),
		OrgID:          snowflake.ID(1),
		WalletID:       w.ID,
		Kind:           walletdomain.RuleThreshold,
		ThresholdCents: &threshold,
		TopUpCents:     1000,
	}
	require.NoError(t, db.Create(&rule).Error)

	// Make the credit fail mid-firing: the wallet is not creditable while
	// terminated. The rollback must take the idempotency marker with it.
	require.NoError(t, db.Model(&walletdomain.Wallet{}).
		Where("id = ?", w.ID).
		Update("status", walletdomain.WalletTerminated).Error)

	fired, err := svc.ProcessRecurringRules(ctx, snowflake.ID(1))
	require.ErrorIs(t, err, walletdomain.ErrWalletTerminated)
	assert.Equal(t, 0, fired)

	var keys int64
	require.NoError(t, db.Model(&idempotencydomain.Key{}).Count(&keys).Error)
	assert.Zero(t, keys, "a failed firing must not leave a succeeded key behind")
	var wallet walletdomain.Wallet
	require.NoError(t, db.Where("id = ?", w.ID).First(&wallet).Error)
	assert.Zero(t, wallet.BalanceCents)
	require.NoError(t, db.Where("id = ?", rule.ID).First(&rule).Error)
	assert.Nil(t, rule.LastFiredAt)

	// Once the wallet is creditable again, the same window fires.
	require.NoError(t, db.Model(&walletdomain.Wallet{}).
		Where("id = ?", w.ID).
		Update("status", walletdomain.WalletActive).Error)

	fired, err = svc.ProcessRecurringRules(ctx, snowflake.ID(1))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	require.NoError(t, db.Where("id = ?", w.ID).First(&wallet).Error)
	assert.EqualValues(t, 1000, wallet.BalanceCents)
}

func TestProcessRecurringRules_IntervalWindow(t *testing.T) {
	db, svc, fc := newTestService(t)
	ctx := context.Background()
	w := newWallet(t, svc, 0, true)

	interval := 30
	rule := walletdomain.RecurringRule{
		ID:           snowflake.ID(101),
		OrgID:        snowflake.ID(1),
		WalletID:     w.ID,
		Kind:         walletdomain.RuleInterval,
		IntervalDays: &interval,
		TopUpCents:   2000,
	}
	require.NoError(t, db.Create(&rule).Error)

	fired, err := svc.ProcessRecurringRules(ctx, snowflake.ID(1))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// Same day retry: the idempotency window blocks a double credit.
	fired, err = svc.ProcessRecurringRules(ctx, snowflake.ID(1))
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	fc.Advance(31 * 24 * time.Hour)
	fired, err = svc.ProcessRecurringRules(ctx, snowflake.ID(1))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestCheckUsageThresholds_EmitsOnCrossing(t *testing.T) {
	db, svc, _ := newTestService(t)
	ctx := context.Background()
	w := newWallet(t, svc, 0, true)

	require.NoError(t, db.Create(&walletdomain.UsageThreshold{
		ID: snowflake.ID(200), OrgID: snowflake.ID(1), WalletID: w.ID, AmountCents: 1000,
	}).Error)

	require.NoError(t, svc.CheckUsageThresholds(ctx, snowflake.ID(1), w.ID, 800))
	var count int64
	require.NoError(t, db.Model(&events.OutboxEvent{}).
		Where("type = ?", events.EventWalletThresholdCrossed).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	require.NoError(t, svc.CheckUsageThresholds(ctx, snowflake.ID(1), w.ID, 1200))
	require.NoError(t, db.Model(&events.OutboxEvent{}).
		Where("type = ?", events.EventWalletThresholdCrossed).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// Already crossed: no duplicate emission.
	require.NoError(t, svc.CheckUsageThresholds(ctx, snowflake.ID(1), w.ID, 1300))
	require.NoError(t, db.Model(&events.OutboxEvent{}).
		Where("type = ?", events.EventWalletThresholdCrossed).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
