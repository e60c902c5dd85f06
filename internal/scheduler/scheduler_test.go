package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	aggregationservice "github.com/smallbiznis/meterflow/internal/aggregation/service"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	coupondomain "github.com/smallbiznis/meterflow/internal/coupon/domain"
	couponservice "github.com/smallbiznis/meterflow/internal/coupon/service"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	eventdomain "github.com/smallbiznis/meterflow/internal/event/domain"
	eventservice "github.com/smallbiznis/meterflow/internal/event/service"
	"github.com/smallbiznis/meterflow/internal/events"
	feedomain "github.com/smallbiznis/meterflow/internal/fee/domain"
	feeservice "github.com/smallbiznis/meterflow/internal/fee/service"
	idempotencydomain "github.com/smallbiznis/meterflow/internal/idempotency/domain"
	idempotencyservice "github.com/smallbiznis/meterflow/internal/idempotency/service"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/meterflow/internal/invoice/service"
	organizationdomain "github.com/smallbiznis/meterflow/internal/organization/domain"
	plandomain "github.com/smallbiznis/meterflow/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/meterflow/internal/tax/domain"
	taxservice "github.com/smallbiznis/meterflow/internal/tax/service"
	walletdomain "github.com/smallbiznis/meterflow/internal/wallet/domain"
	walletservice "github.com/smallbiznis/meterflow/internal/wallet/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	scheduler *Scheduler
	wallets   *walletservice.Service
	outbox    *events.Outbox

	org      organizationdomain.Organization
	customer customerdomain.Customer
	plan     plandomain.Plan
	sub      subscriptiondomain.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&organizationdomain.Organization{},
		&customerdomain.Customer{},
		&plandomain.Plan{},
		&plandomain.BillableMetric{},
		&plandomain.Charge{},
		&plandomain.ChargeFilter{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.BillingError{},
		&eventdomain.Event{},
		&events.OutboxEvent{},
		&aggregationdomain.CachedAggregation{},
		&aggregationdomain.UniqueEntry{},
		&feedomain.Fee{},
		&taxdomain.TaxRate{},
		&taxdomain.AppliedTax{},
		&coupondomain.Coupon{},
		&coupondomain.AppliedCoupon{},
		&coupondomain.Credit{},
		&walletdomain.Wallet{},
		&walletdomain.WalletTransaction{},
		&walletdomain.RecurringRule{},
		&walletdomain.UsageThreshold{},
		&idempotencydomain.Key{},
		&invoicedomain.Invoice{},
		&invoicedomain.CreditNote{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, time.April, 20, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	outbox := events.NewOutbox(events.Params{DB: db, Log: log, GenID: node})
	eventSvc := eventservice.NewService(eventservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc, Outbox: outbox,
	})
	aggSvc := aggregationservice.NewService(aggregationservice.ServiceParam{
		DB: db, Log: log, GenID: node, Events: eventSvc,
	})
	assembler := feeservice.NewAssembler(feeservice.AssemblerParam{
		DB: db, Log: log, GenID: node, Clock: fc,
		Aggregation: aggSvc, Events: eventSvc, Outbox: outbox,
	})
	eventSvc.SetApplier(assembler)

	guard := idempotencyservice.NewService(idempotencyservice.ServiceParam{DB: db, Log: log, GenID: node})
	walletSvc := walletservice.NewService(walletservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc, Outbox: outbox, Idempotency: guard,
	})
	couponSvc := couponservice.NewService(couponservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc,
	})
	taxResolver := taxservice.NewResolver(taxservice.ResolverParam{
		DB: db, Log: log, Config: config.Config{TaxProviderTimeout: 1000},
	})
	invoiceSvc := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc,
		Assembler: assembler, Coupons: couponSvc, Taxes: taxResolver,
		Wallets: walletSvc, Outbox: outbox,
	})

	sched, err := New(Params{
		DB: db, Log: log, GenID: node, Clock: fc,
		Invoices: invoiceSvc, Wallets: walletSvc, Outbox: outbox, Idempotency: guard,
		Config: Config{FinalizeInvoices: true, FinalizeGrace: time.Hour},
	})
	require.NoError(t, err)

	f := &fixture{
		db: db, node: node, clock: fc,
		scheduler: sched, wallets: walletSvc, outbox: outbox,
	}

	f.org = organizationdomain.Organization{
		ID: node.Generate(), Name: "acme", DefaultCurrency: "USD", Timezone: "UTC",
		DocumentNumberPrefix: "ACME", NetPaymentTermDays: 30,
	}
	require.NoError(t, db.Create(&f.org).Error)

	f.customer = customerdomain.Customer{
		ID: node.Generate(), OrgID: f.org.ID, ExternalID: "cust-1", Name: "Customer One",
	}
	require.NoError(t, db.Create(&f.customer).Error)

	f.plan = plandomain.Plan{
		ID: node.Generate(), OrgID: f.org.ID, Code: "pro", Name: "Pro",
		Interval: plandomain.PlanIntervalMonthly, AmountCents: 3000, Currency: "USD",
	}
	require.NoError(t, db.Create(&f.plan).Error)

	f.sub = subscriptiondomain.Subscription{
		ID: node.Generate(), OrgID: f.org.ID, CustomerID: f.customer.ID,
		PlanID: f.plan.ID, ExternalID: "sub-1",
		Status:      subscriptiondomain.StatusActive,
		BillingTime: subscriptiondomain.BillingTimeCalendar,
		StartedAt:   time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Create(&f.sub).Error)

	return f
}

func TestClosePeriodsJob_DraftsCompletedPeriod(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.scheduler.ClosePeriodsJob(context.Background()))

	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.
		Where("subscription_id = ? AND invoice_type = ?", f.sub.ID, invoicedomain.TypeSubscription).
		First(&invoice).Error)
	assert.Equal(t, invoicedomain.StatusDraft, invoice.Status)
	// Mid-April run closes March.
	assert.Equal(t, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC), invoice.PeriodStart.UTC())
	assert.EqualValues(t, 3000, invoice.FeesAmountCents)

	// A second run refreshes, never duplicates.
	require.NoError(t, f.scheduler.ClosePeriodsJob(context.Background()))
	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).
		Where("subscription_id = ?", f.sub.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestClosePeriodsJob_SkipsFreshSubscription(t *testing.T) {
	f := newFixture(t)
	// Started inside the current period, nothing has completed yet.
	f.sub.StartedAt = time.Date(2026, time.April, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.Save(&f.sub).Error)

	require.NoError(t, f.scheduler.ClosePeriodsJob(context.Background()))

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestFinalizeInvoicesJob_PromotesDueDrafts(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.scheduler.ClosePeriodsJob(context.Background()))
	require.NoError(t, f.scheduler.FinalizeInvoicesJob(context.Background()))

	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.Where("subscription_id = ?", f.sub.ID).First(&invoice).Error)
	assert.Equal(t, invoicedomain.StatusFinalized, invoice.Status)
	require.NotNil(t, invoice.Number)
}

func TestFinalizeInvoicesJob_LeavesBlockedDrafts(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.scheduler.ClosePeriodsJob(context.Background()))
	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.Where("subscription_id = ?", f.sub.ID).First(&invoice).Error)

	blocker := subscriptiondomain.BillingError{
		ID: f.node.Generate(), OrgID: f.org.ID, SubscriptionID: f.sub.ID,
		InvoiceID:   &invoice.ID,
		PeriodStart: invoice.PeriodStart, PeriodEnd: invoice.PeriodEnd,
		Code: "charge_model_invalid", CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&blocker).Error)

	require.NoError(t, f.scheduler.FinalizeInvoicesJob(context.Background()))

	require.NoError(t, f.db.Where("id = ?", invoice.ID).First(&invoice).Error)
	assert.Equal(t, invoicedomain.StatusDraft, invoice.Status)
}

func TestWalletRulesJob_FiresDueTopUps(t *testing.T) {
	f := newFixture(t)

	wallet, err := f.wallets.Create(context.Background(), walletservice.CreateWalletRequest{
		OrgID: f.org.ID, CustomerID: f.customer.ID, Name: "prepaid", Currency: "USD",
	})
	require.NoError(t, err)

	threshold := int64(500)
	rule := walletdomain.RecurringRule{
		ID: f.node.Generate(), OrgID: f.org.ID, WalletID: wallet.ID,
		Kind: walletdomain.RuleThreshold, ThresholdCents: &threshold, TopUpCents: 1000,
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&rule).Error)

	require.NoError(t, f.scheduler.WalletRulesJob(context.Background()))
	// The same balance state fires only once.
	require.NoError(t, f.scheduler.WalletRulesJob(context.Background()))

	var topped walletdomain.Wallet
	require.NoError(t, f.db.Where("id = ?", wallet.ID).First(&topped).Error)
	assert.EqualValues(t, 1000, topped.BalanceCents)
}

func TestProgressiveInvoicesJob_DraftsFromThresholdEvent(t *testing.T) {
	f := newFixture(t)

	wallet, err := f.wallets.Create(context.Background(), walletservice.CreateWalletRequest{
		OrgID: f.org.ID, CustomerID: f.customer.ID, Name: "prepaid", Currency: "USD",
	})
	require.NoError(t, err)

	require.NoError(t, f.outbox.Publish(context.Background(), events.Event{
		OrgID: f.org.ID,
		Type:  events.EventWalletThresholdCrossed,
		Payload: map[string]any{
			"wallet_id":       wallet.ID.String(),
			"threshold_cents": int64(500),
		},
		DedupeKey: "wallet.threshold_crossed:test:500",
	}))

	require.NoError(t, f.scheduler.ProgressiveInvoicesJob(context.Background()))

	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.
		Where("subscription_id = ? AND invoice_type = ?", f.sub.ID, invoicedomain.TypeProgressive).
		First(&invoice).Error)
	assert.Equal(t, invoicedomain.StatusDraft, invoice.Status)
	// Covers the current period.
	assert.Equal(t, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), invoice.PeriodStart.UTC())
}

func TestOutboxDispatchJob_DrainsPending(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.outbox.Publish(context.Background(), events.Event{
			OrgID:   f.org.ID,
			Type:    events.EventFeeCreated,
			Payload: map[string]any{"n": i},
		}))
	}

	require.NoError(t, f.scheduler.OutboxDispatchJob(context.Background()))

	pending, err := f.outbox.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecoverySweepJob_ReclaimsStaleClaims(t *testing.T) {
	f := newFixture(t)

	stale := idempotencydomain.Key{
		ID: f.node.Generate(), OrgID: f.org.ID,
		KeyHash: "stale-hash", ResourceType: "wallet_topup",
		Status:    idempotencydomain.KeyStatusInFlight,
		CreatedAt: f.clock.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, f.db.Create(&stale).Error)

	require.NoError(t, f.scheduler.RecoverySweepJob(context.Background()))

	var count int64
	require.NoError(t, f.db.Model(&idempotencydomain.Key{}).
		Where("key_hash = ?", "stale-hash").Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestRunOnce_EnabledJobsFilter(t *testing.T) {
	f := newFixture(t)
	f.scheduler.cfg.EnabledJobs = []string{"outbox_dispatch"}

	require.NoError(t, f.scheduler.RunOnce(context.Background()))

	// close_periods was filtered out, so no invoice appeared.
	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}
