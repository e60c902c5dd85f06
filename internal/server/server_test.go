package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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
	subscriptionservice "github.com/smallbiznis/meterflow/internal/subscription/service"
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
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
	server *Server

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

	node, err := snowflake.NewNode(3)
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
	subSvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: fc,
	})

	engine := NewEngine(EngineParams{Log: log})
	srv := NewServer(ServerParams{
		Gin: engine, Cfg: config.Config{HTTPAddr: ":0"}, Log: log, GenID: node,
		Events: eventSvc, Invoices: invoiceSvc, Wallets: walletSvc,
		Coupons: couponSvc, Subscriptions: subSvc,
	})
	registerRoutes(srv)

	f := &fixture{db: db, node: node, clock: fc, server: srv}

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

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Org-ID", f.org.ID.String())
	rec := httptest.NewRecorder()
	f.server.engine.ServeHTTP(rec, req)
	return rec
}

func TestOrgContext_MissingHeader(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/invoices", nil)
	rec := httptest.NewRecorder()
	f.server.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_org_id")
}

func TestIngestEvent_OutcomeStatusCodes(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{
		"external_subscription_id": "sub-1",
		"code":                     "api_calls",
		"transaction_id":           "tx-1",
		"timestamp":                "2026-04-10T00:00:00Z",
		"properties":               map[string]any{"value": 5},
	}

	rec := f.do(t, http.MethodPost, "/v1/events", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "ACCEPTED")

	rec = f.do(t, http.MethodPost, "/v1/events", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "DUPLICATE")

	body["external_subscription_id"] = "sub-unknown"
	body["transaction_id"] = "tx-2"
	rec = f.do(t, http.MethodPost, "/v1/events", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown_subscription")
}

func TestIngestEventBatch_PerEventOutcomes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/events/batch", map[string]any{
		"events": []map[string]any{
			{
				"external_subscription_id": "sub-1",
				"code":                     "api_calls",
				"transaction_id":           "batch-1",
				"timestamp":                "2026-04-10T00:00:00Z",
			},
			{
				"external_subscription_id": "sub-1",
				"code":                     "api_calls",
				"transaction_id":           "batch-1",
				"timestamp":                "2026-04-10T00:00:00Z",
			},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []ingestEventResponse `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "ACCEPTED", resp.Results[0].Outcome)
	assert.Equal(t, "DUPLICATE", resp.Results[1].Outcome)
}

func TestInvoiceLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	// Draft the March period directly, then drive the rest over the API.
	period := subscriptiondomain.Period{
		Start: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
	}
	invoice, err := f.server.invoices.CloseBillingPeriod(context.Background(), f.sub.ID, period)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/invoices?status=DRAFT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), invoice.ID.String())

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/invoices/%s/finalize", invoice.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var finalized invoicedomain.Invoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &finalized))
	assert.Equal(t, invoicedomain.StatusFinalized, finalized.Status)
	require.NotNil(t, finalized.Number)
	assert.Equal(t, "ACME-202604-001", *finalized.Number)

	rec = f.do(t, http.MethodPut, fmt.Sprintf("/v1/invoices/%s/payment_status", invoice.ID),
		map[string]any{"payment_status": "SUCCEEDED"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/v1/invoices/%s/fees", invoice.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fees")
}

func TestGetInvoice_NotFoundMapsTo404(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/invoices/"+f.node.Generate().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestVoidDraft_MapsToConflict(t *testing.T) {
	f := newFixture(t)

	period := subscriptiondomain.Period{
		Start: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
	}
	invoice, err := f.server.invoices.CloseBillingPeriod(context.Background(), f.sub.ID, period)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/v1/invoices/%s/void", invoice.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWalletCreateAndTopUp(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/wallets", map[string]any{
		"customer_id": f.customer.ID.String(),
		"name":        "prepaid",
		"currency":    "USD",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var wallet walletdomain.Wallet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallet))

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/wallets/%s/top_up", wallet.ID),
		map[string]any{"amount_cents": 1500})
	require.Equal(t, http.StatusOK, rec.Code)

	var topped walletdomain.Wallet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &topped))
	assert.EqualValues(t, 1500, topped.BalanceCents)

	// Zero top-up is malformed input.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/wallets/%s/top_up", wallet.ID),
		map[string]any{"amount_cents": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionTransitionsOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{
		"customer_id": f.customer.ID.String(),
		"plan_id":     f.plan.ID.String(),
		"external_id": "sub-2",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var sub subscriptiondomain.Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/subscriptions/%s/cancel", sub.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Cancel is not re-entrant.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/subscriptions/%s/cancel", sub.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListBillingErrors(t *testing.T) {
	f := newFixture(t)

	record := subscriptiondomain.BillingError{
		ID: f.node.Generate(), OrgID: f.org.ID, SubscriptionID: f.sub.ID,
		PeriodStart: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC),
		Code:        "charge_model_invalid",
		CreatedAt:   f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&record).Error)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/v1/subscriptions/%s/billing_errors", f.sub.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "charge_model_invalid")
}
