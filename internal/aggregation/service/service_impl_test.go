package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	eventdomain "github.com/smallbiznis/meterflow/internal/event/domain"
	eventservice "github.com/smallbiznis/meterflow/internal/event/service"
	"github.com/smallbiznis/meterflow/internal/events"
	organizationdomain "github.com/smallbiznis/meterflow/internal/organization/domain"
	plandomain "github.com/smallbiznis/meterflow/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	node   *snowflake.Node
	events *eventservice.Service
	agg    *Service
	org    organizationdomain.Organization
	plan   plandomain.Plan
	metric plandomain.BillableMetric
	charge plandomain.Charge
	sub    subscriptiondomain.Subscription
}

func newFixture(t *testing.T, aggregation plandomain.AggregationKind) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&organizationdomain.Organization{},
		&plandomain.Plan{},
		&plandomain.BillableMetric{},
		&plandomain.Charge{},
		&plandomain.ChargeFilter{},
		&subscriptiondomain.Subscription{},
		&eventdomain.Event{},
		&events.OutboxEvent{},
		&aggregationdomain.CachedAggregation{},
		&aggregationdomain.UniqueEntry{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, time.January, 20, 12, 0, 0, 0, time.UTC))
	outbox := events.NewOutbox(events.Params{DB: db, Log: zap.NewNop(), GenID: node})
	eventSvc := eventservice.NewService(eventservice.ServiceParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: fc, Outbox: outbox,
	})
	aggSvc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), GenID: node, Events: eventSvc})
	eventSvc.SetApplier(aggSvc)

	f := &fixture{db: db, node: node, events: eventSvc, agg: aggSvc}

	f.org = organizationdomain.Organization{
		ID: node.Generate(), Name: "acme", DefaultCurrency: "USD", Timezone: "UTC",
	}
	require.NoError(t, db.Create(&f.org).Error)

	f.plan = plandomain.Plan{
		ID: node.Generate(), OrgID: f.org.ID, Code: "pro", Name: "Pro",
		Interval: plandomain.PlanIntervalMonthly, AmountCents: 3000, Currency: "USD",
	}
	require.NoError(t, db.Create(&f.plan).Error)

	field := "value"
	f.metric = plandomain.BillableMetric{
		ID: node.Generate(), OrgID: f.org.ID, Code: "api_calls", Name: "API calls",
		Aggregation: aggregation, FieldName: &field,
	}
	require.NoError(t, db.Create(&f.metric).Error)

	f.charge = plandomain.Charge{
		ID: node.Generate(), OrgID: f.org.ID, PlanID: f.plan.ID,
		BillableMetricID: f.metric.ID, ChargeModel: "standard",
		Properties: datatypes.JSON(`{"amount_cents":"100"}`), Invoiceable: true,
	}
	require.NoError(t, db.Create(&f.charge).Error)

	f.sub = subscriptiondomain.Subscription{
		ID: node.Generate(), OrgID: f.org.ID, CustomerID: node.Generate(),
		PlanID: f.plan.ID, ExternalID: "sub-1",
		Status:      subscriptiondomain.StatusActive,
		BillingTime: subscriptiondomain.BillingTimeCalendar,
		StartedAt:   time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Create(&f.sub).Error)

	return f
}

func (f *fixture) ingest(t *testing.T, txID string, ts time.Time, props map[string]any) {
	t.Helper()
	result, err := f.events.Ingest(context.Background(), eventservice.IngestRequest{
		OrgID:                  f.org.ID,
		ExternalSubscriptionID: f.sub.ExternalID,
		Code:                   "api_calls",
		TransactionID:          txID,
		Timestamp:              ts,
		Properties:             props,
	})
	require.NoError(t, err)
	require.Equal(t, eventdomain.OutcomeAccepted, result.Outcome)
}

func (f *fixture) januaryPeriod() subscriptiondomain.Period {
	return subscriptiondomain.Period{
		Start: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) entry(t *testing.T) *aggregationdomain.CachedAggregation {
	t.Helper()
	entry, err := f.agg.AggregateFor(context.Background(), nil, Key{
		SubscriptionID: f.sub.ID,
		ChargeID:       f.charge.ID,
		Period:         f.januaryPeriod(),
	}, f.januaryPeriod().End)
	require.NoError(t, err)
	return entry
}

func TestApplyEvent_SumFoldsInOrder(t *testing.T) {
	f := newFixture(t, plandomain.AggregationSum)
	base := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)

	f.ingest(t, "tx-1", base, map[string]any{"value": float64(3)})
	f.ingest(t, "tx-2", base.Add(time.Hour), map[string]any{"value": float64(4.5)})

	entry := f.entry(t)
	assert.Equal(t, "7.5", entry.Units.String())
	assert.EqualValues(t, 2, entry.EventCount)
	assert.Equal(t, base.Add(time.Hour), entry.Watermark.UTC())
	assert.EqualValues(t, 1, entry.Version)
}

func TestApplyEvent_DuplicateTransactionCountedOnce(t *testing.T) {
	f := newFixture(t, plandomain.AggregationCount)
	ts := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)

	f.ingest(t, "tx-1", ts, nil)
	result, err := f.events.Ingest(context.Background(), eventservice.IngestRequest{
		OrgID:                  f.org.ID,
		ExternalSubscriptionID: f.sub.ExternalID,
		Code:                   "api_calls",
		TransactionID:          "tx-1",
		Timestamp:              ts,
	})
	require.NoError(t, err)
	assert.Equal(t, eventdomain.OutcomeDuplicate, result.Outcome)

	entry := f.entry(t)
	assert.Equal(t, "1", entry.Units.String())
}

func TestApplyEvent_LateEventRecomputes(t *testing.T) {
	f := newFixture(t, plandomain.AggregationSum)
	base := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)

	f.ingest(t, "tx-1", base, map[string]any{"value": float64(5)})
	f.ingest(t, "tx-2", base.Add(48*time.Hour), map[string]any{"value": float64(7)})

	// Arrives with a timestamp behind the watermark: the entry must be
	// rebuilt from the event store, not silently folded.
	f.ingest(t, "tx-late", base.Add(time.Hour), map[string]any{"value": float64(2)})

	entry := f.entry(t)
	assert.Equal(t, "14", entry.Units.String())
	assert.EqualValues(t, 3, entry.EventCount)
	assert.EqualValues(t, 2, entry.Version, "late event bumps the recompute fence")
}

func TestApplyEvent_UniqueCountDeduplicatesMembers(t *testing.T) {
	f := newFixture(t, plandomain.AggregationUniqueCount)
	base := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)

	f.ingest(t, "tx-1", base, map[string]any{"value": "user-a"})
	f.ingest(t, "tx-2", base.Add(time.Hour), map[string]any{"value": "user-b"})
	f.ingest(t, "tx-3", base.Add(2*time.Hour), map[string]any{"value": "user-a"})

	entry := f.entry(t)
	assert.Equal(t, "2", entry.Units.String())
}

func TestApplyEvent_MaxAndLatest(t *testing.T) {
	f := newFixture(t, plandomain.AggregationMax)
	base := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)

	f.ingest(t, "tx-1", base, map[string]any{"value": float64(9)})
	f.ingest(t, "tx-2", base.Add(time.Hour), map[string]any{"value": float64(4)})
	assert.Equal(t, "9", f.entry(t).Units.String())

	g := newFixture(t, plandomain.AggregationLatest)
	g.ingest(t, "tx-1", base, map[string]any{"value": float64(9)})
	g.ingest(t, "tx-2", base.Add(time.Hour), map[string]any{"value": float64(4)})
	assert.Equal(t, "4", g.entry(t).Units.String())
}

func TestApplyEvent_WeightedSumAveragesOverTime(t *testing.T) {
	f := newFixture(t, plandomain.AggregationWeightedSum)
	period := f.januaryPeriod()

	// 10 units for the first half of January, 20 for the second.
	f.ingest(t, "tx-1", period.Start, map[string]any{"value": float64(10)})
	mid := period.Start.Add(period.End.Sub(period.Start) / 2)
	f.ingest(t, "tx-2", mid, map[string]any{"value": float64(10)})

	entry := f.entry(t)
	assert.Equal(t, "15", entry.Units.Round(6).String())
}

func TestApplyEvent_GroupedByPartitions(t *testing.T) {
	f := newFixture(t, plandomain.AggregationSum)
	require.NoError(t, f.db.Model(&plandomain.Charge{}).
		Where("id = ?", f.charge.ID).
		Update("grouped_by", datatypes.JSON(`["region"]`)).Error)

	base := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)
	f.ingest(t, "tx-1", base, map[string]any{"value": float64(3), "region": "eu"})
	f.ingest(t, "tx-2", base.Add(time.Hour), map[string]any{"value": float64(4), "region": "us"})
	f.ingest(t, "tx-3", base.Add(2*time.Hour), map[string]any{"value": float64(1), "region": "eu"})

	entries, err := f.agg.EntriesForPeriod(context.Background(), nil, f.sub.ID, f.januaryPeriod())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byGroup := map[string]string{}
	for _, entry := range entries {
		byGroup[entry.GroupKey] = entry.Units.String()
	}
	assert.Equal(t, "4", byGroup["region=eu"])
	assert.Equal(t, "4", byGroup["region=us"])
}

func TestApplyEvent_FilterScopesCharge(t *testing.T) {
	f := newFixture(t, plandomain.AggregationSum)
	filter := plandomain.ChargeFilter{
		ID: f.node.Generate(), OrgID: f.org.ID, ChargeID: f.charge.ID,
		Values: datatypes.JSON(`{"region":["eu"]}`),
	}
	require.NoError(t, f.db.Create(&filter).Error)

	base := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)
	f.ingest(t, "tx-1", base, map[string]any{"value": float64(3), "region": "eu"})
	f.ingest(t, "tx-2", base.Add(time.Hour), map[string]any{"value": float64(8), "region": "us"})

	entries, err := f.agg.EntriesForPeriod(context.Background(), nil, f.sub.ID, f.januaryPeriod())
	require.NoError(t, err)
	require.Len(t, entries, 1, "non-matching events never reach a filtered charge")
	assert.Equal(t, filter.ID, entries[0].FilterID)
	assert.Equal(t, "3", entries[0].Units.String())
}
