package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/meterflow/internal/clock"
	eventdomain "github.com/smallbiznis/meterflow/internal/event/domain"
	"github.com/smallbiznis/meterflow/internal/events"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*gorm.DB, *Service) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&eventdomain.Event{},
		&events.OutboxEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC))
	outbox := events.NewOutbox(events.Params{DB: db, Log: zap.NewNop(), GenID: node})
	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), GenID: node, Clock: fc, Outbox: outbox})

	sub := subscriptiondomain.Subscription{
		ID:          node.Generate(),
		OrgID:       snowflake.ID(1),
		CustomerID:  snowflake.ID(2),
		PlanID:      snowflake.ID(3),
		ExternalID:  "sub-ext-1",
		Status:      subscriptiondomain.StatusActive,
		BillingTime: subscriptiondomain.BillingTimeCalendar,
		StartedAt:   time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Create(&sub).Error)

	return db, svc
}

func ingestRequest(txID string) IngestRequest {
	return IngestRequest{
		OrgID:                  snowflake.ID(1),
		ExternalSubscriptionID: "sub-ext-1",
		Code:                   "api_calls",
		TransactionID:          txID,
		Timestamp:              time.Date(2026, time.January, 10, 9, 0, 0, 0, time.UTC),
		Properties:             map[string]any{"value": float64(3)},
	}
}

func TestIngest_AcceptsThenDeduplicates(t *testing.T) {
	db, svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, ingestRequest("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, eventdomain.OutcomeAccepted, first.Outcome)
	assert.NotZero(t, first.EventID)

	second, err := svc.Ingest(ctx, ingestRequest("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, eventdomain.OutcomeDuplicate, second.Outcome)

	var count int64
	require.NoError(t, db.Model(&eventdomain.Event{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "resending tx-1 must store exactly one event")

	var outboxCount int64
	require.NoError(t, db.Model(&events.OutboxEvent{}).Count(&outboxCount).Error)
	assert.EqualValues(t, 1, outboxCount, "duplicates do not re-emit domain events")
}

func TestIngest_RejectsWithReason(t *testing.T) {
	_, svc := newTestService(t)
	ctx := context.Background()

	noTx := ingestRequest("")
	result, err := svc.Ingest(ctx, noTx)
	require.NoError(t, err)
	assert.Equal(t, eventdomain.OutcomeRejected, result.Outcome)
	assert.Equal(t, eventdomain.ReasonMissingTransactionID, result.Reason)

	unknown := ingestRequest("tx-2")
	unknown.ExternalSubscriptionID = "no-such-sub"
	result, err = svc.Ingest(ctx, unknown)
	require.NoError(t, err)
	assert.Equal(t, eventdomain.OutcomeRejected, result.Outcome)
	assert.Equal(t, eventdomain.ReasonUnknownSubscription, result.Reason)

	early := ingestRequest("tx-3")
	early.Timestamp = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	result, err = svc.Ingest(ctx, early)
	require.NoError(t, err)
	assert.Equal(t, eventdomain.OutcomeRejected, result.Outcome)
	assert.Equal(t, eventdomain.ReasonSubscriptionNotActive, result.Reason)
}

func TestIngestBatch_MixedOutcomes(t *testing.T) {
	_, svc := newTestService(t)
	ctx := context.Background()

	bad := ingestRequest("tx-b")
	bad.Code = ""
	results, err := svc.IngestBatch(ctx, []IngestRequest{
		ingestRequest("tx-a"),
		bad,
		ingestRequest("tx-a"),
		ingestRequest("tx-c"),
	})
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, eventdomain.OutcomeAccepted, results[0].Outcome)
	assert.Equal(t, eventdomain.OutcomeRejected, results[1].Outcome)
	assert.Equal(t, eventdomain.OutcomeDuplicate, results[2].Outcome)
	assert.Equal(t, eventdomain.OutcomeAccepted, results[3].Outcome)
}

func TestListForRange_OrderedWindow(t *testing.T) {
	db, svc := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{3 * time.Hour, time.Hour, 26 * time.Hour} {
		req := ingestRequest("tx-" + string(rune('a'+i)))
		req.Timestamp = base.Add(offset)
		result, err := svc.Ingest(ctx, req)
		require.NoError(t, err)
		require.Equal(t, eventdomain.OutcomeAccepted, result.Outcome)
	}

	var sub subscriptiondomain.Subscription
	require.NoError(t, db.First(&sub).Error)

	rows, err := svc.ListForRange(ctx, nil, sub.ID, "api_calls", base, base.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Timestamp.Before(rows[1].Timestamp))
}
