package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	eventdomain "github.com/smallbiznis/meterflow/internal/event/domain"
	"github.com/smallbiznis/meterflow/internal/events"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Applier folds a freshly persisted event into downstream state inside the
// ingestion transaction. The aggregation cache registers itself here so
// pay-in-advance charges are rated synchronously with ingestion.
type Applier interface {
	ApplyEvent(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, event *eventdomain.Event) error
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Outbox  *events.Outbox
	Applier Applier `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	outbox  *events.Outbox
	applier Applier
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("event.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		outbox:  p.Outbox,
		applier: p.Applier,
	}
}

// SetApplier wires the downstream fold after construction, breaking the
// provider cycle between ingestion and aggregation.
func (s *Service) SetApplier(a Applier) { s.applier = a }

type IngestRequest struct {
	OrgID                  snowflake.ID
	ExternalSubscriptionID string
	Code                   string
	TransactionID          string
	Timestamp              time.Time
	Properties             map[string]any
}

// Ingest validates and appends one usage event. The unique constraint on
// (org, external_subscription_id, transaction_id) is the dedup arbiter, so
// concurrent resends of the same transaction cannot both land.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (eventdomain.IngestResult, error) {
	if reason := validate(req); reason != "" {
		return eventdomain.IngestResult{
			Outcome:       eventdomain.OutcomeRejected,
			TransactionID: req.TransactionID,
			Reason:        reason,
		}, nil
	}

	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND external_id = ?", req.OrgID, req.ExternalSubscriptionID).
		First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return eventdomain.IngestResult{
				Outcome:       eventdomain.OutcomeRejected,
				TransactionID: req.TransactionID,
				Reason:        eventdomain.ReasonUnknownSubscription,
			}, nil
		}
		return eventdomain.IngestResult{}, err
	}
	if !sub.ActiveAt(req.Timestamp) {
		return eventdomain.IngestResult{
			Outcome:       eventdomain.OutcomeRejected,
			TransactionID: req.TransactionID,
			Reason:        eventdomain.ReasonSubscriptionNotActive,
		}, nil
	}

	record := eventdomain.Event{
		ID:                     s.genID.Generate(),
		OrgID:                  req.OrgID,
		ExternalSubscriptionID: req.ExternalSubscriptionID,
		SubscriptionID:         sub.ID,
		Code:                   req.Code,
		TransactionID:          req.TransactionID,
		Timestamp:              req.Timestamp.UTC(),
		Properties:             req.Properties,
		IngestedAt:             s.clock.Now().UTC(),
	}

	var out eventdomain.IngestResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "org_id"},
				{Name: "external_subscription_id"},
				{Name: "transaction_id"},
			},
			DoNothing: true,
		}).Create(&record)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			out = eventdomain.IngestResult{
				Outcome:       eventdomain.OutcomeDuplicate,
				TransactionID: req.TransactionID,
			}
			return nil
		}

		if s.applier != nil {
			if err := s.applier.ApplyEvent(ctx, tx, &sub, &record); err != nil {
				return err
			}
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID: req.OrgID,
			Type:  events.EventUsageIngested,
			Payload: map[string]any{
				"event_id":                 record.ID.String(),
				"external_subscription_id": record.ExternalSubscriptionID,
				"code":                     record.Code,
				"transaction_id":           record.TransactionID,
			},
			DedupeKey: "event.ingested:" + record.ID.String(),
		}); err != nil {
			return err
		}

		out = eventdomain.IngestResult{
			Outcome:       eventdomain.OutcomeAccepted,
			TransactionID: req.TransactionID,
			EventID:       record.ID,
		}
		return nil
	})
	if err != nil {
		return eventdomain.IngestResult{}, err
	}
	return out, nil
}

// IngestBatch processes events independently; one rejection or duplicate
// never blocks its neighbors.
func (s *Service) IngestBatch(ctx context.Context, reqs []IngestRequest) ([]eventdomain.IngestResult, error) {
	results := make([]eventdomain.IngestResult, 0, len(reqs))
	for _, req := range reqs {
		result, err := s.Ingest(ctx, req)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// ListForRange returns the stored events for one subscription/metric over
// [from, to), ordered by timestamp. The aggregation cache uses this for its
// late-event recompute path.
func (s *Service) ListForRange(
	ctx context.Context,
	tx *gorm.DB,
	subscriptionID snowflake.ID,
	code string,
	from, to time.Time,
) ([]eventdomain.Event, error) {
	if tx == nil {
		tx = s.db
	}
	var rows []eventdomain.Event
	err := tx.WithContext(ctx).
		Where("subscription_id = ? AND code = ? AND timestamp >= ? AND timestamp < ?",
			subscriptionID, code, from, to).
		Order("timestamp, id").
		Find(&rows).Error
	return rows, err
}

func validate(req IngestRequest) string {
	switch {
	case strings.TrimSpace(req.TransactionID) == "":
		return eventdomain.ReasonMissingTransactionID
	case strings.TrimSpace(req.Code) == "":
		return eventdomain.ReasonMissingCode
	case strings.TrimSpace(req.ExternalSubscriptionID) == "":
		return eventdomain.ReasonMissingSubscription
	case req.Timestamp.IsZero():
		return eventdomain.ReasonMissingTimestamp
	}
	return ""
}
