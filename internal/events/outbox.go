// Package events provides the transactional outbox for domain events.
// The engine records one row per state transition; delivery and retries are
// the webhook collaborator's responsibility.
package events

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Event types emitted by the engine.
const (
	EventUsageIngested          = "event.ingested"
	EventFeeCreated             = "fee.created"
	EventInvoiceDrafted         = "invoice.drafted"
	EventInvoiceFinalized       = "invoice.finalized"
	EventInvoiceVoided          = "invoice.voided"
	EventInvoicePaymentStatus   = "invoice.payment_status_updated"
	EventWalletToppedUp         = "wallet.topped_up"
	EventWalletThresholdCrossed = "wallet.threshold_crossed"
	EventBillingPeriodClosed    = "billing_period.closed"
)

// OutboxStatus tracks dispatch progress.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusDispatched OutboxStatus = "DISPATCHED"
)

// OutboxEvent is one undelivered domain event.
type OutboxEvent struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	OrgID        snowflake.ID      `gorm:"not null;index"`
	Type         string            `gorm:"type:text;not null"`
	Payload      datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	DedupeKey    string            `gorm:"type:text;not null;uniqueIndex"`
	Status       OutboxStatus      `gorm:"type:text;not null;default:'PENDING'"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	DispatchedAt *time.Time        `gorm:""`
}

// TableName sets the database table name.
func (OutboxEvent) TableName() string { return "outbox_events" }

// Event is the publish request.
type Event struct {
	OrgID     snowflake.ID
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// Outbox appends domain events inside or alongside business transactions.
type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

func NewOutbox(p Params) *Outbox {
	return &Outbox{
		db:    p.DB,
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
	}
}

// Publish appends the event using the outbox's own connection.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	return o.publish(ctx, o.db, event)
}

// PublishTx appends the event inside the caller's transaction so the event
// commits atomically with the state transition it announces.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	if event.DedupeKey == "" {
		event.DedupeKey = o.genID.Generate().String()
	}
	record := OutboxEvent{
		ID:        o.genID.Generate(),
		OrgID:     event.OrgID,
		Type:      event.Type,
		Payload:   datatypes.JSONMap(event.Payload),
		DedupeKey: event.DedupeKey,
		Status:    OutboxStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	result := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(&record)
	if result.Error != nil {
		o.log.Warn("outbox publish failed",
			zap.String("type", event.Type),
			zap.Error(result.Error),
		)
		return result.Error
	}
	return nil
}

// ListPending returns undispatched events for the dispatcher collaborator.
func (o *Outbox) ListPending(ctx context.Context, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []OutboxEvent
	err := o.db.WithContext(ctx).
		Where("status = ?", OutboxStatusPending).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkDispatched records successful delivery.
func (o *Outbox) MarkDispatched(ctx context.Context, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return o.db.WithContext(ctx).Model(&OutboxEvent{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":        OutboxStatusDispatched,
			"dispatched_at": now,
		}).Error
}

// Module wires the outbox.
var Module = fx.Module("events.outbox",
	fx.Provide(NewOutbox),
)
