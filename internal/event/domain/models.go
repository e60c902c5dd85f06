// Package domain contains the usage event store models. Events are
// append-only facts; nothing in the engine mutates them after ingestion.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Event is one immutable usage fact. TransactionID is the caller's
// idempotency key, unique per (org, external subscription).
type Event struct {
	ID                     snowflake.ID      `gorm:"primaryKey"`
	OrgID                  snowflake.ID      `gorm:"not null;index:ux_events_org_sub_tx,unique,priority:1"`
	ExternalSubscriptionID string            `gorm:"type:text;not null;index:ux_events_org_sub_tx,priority:2"`
	SubscriptionID         snowflake.ID      `gorm:"not null;index:ix_events_sub_code_ts,priority:1"`
	Code                   string            `gorm:"type:text;not null;index:ix_events_sub_code_ts,priority:2"`
	TransactionID          string            `gorm:"type:text;not null;index:ux_events_org_sub_tx,priority:3"`
	Timestamp              time.Time         `gorm:"not null;index:ix_events_sub_code_ts,priority:3"`
	Properties             datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	IngestedAt             time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "events" }

// IngestOutcome is the ingestion API contract: Accepted, Duplicate, or
// Rejected with a reason.
type IngestOutcome string

const (
	OutcomeAccepted  IngestOutcome = "ACCEPTED"
	OutcomeDuplicate IngestOutcome = "DUPLICATE"
	OutcomeRejected  IngestOutcome = "REJECTED"
)

// IngestResult reports per-event ingestion status.
type IngestResult struct {
	Outcome       IngestOutcome
	TransactionID string
	EventID       snowflake.ID
	Reason        string
}

// Rejection reasons returned to the caller.
const (
	ReasonMissingTransactionID  = "missing_transaction_id"
	ReasonMissingCode           = "missing_code"
	ReasonMissingSubscription   = "missing_external_subscription_id"
	ReasonMissingTimestamp      = "missing_timestamp"
	ReasonUnknownSubscription   = "unknown_subscription"
	ReasonSubscriptionNotActive = "subscription_not_active"
)

var (
	ErrInvalidEvent = errors.New("invalid_event")
)
