// Package domain contains persistence models for subscriptions and their
// billing periods.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusActive     Status = "ACTIVE"
	StatusCanceled   Status = "CANCELED"
	StatusTerminated Status = "TERMINATED"
)

// BillingTime anchors period boundaries either to the calendar or to the
// subscription start date.
type BillingTime string

const (
	BillingTimeCalendar    BillingTime = "calendar"
	BillingTimeAnniversary BillingTime = "anniversary"
)

// Subscription links a customer to a plan. ExternalID is the caller-supplied
// subscription identifier events are keyed on.
type Subscription struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	OrgID        snowflake.ID      `gorm:"not null;index:ux_subscriptions_org_external,unique,priority:1"`
	CustomerID   snowflake.ID      `gorm:"not null;index"`
	PlanID       snowflake.ID      `gorm:"not null;index"`
	ExternalID   string            `gorm:"type:text;not null;index:ux_subscriptions_org_external,priority:2"`
	Status       Status            `gorm:"type:text;not null;default:'PENDING'"`
	BillingTime  BillingTime       `gorm:"type:text;not null;default:'calendar'"`
	StartedAt    time.Time         `gorm:"not null"`
	CanceledAt   *time.Time        `gorm:""`
	TerminatedAt *time.Time        `gorm:""`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// ActiveAt reports whether the subscription covers t.
func (s Subscription) ActiveAt(t time.Time) bool {
	if s.Status != StatusActive && s.Status != StatusTerminated && s.Status != StatusCanceled {
		return false
	}
	if t.Before(s.StartedAt) {
		return false
	}
	if s.TerminatedAt != nil && !t.Before(*s.TerminatedAt) {
		return false
	}
	return true
}

// BillingError records a failed billing computation for one subscription so
// period failures stay queryable instead of being dropped (a partial invoice
// is never finalized over one).
type BillingError struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrgID          snowflake.ID `gorm:"not null;index"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	InvoiceID      *snowflake.ID `gorm:"index"`
	PeriodStart    time.Time    `gorm:"not null"`
	PeriodEnd      time.Time    `gorm:"not null"`
	Code           string       `gorm:"type:text;not null"`
	Detail         string       `gorm:"type:text"`
	ResolvedAt     *time.Time   `gorm:""`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingError) TableName() string { return "billing_errors" }

var (
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTransition    = errors.New("invalid_subscription_transition")
)
