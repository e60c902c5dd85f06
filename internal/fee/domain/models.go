// Package domain contains fee models. A fee is one computed monetary line
// item; its amounts freeze permanently once the owning invoice finalizes.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// FeeType classifies the line item.
type FeeType string

const (
	FeeSubscription FeeType = "subscription"
	FeeCharge       FeeType = "charge"
	FeeOneOff       FeeType = "one_off"
	FeeTrueUp       FeeType = "true_up"
	FeeInstant      FeeType = "instant"
)

// Fee is one line item. AmountCents is the post-floor pre-tax amount;
// TaxAmountCents and TotalCents are set by the invoice builder when the
// adjustment chain runs.
type Fee struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	OrgID           snowflake.ID    `gorm:"not null;index"`
	CustomerID      snowflake.ID    `gorm:"not null;index"`
	SubscriptionID  *snowflake.ID   `gorm:"index"`
	InvoiceID       *snowflake.ID   `gorm:"index"`
	ChargeID        *snowflake.ID   `gorm:"index"`
	FilterID        *snowflake.ID   `gorm:""`
	GroupKey        string          `gorm:"type:text;not null;default:''"`
	FeeType         FeeType         `gorm:"type:text;not null"`
	Description     string          `gorm:"type:text;not null;default:''"`
	AmountCents     int64           `gorm:"not null"`
	TaxAmountCents  int64           `gorm:"not null;default:0"`
	TotalCents      int64           `gorm:"not null;default:0"`
	Units           decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	EventCount      int64           `gorm:"not null;default:0"`
	Currency        string          `gorm:"type:text;not null"`
	PeriodStart     time.Time       `gorm:"not null"`
	PeriodEnd       time.Time       `gorm:"not null"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Fee) TableName() string { return "fees" }

var (
	ErrFeeNotFound  = errors.New("fee_not_found")
	ErrFeeImmutable = errors.New("fee_immutable")
)
