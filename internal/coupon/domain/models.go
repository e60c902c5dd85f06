// Package domain contains coupon, applied-coupon and credit models.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// CouponType selects the reduction shape.
type CouponType string

const (
	CouponFixedAmount CouponType = "fixed_amount"
	CouponPercentage  CouponType = "percentage"
)

// AppliedCouponStatus tracks consumption.
type AppliedCouponStatus string

const (
	AppliedCouponActive     AppliedCouponStatus = "ACTIVE"
	AppliedCouponTerminated AppliedCouponStatus = "TERMINATED"
)

// Coupon is the catalog definition.
type Coupon struct {
	ID             snowflake.ID     `gorm:"primaryKey"`
	OrgID          snowflake.ID     `gorm:"not null;index:ux_coupons_org_code,unique,priority:1"`
	Code           string           `gorm:"type:text;not null;index:ux_coupons_org_code,priority:2"`
	Name           string           `gorm:"type:text;not null"`
	CouponType     CouponType       `gorm:"type:text;not null"`
	AmountCents    *int64           `gorm:""`
	PercentageRate *decimal.Decimal `gorm:"type:numeric"`
	Reusable       bool             `gorm:"not null;default:true"`
	ExpirationAt   *time.Time       `gorm:""`
	DeletedAt      *time.Time       `gorm:"index"`
	CreatedAt      time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Coupon) TableName() string { return "coupons" }

// AppliedCoupon freezes a coupon's terms onto one customer at application
// time; later catalog edits never change an already applied coupon.
type AppliedCoupon struct {
	ID             snowflake.ID        `gorm:"primaryKey"`
	OrgID          snowflake.ID        `gorm:"not null;index"`
	CouponID       snowflake.ID        `gorm:"not null;index"`
	CustomerID     snowflake.ID        `gorm:"not null;index"`
	CouponType     CouponType          `gorm:"type:text;not null"`
	AmountCents    *int64              `gorm:""`
	PercentageRate *decimal.Decimal    `gorm:"type:numeric"`
	Status         AppliedCouponStatus `gorm:"type:text;not null;default:'ACTIVE'"`
	TerminatedAt   *time.Time          `gorm:""`
	CreatedAt      time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AppliedCoupon) TableName() string { return "applied_coupons" }

// Credit is one terminal consumption of an applied coupon (or credit note)
// against an invoice.
type Credit struct {
	ID              snowflake.ID  `gorm:"primaryKey"`
	OrgID           snowflake.ID  `gorm:"not null;index"`
	InvoiceID       snowflake.ID  `gorm:"not null;index"`
	AppliedCouponID *snowflake.ID `gorm:"index"`
	CreditNoteID    *snowflake.ID `gorm:"index"`
	AmountCents     int64         `gorm:"not null"`
	CreatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Credit) TableName() string { return "credits" }

var (
	ErrInvalidCoupon       = errors.New("invalid_coupon")
	ErrCouponNotFound      = errors.New("coupon_not_found")
	ErrCouponExpired       = errors.New("coupon_expired")
	ErrCouponAlreadyApplied = errors.New("coupon_already_applied")
)
