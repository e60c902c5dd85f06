// Package domain contains tax rate models. Rates attach to a closed set of
// owners; the most specific owner wins at resolution time.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// OwnerType is the closed set of entities a tax rate can attach to.
type OwnerType string

const (
	OwnerOrganization  OwnerType = "organization"
	OwnerBillingEntity OwnerType = "billing_entity"
	OwnerCustomer      OwnerType = "customer"
)

// TaxRate is a locally configured rate. Rate is a percentage (20 = 20%).
type TaxRate struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	OrgID     snowflake.ID    `gorm:"not null;index"`
	OwnerType OwnerType       `gorm:"type:text;not null;index:ix_tax_rates_owner,priority:1"`
	OwnerID   snowflake.ID    `gorm:"not null;index:ix_tax_rates_owner,priority:2"`
	Code      string          `gorm:"type:text;not null"`
	Name      string          `gorm:"type:text;not null"`
	Rate      decimal.Decimal `gorm:"type:numeric;not null"`
	DeletedAt *time.Time      `gorm:"index"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TaxRate) TableName() string { return "tax_rates" }

// AppliedTax freezes the rate and computed amount on a fee at materialization
// time. The authoritative amounts live on the fee; this row is the audit
// breakdown.
type AppliedTax struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	OrgID       snowflake.ID    `gorm:"not null;index"`
	FeeID       snowflake.ID    `gorm:"not null;index"`
	TaxCode     string          `gorm:"type:text;not null"`
	Rate        decimal.Decimal `gorm:"type:numeric;not null"`
	BaseCents   int64           `gorm:"not null"`
	AmountCents int64           `gorm:"not null"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AppliedTax) TableName() string { return "applied_taxes" }

// ResolvedRate is one rate applicable to a taxable base.
type ResolvedRate struct {
	Code string
	Name string
	Rate decimal.Decimal
}

var (
	ErrProviderUnavailable = errors.New("tax_provider_unavailable")
	ErrProviderRejected    = errors.New("tax_provider_rejected")
)
