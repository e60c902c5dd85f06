// Package domain contains persistence models for customers.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Customer belongs to exactly one organization. ExternalID is the
// caller-supplied identifier, unique per organization among live rows.
// Deletion is a tombstone; rows referenced by finalized invoices are never
// physically removed.
type Customer struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	OrgID           snowflake.ID      `gorm:"not null;index"`
	BillingEntityID *snowflake.ID     `gorm:"index"`
	ExternalID      string            `gorm:"type:text;not null;index"`
	Name            string            `gorm:"type:text;not null"`
	Currency        *string           `gorm:"type:text"`
	Timezone        *string           `gorm:"type:text"`
	TaxCodes        datatypes.JSON    `gorm:"type:jsonb"`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	DeletedAt       *time.Time        `gorm:"index"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

// Deleted reports whether the tombstone is set.
func (c Customer) Deleted() bool { return c.DeletedAt != nil }

// TaxCodeList decodes the customer's configured tax codes. Malformed or
// absent payloads resolve to none.
func (c Customer) TaxCodeList() []string {
	if len(c.TaxCodes) == 0 {
		return nil
	}
	var codes []string
	if err := json.Unmarshal(c.TaxCodes, &codes); err != nil {
		return nil
	}
	return codes
}

var (
	ErrInvalidCustomer  = errors.New("invalid_customer")
	ErrCustomerNotFound = errors.New("customer_not_found")
	ErrCustomerDeleted  = errors.New("customer_deleted")
)
