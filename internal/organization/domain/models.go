// Package domain contains persistence models for tenancy.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Organization is the tenant boundary. It owns customers, plans and billing
// defaults and is never deleted while children exist.
type Organization struct {
	ID                   snowflake.ID      `gorm:"primaryKey"`
	Name                 string            `gorm:"type:text;not null"`
	DefaultCurrency      string            `gorm:"type:text;not null;default:'USD'"`
	Timezone             string            `gorm:"type:text;not null;default:'UTC'"`
	DocumentNumberPrefix string            `gorm:"type:text;not null"`
	NetPaymentTermDays   int               `gorm:"not null;default:30"`
	Metadata             datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// BillingEntity is an invoicing identity inside an organization. Customers
// attach to exactly one; tax and currency defaults cascade from it.
type BillingEntity struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	OrgID                snowflake.ID `gorm:"not null;index:ux_billing_entities_org_code,unique,priority:1"`
	Code                 string       `gorm:"type:text;not null;index:ux_billing_entities_org_code,unique,priority:2"`
	Name                 string       `gorm:"type:text;not null"`
	DefaultCurrency      *string      `gorm:"type:text"`
	Timezone             *string      `gorm:"type:text"`
	DocumentNumberPrefix *string      `gorm:"type:text"`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingEntity) TableName() string { return "billing_entities" }

// Location resolves the organization timezone, falling back to UTC.
func (o Organization) Location() *time.Location {
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrOrganizationNotFound = errors.New("organization_not_found")
)
