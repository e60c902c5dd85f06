// Package domain contains invoice and credit-note models plus the invoice
// lifecycle state machine.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status is the invoice lifecycle: draft → finalized → (voided | regenerated).
type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusFinalized   Status = "FINALIZED"
	StatusVoided      Status = "VOIDED"
	StatusRegenerated Status = "REGENERATED"
)

// PaymentStatus is the orthogonal payment axis, tracked once finalized.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentDisputed  PaymentStatus = "DISPUTED"
)

// InvoiceType distinguishes period-close invoices from out-of-cycle ones.
type InvoiceType string

const (
	TypeSubscription InvoiceType = "subscription"
	TypeOneOff       InvoiceType = "one_off"
	TypeProgressive  InvoiceType = "progressive"
)

// Invoice aggregates fees for a customer over a billing period.
// SequentialID is customer-scoped; OrganizationSequentialID is scoped to
// (organization, finalization month). Both are nil until finalization and
// immutable afterward; the unique indexes are the allocation backstop.
type Invoice struct {
	ID                       snowflake.ID  `gorm:"primaryKey"`
	OrgID                    snowflake.ID  `gorm:"not null;index;index:ux_invoices_org_month_seq,unique,priority:1"`
	CustomerID               snowflake.ID  `gorm:"not null;index;index:ux_invoices_customer_seq,unique,priority:1"`
	SubscriptionID           *snowflake.ID `gorm:"index"`
	InvoiceType              InvoiceType   `gorm:"type:text;not null;default:'subscription'"`
	Status                   Status        `gorm:"type:text;not null;default:'DRAFT'"`
	PaymentStatus            PaymentStatus `gorm:"type:text;not null;default:'PENDING'"`
	Number                   *string       `gorm:"type:text"`
	SequentialID             *int64        `gorm:"index:ux_invoices_customer_seq,priority:2"`
	SequentialMonth          *string       `gorm:"type:text;index:ux_invoices_org_month_seq,priority:2"`
	OrganizationSequentialID *int64        `gorm:"index:ux_invoices_org_month_seq,priority:3"`
	Currency                 string        `gorm:"type:text;not null"`
	FeesAmountCents          int64         `gorm:"not null;default:0"`
	CouponsAmountCents       int64         `gorm:"not null;default:0"`
	CreditsAmountCents       int64         `gorm:"not null;default:0"`
	TaxesAmountCents         int64         `gorm:"not null;default:0"`
	PrepaidCreditsCents      int64         `gorm:"not null;default:0"`
	TotalCents               int64         `gorm:"not null;default:0"`
	PeriodStart              time.Time     `gorm:"not null"`
	PeriodEnd                time.Time     `gorm:"not null"`
	IssuingDate              *time.Time    `gorm:""`
	PaymentDueDate           *time.Time    `gorm:""`
	FinalizedAt              *time.Time    `gorm:""`
	VoidedAt                 *time.Time    `gorm:""`
	PaymentStatusUpdatedAt   *time.Time    `gorm:""`
	SupersededByInvoiceID    *snowflake.ID `gorm:"index"`
	CreatedAt                time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Finalized reports whether monetary fields are frozen.
func (i Invoice) Finalized() bool {
	return i.Status == StatusFinalized || i.Status == StatusVoided || i.Status == StatusRegenerated
}

// CreditNote is the full reversal produced when a finalized invoice is
// voided.
type CreditNote struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;index"`
	CustomerID  snowflake.ID `gorm:"not null;index"`
	InvoiceID   snowflake.ID `gorm:"not null;index"`
	Reason      string       `gorm:"type:text;not null"`
	AmountCents int64        `gorm:"not null"`
	Currency    string       `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditNote) TableName() string { return "credit_notes" }

var (
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrInvalidTransition    = errors.New("invalid_invoice_transition")
	ErrInvoiceNotDraft      = errors.New("invoice_not_draft")
	ErrInvoiceNotFinalized  = errors.New("invoice_not_finalized")
	ErrUnresolvedBillingErr = errors.New("unresolved_billing_errors")
	ErrSequenceExhausted    = errors.New("invoice_sequence_exhausted")
)
