// Package domain contains prepaid wallet models. Balances are derived from
// signed transactions; nothing decrements a balance destructively.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// WalletStatus is the wallet lifecycle.
type WalletStatus string

const (
	WalletActive     WalletStatus = "ACTIVE"
	WalletTerminated WalletStatus = "TERMINATED"
)

// Wallet holds a prepaid balance for one customer. Traceable wallets enforce
// the non-negative invariant; non-traceable wallets may go negative for
// postpaid reconciliation. LockVersion fences concurrent balance mutations.
type Wallet struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	OrgID             snowflake.ID `gorm:"not null;index"`
	CustomerID        snowflake.ID `gorm:"not null;index"`
	Name              string       `gorm:"type:text;not null"`
	Currency          string       `gorm:"type:text;not null"`
	Status            WalletStatus `gorm:"type:text;not null;default:'ACTIVE'"`
	Priority          int          `gorm:"not null;default:0"`
	Traceable         bool         `gorm:"not null;default:true"`
	BalanceCents      int64        `gorm:"not null;default:0"`
	CreditsBalance    int64        `gorm:"not null;default:0"`
	OngoingUsageCents int64        `gorm:"not null;default:0"`
	LockVersion       int64        `gorm:"not null;default:0"`
	TerminatedAt      *time.Time   `gorm:""`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

// TransactionKind separates top-ups from consumption.
type TransactionKind string

const (
	TransactionCredit TransactionKind = "CREDIT"
	TransactionDebit  TransactionKind = "DEBIT"
)

// WalletTransaction is one signed ledger entry. AmountCents is positive for
// credits and negative for debits; the wallet balance is the running sum.
type WalletTransaction struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	OrgID       snowflake.ID    `gorm:"not null;index"`
	WalletID    snowflake.ID    `gorm:"not null;index"`
	Kind        TransactionKind `gorm:"type:text;not null"`
	Source      string          `gorm:"type:text;not null"`
	AmountCents int64           `gorm:"not null"`
	FeeID       *snowflake.ID   `gorm:"index"`
	InvoiceID   *snowflake.ID   `gorm:"index"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WalletTransaction) TableName() string { return "wallet_transactions" }

// RecurringRuleKind triggers a top-up on a balance threshold or a schedule.
type RecurringRuleKind string

const (
	RuleThreshold RecurringRuleKind = "threshold"
	RuleInterval  RecurringRuleKind = "interval"
)

// RecurringRule tops a wallet up automatically. Every firing is idempotency
// guarded so a retried scheduler tick cannot double-credit.
type RecurringRule struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrgID          snowflake.ID      `gorm:"not null;index"`
	WalletID       snowflake.ID      `gorm:"not null;index"`
	Kind           RecurringRuleKind `gorm:"type:text;not null"`
	ThresholdCents *int64            `gorm:""`
	IntervalDays   *int              `gorm:""`
	TopUpCents     int64             `gorm:"not null"`
	LastFiredAt    *time.Time        `gorm:""`
	DeletedAt      *time.Time        `gorm:"index"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RecurringRule) TableName() string { return "wallet_recurring_rules" }

// UsageThreshold triggers an out-of-cycle (progressive billing) invoice when
// the period's accrued usage crosses AmountCents.
type UsageThreshold struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;index"`
	WalletID    snowflake.ID `gorm:"not null;index"`
	AmountCents int64        `gorm:"not null"`
	Recurring   bool         `gorm:"not null;default:false"`
	DeletedAt   *time.Time   `gorm:"index"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageThreshold) TableName() string { return "wallet_usage_thresholds" }

var (
	ErrWalletNotFound      = errors.New("wallet_not_found")
	ErrWalletTerminated    = errors.New("wallet_terminated")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrInvalidAmount       = errors.New("invalid_wallet_amount")
	ErrConcurrentUpdate    = errors.New("wallet_concurrent_update")
)
