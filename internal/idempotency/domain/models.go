// Package domain contains persistence models for the idempotency guard.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// KeyStatus tracks whether the guarded side effect completed. A record stuck
// in flight past the reclaim window belongs to a crashed caller and is
// reclaimed by the recovery sweep rather than dropped silently.
type KeyStatus string

const (
	KeyStatusInFlight  KeyStatus = "IN_FLIGHT"
	KeyStatusSucceeded KeyStatus = "SUCCEEDED"
)

// Key is one admitted idempotency key. KeyHash is content-addressed from the
// caller-supplied key plus its scope, unique across the table.
type Key struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	OrgID        snowflake.ID      `gorm:"not null;index"`
	KeyHash      string            `gorm:"type:text;not null;uniqueIndex"`
	ResourceType string            `gorm:"type:text;not null"`
	ResourceID   *snowflake.ID     `gorm:"index"`
	Status       KeyStatus         `gorm:"type:text;not null;default:'IN_FLIGHT'"`
	Result       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Key) TableName() string { return "idempotency_keys" }

// Outcome of an admission attempt.
type Outcome string

const (
	OutcomeAdmitted  Outcome = "ADMITTED"
	OutcomeDuplicate Outcome = "DUPLICATE"
)

// Admission is the guard's answer. On Duplicate, Existing carries the
// original record so callers can short-circuit with the original result;
// InFlight marks duplicates whose side effect has not completed yet.
type Admission struct {
	Outcome  Outcome
	KeyHash  string
	Existing *Key
	InFlight bool
}

var (
	ErrInvalidKey          = errors.New("invalid_idempotency_key")
	ErrInvalidResourceType = errors.New("invalid_resource_type")
)
