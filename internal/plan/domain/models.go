// Package domain contains persistence models for the billing catalog:
// plans, charges, billable metrics and charge filters.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PlanInterval is the recurring billing interval.
type PlanInterval string

const (
	PlanIntervalWeekly    PlanInterval = "weekly"
	PlanIntervalMonthly   PlanInterval = "monthly"
	PlanIntervalQuarterly PlanInterval = "quarterly"
	PlanIntervalYearly    PlanInterval = "yearly"
)

// AggregationKind is how a billable metric folds events into a quantity.
type AggregationKind string

const (
	AggregationCount       AggregationKind = "count"
	AggregationSum         AggregationKind = "sum"
	AggregationMax         AggregationKind = "max"
	AggregationUniqueCount AggregationKind = "unique_count"
	AggregationLatest      AggregationKind = "latest"
	AggregationWeightedSum AggregationKind = "weighted_sum"
)

// Plan owns ordered charges and the recurring subscription fee.
type Plan struct {
	ID                       snowflake.ID      `gorm:"primaryKey"`
	OrgID                    snowflake.ID      `gorm:"not null;index"`
	Code                     string            `gorm:"type:text;not null;index"`
	Name                     string            `gorm:"type:text;not null"`
	Interval                 PlanInterval      `gorm:"type:text;not null"`
	AmountCents              int64             `gorm:"not null;default:0"`
	Currency                 string            `gorm:"type:text;not null"`
	PayInAdvance             bool              `gorm:"not null;default:false"`
	MinimumCommitmentCents   *int64            `gorm:""`
	TrialPeriodDays          *int              `gorm:""`
	Metadata                 datatypes.JSONMap `gorm:"type:jsonb"`
	DeletedAt                *time.Time        `gorm:"index"`
	CreatedAt                time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// BillableMetric names what usage is measured: an event code plus an
// aggregation kind over an optional event property.
type BillableMetric struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	OrgID       snowflake.ID    `gorm:"not null;index:ux_metrics_org_code,unique,priority:1"`
	Code        string          `gorm:"type:text;not null;index:ux_metrics_org_code,priority:2"`
	Name        string          `gorm:"type:text;not null"`
	Aggregation AggregationKind `gorm:"type:text;not null"`
	FieldName   *string         `gorm:"type:text"`
	DeletedAt   *time.Time      `gorm:"index"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillableMetric) TableName() string { return "billable_metrics" }

// RequiresField reports whether the aggregation reads an event property.
func (m BillableMetric) RequiresField() bool {
	switch m.Aggregation {
	case AggregationCount:
		return false
	default:
		return true
	}
}

// Charge attaches a billable metric to a plan under a pricing model.
// Properties carries the model-specific configuration payload.
type Charge struct {
	ID               snowflake.ID   `gorm:"primaryKey"`
	OrgID            snowflake.ID   `gorm:"not null;index"`
	PlanID           snowflake.ID   `gorm:"not null;index"`
	BillableMetricID snowflake.ID   `gorm:"not null;index"`
	ChargeModel      string         `gorm:"column:charge_model;type:text;not null"`
	Properties       datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"`
	GroupedBy        datatypes.JSON `gorm:"type:jsonb"`
	PayInAdvance     bool           `gorm:"not null;default:false"`
	Invoiceable      bool           `gorm:"not null;default:true"`
	Prorated         bool           `gorm:"not null;default:false"`
	MinAmountCents   int64          `gorm:"not null;default:0"`
	Position         int            `gorm:"not null;default:0"`
	DeletedAt        *time.Time     `gorm:"index"`
	CreatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Charge) TableName() string { return "charges" }

// ChargeFilter scopes a charge to event property values, producing an
// independent sub-aggregate per filter.
type ChargeFilter struct {
	ID                 snowflake.ID   `gorm:"primaryKey"`
	OrgID              snowflake.ID   `gorm:"not null;index"`
	ChargeID           snowflake.ID   `gorm:"not null;index"`
	InvoiceDisplayName *string        `gorm:"type:text"`
	Values             datatypes.JSON `gorm:"type:jsonb;not null"`
	Properties         datatypes.JSON `gorm:"type:jsonb"`
	DeletedAt          *time.Time     `gorm:"index"`
	CreatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ChargeFilter) TableName() string { return "charge_filters" }

var (
	ErrInvalidPlan        = errors.New("invalid_plan")
	ErrPlanNotFound       = errors.New("plan_not_found")
	ErrInvalidMetric      = errors.New("invalid_billable_metric")
	ErrMetricNotFound     = errors.New("billable_metric_not_found")
	ErrInvalidAggregation = errors.New("invalid_aggregation_kind")
	ErrInvalidChargeModel = errors.New("invalid_charge_model")
)

// ValidAggregation reports whether kind is a known aggregation.
func ValidAggregation(kind AggregationKind) bool {
	switch kind {
	case AggregationCount, AggregationSum, AggregationMax,
		AggregationUniqueCount, AggregationLatest, AggregationWeightedSum:
		return true
	}
	return false
}
