// Package domain contains the aggregation cache models: one running
// aggregate per (subscription, charge, filter, group, period), advanced
// event-by-event behind a watermark so billing never rescans the full event
// log on the hot path.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/meterflow/internal/plan/domain"
	"github.com/shopspring/decimal"
)

// CachedAggregation memoizes the billable quantity for one aggregation key
// as of Watermark. Version fences recomputations: a recompute started
// against an older version must not overwrite a newer one.
type CachedAggregation struct {
	ID             snowflake.ID               `gorm:"primaryKey"`
	OrgID          snowflake.ID               `gorm:"not null;index"`
	SubscriptionID snowflake.ID               `gorm:"not null;index:ux_agg_key,unique,priority:1"`
	ChargeID       snowflake.ID               `gorm:"not null;index:ux_agg_key,priority:2"`
	FilterID       snowflake.ID               `gorm:"not null;default:0;index:ux_agg_key,priority:3"`
	GroupKey       string                     `gorm:"type:text;not null;default:'';index:ux_agg_key,priority:4"`
	PeriodStart    time.Time                  `gorm:"not null;index:ux_agg_key,priority:5"`
	PeriodEnd      time.Time                  `gorm:"not null"`
	Code           string                     `gorm:"type:text;not null"`
	Kind           plandomain.AggregationKind `gorm:"type:text;not null"`
	FieldName      string                     `gorm:"type:text;not null;default:''"`
	Watermark      time.Time                  `gorm:"not null"`
	Version        int64                      `gorm:"not null;default:1"`
	EventCount     int64                      `gorm:"not null;default:0"`
	Units          decimal.Decimal            `gorm:"type:numeric;not null;default:0"`
	ValueSum       decimal.Decimal            `gorm:"type:numeric;not null;default:0"`
	WeightedArea   decimal.Decimal            `gorm:"type:numeric;not null;default:0"`
	LastValue      decimal.Decimal            `gorm:"type:numeric;not null;default:0"`
	LastEventAt    *time.Time                 `gorm:""`
	CreatedAt      time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CachedAggregation) TableName() string { return "cached_aggregations" }

// UniqueEntry is one materialized member of a unique_count dedup set. The
// unique index makes re-folding the same member a no-op.
type UniqueEntry struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	AggregationID snowflake.ID `gorm:"not null;index:ux_agg_unique_member,unique,priority:1"`
	Value         string       `gorm:"type:text;not null;index:ux_agg_unique_member,priority:2"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UniqueEntry) TableName() string { return "cached_aggregation_unique_entries" }

var (
	ErrStaleRecompute = errors.New("stale_aggregation_recompute")
	ErrUnknownKind    = errors.New("unknown_aggregation_kind")
)

// WeightedUnits resolves a weighted_sum aggregate to the time-weighted
// average over the period, extending the last observed value to `until`.
func (a CachedAggregation) WeightedUnits(until time.Time) decimal.Decimal {
	total := a.PeriodEnd.Sub(a.PeriodStart).Seconds()
	if total <= 0 {
		return decimal.Zero
	}
	if until.After(a.PeriodEnd) {
		until = a.PeriodEnd
	}
	area := a.WeightedArea
	if a.LastEventAt != nil && until.After(*a.LastEventAt) {
		span := decimal.NewFromFloat(until.Sub(*a.LastEventAt).Seconds())
		area = area.Add(a.LastValue.Mul(span))
	}
	return area.Div(decimal.NewFromFloat(total))
}
