package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregationservice "github.com/smallbiznis/meterflow/internal/aggregation/service"
	"github.com/smallbiznis/meterflow/internal/chargemodel"
	"github.com/smallbiznis/meterflow/internal/clock"
	eventdomain "github.com/smallbiznis/meterflow/internal/event/domain"
	eventservice "github.com/smallbiznis/meterflow/internal/event/service"
	"github.com/smallbiznis/meterflow/internal/events"
	feedomain "github.com/smallbiznis/meterflow/internal/fee/domain"
	organizationdomain "github.com/smallbiznis/meterflow/internal/organization/domain"
	plandomain "github.com/smallbiznis/meterflow/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AssemblerParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Aggregation *aggregationservice.Service
	Events      *eventservice.Service
	Outbox      *events.Outbox
}

// Assembler builds the fee set for a billing period: the prorated recurring
// plan fee, one fee per payable charge, and a true-up fee when usage falls
// short of the plan's minimum commitment. Assembly is referentially
// transparent over its inputs, so a draft invoice can be refreshed by
// replaying it.
type Assembler struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	aggregation *aggregationservice.Service
	events      *eventservice.Service
	outbox      *events.Outbox
}

func NewAssembler(p AssemblerParam) *Assembler {
	return &Assembler{
		db:          p.DB,
		log:         p.Log.Named("fee.assembler"),
		genID:       p.GenID,
		clock:       p.Clock,
		aggregation: p.Aggregation,
		events:      p.Events,
		outbox:      p.Outbox,
	}
}

// ChargeError captures one charge's computation failure without aborting
// the rest of the draft.
type ChargeError struct {
	ChargeID snowflake.ID
	Code     string
	Detail   string
}

// AssembleForSubscription computes the full fee set for one subscription
// over one period. Returned fees are not yet persisted; the invoice builder
// attaches and stores them. Per-charge failures come back as ChargeErrors.
func (a *Assembler) AssembleForSubscription(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	period subscriptiondomain.Period,
) ([]feedomain.Fee, []ChargeError, error) {
	if tx == nil {
		tx = a.db
	}

	var org organizationdomain.Organization
	if err := tx.WithContext(ctx).Where("id = ?", sub.OrgID).First(&org).Error; err != nil {
		return nil, nil, err
	}
	var plan plandomain.Plan
	if err := tx.WithContext(ctx).Where("id = ?", sub.PlanID).First(&plan).Error; err != nil {
		return nil, nil, err
	}

	fees := make([]feedomain.Fee, 0, 4)
	var chargeErrors []ChargeError

	subscriptionFee := a.subscriptionFee(sub, &plan, period, org.Location())
	fees = append(fees, subscriptionFee)

	var charges []plandomain.Charge
	err := tx.WithContext(ctx).
		Where("plan_id = ? AND deleted_at IS NULL AND invoiceable = ?", plan.ID, true).
		Order("position, id").
		Find(&charges).Error
	if err != nil {
		return nil, nil, err
	}

	for i := range charges {
		charge := &charges[i]
		chargeFees, err := a.chargeFees(ctx, tx, sub, &plan, charge, period, org.Location())
		if err != nil {
			chargeErrors = append(chargeErrors, ChargeError{
				ChargeID: charge.ID,
				Code:     "charge_evaluation_failed",
				Detail:   err.Error(),
			})
			continue
		}
		fees = append(fees, chargeFees...)
	}

	if plan.MinimumCommitmentCents != nil && len(chargeErrors) == 0 {
		var total int64
		for _, fee := range fees {
			total += fee.AmountCents
		}
		if total < *plan.MinimumCommitmentCents {
			fees = append(fees, feedomain.Fee{
				ID:             a.genID.Generate(),
				OrgID:          sub.OrgID,
				CustomerID:     sub.CustomerID,
				SubscriptionID: &sub.ID,
				FeeType:        feedomain.FeeTrueUp,
				Description:    "minimum commitment true-up",
				AmountCents:    *plan.MinimumCommitmentCents - total,
				Currency:       plan.Currency,
				PeriodStart:    period.Start,
				PeriodEnd:      period.End,
				CreatedAt:      a.clock.Now().UTC(),
				UpdatedAt:      a.clock.Now().UTC(),
			})
		}
	}

	return fees, chargeErrors, nil
}

func (a *Assembler) subscriptionFee(
	sub *subscriptiondomain.Subscription,
	plan *plandomain.Plan,
	period subscriptiondomain.Period,
	loc *time.Location,
) feedomain.Fee {
	activeDays, totalDays := sub.ProrationCoefficient(period, loc)
	amount := int64(0)
	if totalDays > 0 {
		amount = decimal.NewFromInt(plan.AmountCents).
			Mul(decimal.NewFromInt(int64(activeDays))).
			Div(decimal.NewFromInt(int64(totalDays))).
			Round(0).IntPart()
	}
	now := a.clock.Now().UTC()
	return feedomain.Fee{
		ID:             a.genID.Generate(),
		OrgID:          sub.OrgID,
		CustomerID:     sub.CustomerID,
		SubscriptionID: &sub.ID,
		FeeType:        feedomain.FeeSubscription,
		Description:    plan.Name,
		AmountCents:    amount,
		Units:          decimal.NewFromInt(1),
		Currency:       plan.Currency,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (a *Assembler) chargeFees(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	plan *plandomain.Plan,
	charge *plandomain.Charge,
	period subscriptiondomain.Period,
	loc *time.Location,
) ([]feedomain.Fee, error) {
	model := chargemodel.Model(charge.ChargeModel)
	props, err := chargemodel.ParseProperties(model, charge.Properties)
	if err != nil {
		return nil, err
	}

	var metric plandomain.BillableMetric
	if err := tx.WithContext(ctx).Where("id = ?", charge.BillableMetricID).First(&metric).Error; err != nil {
		return nil, err
	}

	entries, err := a.aggregation.EntriesForPeriod(ctx, tx, sub.ID, period)
	if err != nil {
		return nil, err
	}

	var fees []feedomain.Fee
	matched := false
	for i := range entries {
		entry := &entries[i]
		if entry.ChargeID != charge.ID {
			continue
		}
		matched = true

		aggregate := chargemodel.Aggregate{
			Units:      entry.Units,
			EventCount: entry.EventCount,
		}
		if entry.Kind == plandomain.AggregationWeightedSum {
			aggregate.Units = entry.WeightedUnits(period.End)
		}
		if needsEventValues(model, props) {
			values, err := a.eventValues(ctx, tx, sub.ID, metric, period)
			if err != nil {
				return nil, err
			}
			aggregate.EventValues = values
		}

		fee, err := a.materialize(model, props, aggregate, sub, plan, charge, entry.FilterID, entry.GroupKey, period)
		if err != nil {
			return nil, err
		}
		fees = append(fees, fee)
	}

	if !matched {
		// No usage this period: the charge still materializes at zero
		// quantity so flat components and minimums apply.
		fee, err := a.materialize(model, props, chargemodel.Aggregate{}, sub, plan, charge, 0, "", period)
		if err != nil {
			return nil, err
		}
		fees = append(fees, fee)
	}
	return fees, nil
}

func (a *Assembler) materialize(
	model chargemodel.Model,
	props chargemodel.Properties,
	aggregate chargemodel.Aggregate,
	sub *subscriptiondomain.Subscription,
	plan *plandomain.Plan,
	charge *plandomain.Charge,
	filterID snowflake.ID,
	groupKey string,
	period subscriptiondomain.Period,
) (feedomain.Fee, error) {
	result, err := chargemodel.Evaluate(model, props, aggregate)
	if err != nil {
		return feedomain.Fee{}, err
	}

	// Rounding to the currency's minor unit happens exactly once, here.
	amount := result.AmountCents.Round(0).IntPart()
	if amount < charge.MinAmountCents {
		amount = charge.MinAmountCents
	}

	now := a.clock.Now().UTC()
	fee := feedomain.Fee{
		ID:             a.genID.Generate(),
		OrgID:          sub.OrgID,
		CustomerID:     sub.CustomerID,
		SubscriptionID: &sub.ID,
		ChargeID:       &charge.ID,
		GroupKey:       groupKey,
		FeeType:        feedomain.FeeCharge,
		AmountCents:    amount,
		Units:          result.Units,
		EventCount:     aggregate.EventCount,
		Currency:       plan.Currency,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if filterID != 0 {
		fee.FilterID = &filterID
	}
	return fee, nil
}

func needsEventValues(model chargemodel.Model, props chargemodel.Properties) bool {
	if model != chargemodel.ModelPercentage || props.Percentage == nil {
		return false
	}
	return props.Percentage.PerEventMinCents != nil || props.Percentage.PerEventMaxCents != nil
}

func (a *Assembler) eventValues(
	ctx context.Context,
	tx *gorm.DB,
	subscriptionID snowflake.ID,
	metric plandomain.BillableMetric,
	period subscriptiondomain.Period,
) ([]decimal.Decimal, error) {
	if metric.FieldName == nil {
		return nil, nil
	}
	rows, err := a.events.ListForRange(ctx, tx, subscriptionID, metric.Code, period.Start, period.End)
	if err != nil {
		return nil, err
	}
	values := make([]decimal.Decimal, 0, len(rows))
	for _, row := range rows {
		if v, ok := eventPropertyDecimal(row, *metric.FieldName); ok {
			values = append(values, v)
		}
	}
	return values, nil
}

func eventPropertyDecimal(event eventdomain.Event, field string) (decimal.Decimal, bool) {
	raw, ok := event.Properties[field]
	if !ok {
		return decimal.Decimal{}, false
	}
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// AddOneOff raises an instant fee outside any billing period close and
// announces it on the outbox.
func (a *Assembler) AddOneOff(
	ctx context.Context,
	orgID, customerID snowflake.ID,
	subscriptionID *snowflake.ID,
	description, currency string,
	amountCents int64,
) (*feedomain.Fee, error) {
	now := a.clock.Now().UTC()
	fee := feedomain.Fee{
		ID:             a.genID.Generate(),
		OrgID:          orgID,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		FeeType:        feedomain.FeeOneOff,
		Description:    description,
		AmountCents:    amountCents,
		Currency:       currency,
		PeriodStart:    now,
		PeriodEnd:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&fee).Error; err != nil {
			return err
		}
		return a.outbox.PublishTx(ctx, tx, events.Event{
			OrgID: orgID,
			Type:  events.EventFeeCreated,
			Payload: map[string]any{
				"fee_id":       fee.ID.String(),
				"fee_type":     string(fee.FeeType),
				"amount_cents": fee.AmountCents,
			},
			DedupeKey: "fee.created:" + fee.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return &fee, nil
}
