package service

import (
	"context"

	"github.com/smallbiznis/meterflow/internal/chargemodel"
	eventdomain "github.com/smallbiznis/meterflow/internal/event/domain"
	"github.com/smallbiznis/meterflow/internal/events"
	feedomain "github.com/smallbiznis/meterflow/internal/fee/domain"
	organizationdomain "github.com/smallbiznis/meterflow/internal/organization/domain"
	plandomain "github.com/smallbiznis/meterflow/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	"gorm.io/gorm"
)

// ApplyEvent is the ingestion fold: the aggregation cache advances first,
// then pay-in-advance charges are re-rated synchronously so their fee
// reflects the event without waiting for period close.
func (a *Assembler) ApplyEvent(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	event *eventdomain.Event,
) error {
	if err := a.aggregation.ApplyEvent(ctx, tx, sub, event); err != nil {
		return err
	}
	return a.rateInstant(ctx, tx, sub, event)
}

func (a *Assembler) rateInstant(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	event *eventdomain.Event,
) error {
	var metric plandomain.BillableMetric
	err := tx.WithContext(ctx).
		Where("org_id = ? AND code = ? AND deleted_at IS NULL", sub.OrgID, event.Code).
		First(&metric).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}

	var charges []plandomain.Charge
	err = tx.WithContext(ctx).
		Where("plan_id = ? AND billable_metric_id = ? AND pay_in_advance = ? AND invoiceable = ? AND deleted_at IS NULL",
			sub.PlanID, metric.ID, true, true).
		Order("position, id").
		Find(&charges).Error
	if err != nil {
		return err
	}
	if len(charges) == 0 {
		return nil
	}

	var org organizationdomain.Organization
	if err := tx.WithContext(ctx).Where("id = ?", sub.OrgID).First(&org).Error; err != nil {
		return err
	}
	var plan plandomain.Plan
	if err := tx.WithContext(ctx).Where("id = ?", sub.PlanID).First(&plan).Error; err != nil {
		return err
	}
	period := sub.PeriodAt(plan.Interval, event.Timestamp, org.Location())

	entries, err := a.aggregation.EntriesForPeriod(ctx, tx, sub.ID, period)
	if err != nil {
		return err
	}

	for i := range charges {
		charge := &charges[i]
		model := chargemodel.Model(charge.ChargeModel)
		props, err := chargemodel.ParseProperties(model, charge.Properties)
		if err != nil {
			return err
		}
		for j := range entries {
			entry := &entries[j]
			if entry.ChargeID != charge.ID {
				continue
			}
			aggregate := chargemodel.Aggregate{Units: entry.Units, EventCount: entry.EventCount}
			if entry.Kind == plandomain.AggregationWeightedSum {
				aggregate.Units = entry.WeightedUnits(event.Timestamp)
			}
			fee, err := a.materialize(model, props, aggregate, sub, &plan, charge, entry.FilterID, entry.GroupKey, period)
			if err != nil {
				return err
			}
			fee.FeeType = feedomain.FeeInstant
			if err := a.upsertInstant(ctx, tx, fee); err != nil {
				return err
			}
		}
	}
	return nil
}

// upsertInstant refreshes the single instant fee per (subscription, charge,
// filter, group, period) in place while it is unattached to an invoice.
func (a *Assembler) upsertInstant(ctx context.Context, tx *gorm.DB, fee feedomain.Fee) error {
	var existing feedomain.Fee
	query := tx.WithContext(ctx).
		Where("subscription_id = ? AND charge_id = ? AND group_key = ? AND period_start = ? AND fee_type = ? AND invoice_id IS NULL",
			fee.SubscriptionID, fee.ChargeID, fee.GroupKey, fee.PeriodStart, feedomain.FeeInstant)
	if fee.FilterID != nil {
		query = query.Where("filter_id = ?", *fee.FilterID)
	} else {
		query = query.Where("filter_id IS NULL")
	}
	err := query.First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		if err := tx.WithContext(ctx).Create(&fee).Error; err != nil {
			return err
		}
		return a.outbox.PublishTx(ctx, tx, events.Event{
			OrgID: fee.OrgID,
			Type:  events.EventFeeCreated,
			Payload: map[string]any{
				"fee_id":       fee.ID.String(),
				"fee_type":     string(feedomain.FeeInstant),
				"amount_cents": fee.AmountCents,
			},
			DedupeKey: "fee.created:" + fee.ID.String(),
		})
	}
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Model(&feedomain.Fee{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"amount_cents": fee.AmountCents,
			"units":        fee.Units,
			"event_count":  fee.EventCount,
			"updated_at":   a.clock.Now().UTC(),
		}).Error
}
