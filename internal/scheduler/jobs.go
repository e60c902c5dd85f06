package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/events"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	walletdomain "github.com/smallbiznis/meterflow/internal/wallet/domain"
	"go.uber.org/zap"
)

// ClosePeriodsJob drafts invoices for every billing period that has ended.
// Closing is idempotent, so re-visiting a subscription refreshes its draft
// with any late events instead of stacking a second invoice.
func (s *Scheduler) ClosePeriodsJob(ctx context.Context) error {
	now := s.clock.Now()
	var jobErr error
	var cursor snowflake.ID

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		subs, err := s.claimSubscriptionsForWork(ctx, cursor, s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			return jobErr
		}
		cursor = subs[len(subs)-1].ID

		for _, sub := range subs {
			period, ok := previousPeriod(sub, now)
			if !ok {
				continue
			}
			if _, err := s.invoices.CloseBillingPeriod(ctx, sub.ID, period); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.log.Warn("close billing period failed",
					zap.String("subscription_id", sub.ID.String()),
					zap.Time("period_start", period.Start),
					zap.Error(err),
				)
			}
		}
		if len(subs) < s.cfg.BatchSize {
			return jobErr
		}
	}
}

// previousPeriod returns the most recently completed billing period for the
// subscription, or false when the subscription has not lived through one yet.
func previousPeriod(sub workSubscription, now time.Time) (subscriptiondomain.Period, bool) {
	loc, err := time.LoadLocation(sub.Timezone)
	if err != nil {
		loc = time.UTC
	}
	model := subscriptiondomain.Subscription{
		BillingTime: sub.BillingTime,
		StartedAt:   sub.StartedAt,
	}
	current := model.PeriodAt(sub.PlanInterval, now, loc)
	if !current.Start.After(sub.StartedAt) {
		return subscriptiondomain.Period{}, false
	}
	prev := model.PeriodAt(sub.PlanInterval, current.Start.Add(-time.Second), loc)
	if !prev.End.After(sub.StartedAt) {
		return subscriptiondomain.Period{}, false
	}
	return prev, true
}

// FinalizeInvoicesJob promotes due drafts to finalized invoices once the
// grace window after the period end has passed. Drafts blocked on billing
// errors stay put until an operator resolves them.
func (s *Scheduler) FinalizeInvoicesJob(ctx context.Context) error {
	if !s.cfg.FinalizeInvoices {
		return nil
	}
	dueBefore := s.clock.Now().Add(-s.cfg.FinalizeGrace)
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		drafts, err := s.claimDraftInvoicesDue(ctx, dueBefore, s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(drafts) == 0 {
			return jobErr
		}

		progressed := false
		for _, draft := range drafts {
			invoice, err := s.invoices.Finalize(ctx, draft.OrgID, draft.ID)
			if err != nil {
				if errors.Is(err, invoicedomain.ErrUnresolvedBillingErr) {
					s.log.Info("invoice blocked on billing errors",
						zap.String("invoice_id", draft.ID.String()),
					)
					continue
				}
				jobErr = errors.Join(jobErr, err)
				s.log.Warn("auto-finalize failed",
					zap.String("invoice_id", draft.ID.String()),
					zap.Error(err),
				)
				continue
			}
			progressed = true
			s.metrics.RecordInvoiceTransition(string(invoice.Status))
			s.metrics.ObserveInvoiceAmount(invoice.TotalCents)
		}
		// Everything left in the claim window is blocked; stop instead of
		// spinning on the same rows.
		if !progressed {
			return jobErr
		}
	}
}

// WalletRulesJob fires due recurring top-up rules across all organizations.
func (s *Scheduler) WalletRulesJob(ctx context.Context) error {
	var orgIDs []snowflake.ID
	err := s.db.WithContext(ctx).Model(&walletdomain.RecurringRule{}).
		Where("deleted_at IS NULL").
		Distinct("org_id").
		Pluck("org_id", &orgIDs).Error
	if err != nil {
		return err
	}

	var jobErr error
	for _, orgID := range orgIDs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		fired, err := s.wallets.ProcessRecurringRules(ctx, orgID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		for i := 0; i < fired; i++ {
			s.metrics.RecordWalletTopUp()
		}
	}
	return jobErr
}

// ProgressiveInvoicesJob turns pending threshold-crossing events into
// progressive drafts for the affected customer's active subscriptions. The
// events stay in the outbox for the dispatcher; drafting is idempotent per
// (subscription, period), so seeing an event twice is harmless.
func (s *Scheduler) ProgressiveInvoicesJob(ctx context.Context) error {
	var rows []events.OutboxEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND type = ?", events.OutboxStatusPending, events.EventWalletThresholdCrossed).
		Order("id").
		Limit(s.cfg.BatchSize).
		Find(&rows).Error
	if err != nil {
		return err
	}

	now := s.clock.Now()
	var jobErr error
	for _, row := range rows {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		walletID, err := payloadID(row.Payload["wallet_id"])
		if err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("threshold event %s: %w", row.ID, err))
			continue
		}
		if err := s.draftProgressiveForWallet(ctx, row.OrgID, walletID, now); err != nil {
			jobErr = errors.Join(jobErr, err)
		} else {
			s.metrics.RecordThresholdCrossing()
		}
	}
	return jobErr
}

func (s *Scheduler) draftProgressiveForWallet(ctx context.Context, orgID, walletID snowflake.ID, now time.Time) error {
	var wallet walletdomain.Wallet
	if err := s.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, walletID).First(&wallet).Error; err != nil {
		return err
	}

	var subs []workSubscription
	err := s.db.WithContext(ctx).Raw(selectWorkSubscriptions+
		` WHERE s.customer_id = ? AND s.status = ? ORDER BY s.id`,
		wallet.CustomerID, subscriptiondomain.StatusActive,
	).Scan(&subs).Error
	if err != nil {
		return err
	}

	var jobErr error
	for _, sub := range subs {
		loc, err := time.LoadLocation(sub.Timezone)
		if err != nil {
			loc = time.UTC
		}
		model := subscriptiondomain.Subscription{BillingTime: sub.BillingTime, StartedAt: sub.StartedAt}
		period := model.PeriodAt(sub.PlanInterval, now, loc)
		if _, err := s.invoices.CreateProgressiveInvoice(ctx, sub.ID, period); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	return jobErr
}

// OutboxDispatchJob hands pending events to delivery and marks them done.
// Delivery here is the log boundary; a webhook fan-out sits behind it in
// deployments that need one.
func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := s.outbox.ListPending(ctx, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			s.metrics.SetOutboxBacklog(0)
			return nil
		}

		ids := make([]snowflake.ID, 0, len(batch))
		for _, event := range batch {
			s.log.Info("outbox event dispatched",
				zap.String("event_id", event.ID.String()),
				zap.String("type", event.Type),
				zap.String("org_id", event.OrgID.String()),
			)
			ids = append(ids, event.ID)
		}
		if err := s.outbox.MarkDispatched(ctx, ids); err != nil {
			return err
		}
		s.metrics.RecordOutboxDispatch("dispatched", len(ids))
		if len(batch) < s.cfg.BatchSize {
			s.metrics.SetOutboxBacklog(0)
			return nil
		}
	}
}

// RecoverySweepJob reclaims idempotency keys whose owner died mid-flight so
// the guarded work can be retried.
func (s *Scheduler) RecoverySweepJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.RecoveryThreshold)
	reclaimed, err := s.idempotency.ReclaimStale(ctx, cutoff)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		s.log.Info("reclaimed stale idempotency keys", zap.Int64("count", reclaimed))
	}
	return nil
}

func payloadID(value any) (snowflake.ID, error) {
	str, ok := value.(string)
	if !ok {
		return 0, fmt.Errorf("payload id is %T, want string", value)
	}
	id, err := snowflake.ParseString(str)
	if err != nil {
		return 0, err
	}
	return id, nil
}
