package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	coupondomain "github.com/smallbiznis/meterflow/internal/coupon/domain"
	"github.com/smallbiznis/meterflow/internal/events"
	feedomain "github.com/smallbiznis/meterflow/internal/fee/domain"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	organizationdomain "github.com/smallbiznis/meterflow/internal/organization/domain"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	"github.com/smallbiznis/meterflow/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxFinalizeRetries bounds how often a finalization retries after losing a
// sequential-number race to a concurrent finalization.
const maxFinalizeRetries = 5

// Finalize freezes a draft invoice: it re-runs the adjustment chain one last
// time, allocates the customer and organization sequence numbers, consumes
// prepaid wallet credits and records the coupon and credit-note consumptions.
//
// Number allocation reads MAX+1 under the organization row lock; two
// finalizations racing on the same scope can still both observe the same
// candidate, in which case the unique index rejects the loser and the whole
// transaction is retried with a fresh candidate.
func (s *Service) Finalize(ctx context.Context, orgID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	for attempt := 0; attempt < maxFinalizeRetries; attempt++ {
		invoice, err := s.finalizeOnce(ctx, orgID, invoiceID)
		if err != nil && db.IsDuplicateKeyErr(err) {
			s.log.Debug("sequence collision, retrying finalize",
				zap.String("invoice_id", invoiceID.String()),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return invoice, err
	}
	return nil, invoicedomain.ErrSequenceExhausted
}

func (s *Service) finalizeOnce(ctx context.Context, orgID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var out *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.lockInvoice(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		switch invoice.Status {
		case invoicedomain.StatusFinalized:
			// Already done; finalization is idempotent.
			out = invoice
			return nil
		case invoicedomain.StatusDraft:
		default:
			return invoicedomain.ErrInvalidTransition
		}

		var openErrors int64
		err = tx.WithContext(ctx).Model(&subscriptiondomain.BillingError{}).
			Where("invoice_id = ? AND resolved_at IS NULL", invoice.ID).
			Count(&openErrors).Error
		if err != nil {
			return err
		}
		if openErrors > 0 {
			return invoicedomain.ErrUnresolvedBillingErr
		}

		breakdown, err := s.computeAdjustments(ctx, tx, invoice)
		if err != nil {
			return err
		}

		org, err := s.lockOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		month := now.In(org.Location()).Format("200601")

		var customerSeq int64
		err = tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("customer_id = ?", invoice.CustomerID).
			Select("COALESCE(MAX(sequential_id), 0) + 1").
			Scan(&customerSeq).Error
		if err != nil {
			return err
		}

		var orgSeq int64
		err = tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("org_id = ? AND sequential_month = ?", orgID, month).
			Select("COALESCE(MAX(organization_sequential_id), 0) + 1").
			Scan(&orgSeq).Error
		if err != nil {
			return err
		}

		number := fmt.Sprintf("%s-%s-%03d", org.DocumentNumberPrefix, month, orgSeq)

		prepaid, err := s.wallets.DebitAcrossWalletsTx(ctx, tx, orgID, invoice.CustomerID, invoice.Currency, invoice.TotalCents, &invoice.ID)
		if err != nil {
			return err
		}

		if err := s.settleCredits(ctx, tx, invoice, breakdown); err != nil {
			return err
		}

		issuing := now
		due := issuing.AddDate(0, 0, org.NetPaymentTermDays)

		invoice.Status = invoicedomain.StatusFinalized
		invoice.Number = &number
		invoice.SequentialID = &customerSeq
		invoice.SequentialMonth = &month
		invoice.OrganizationSequentialID = &orgSeq
		invoice.PrepaidCreditsCents = prepaid
		invoice.TotalCents -= prepaid
		invoice.IssuingDate = &issuing
		invoice.PaymentDueDate = &due
		invoice.FinalizedAt = &now
		invoice.UpdatedAt = now

		err = tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("id = ? AND status = ?", invoice.ID, invoicedomain.StatusDraft).
			Updates(map[string]any{
				"status":                     invoice.Status,
				"number":                     invoice.Number,
				"sequential_id":              invoice.SequentialID,
				"sequential_month":           invoice.SequentialMonth,
				"organization_sequential_id": invoice.OrganizationSequentialID,
				"prepaid_credits_cents":      invoice.PrepaidCreditsCents,
				"total_cents":                invoice.TotalCents,
				"issuing_date":               invoice.IssuingDate,
				"payment_due_date":           invoice.PaymentDueDate,
				"finalized_at":               invoice.FinalizedAt,
				"updated_at":                 invoice.UpdatedAt,
			}).Error
		if err != nil {
			return err
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID: orgID,
			Type:  events.EventInvoiceFinalized,
			Payload: map[string]any{
				"invoice_id":  invoice.ID.String(),
				"number":      number,
				"total_cents": invoice.TotalCents,
			},
			DedupeKey: "invoice.finalized:" + invoice.ID.String(),
		}); err != nil {
			return err
		}

		out = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// settleCredits turns the planned coupon and credit-note cuts into terminal
// credit rows, and terminates one-shot coupons that were just consumed.
func (s *Service) settleCredits(
	ctx context.Context,
	tx *gorm.DB,
	invoice *invoicedomain.Invoice,
	breakdown *adjustments,
) error {
	for _, cut := range breakdown.couponCuts {
		appliedID := cut.applied.ID
		if err := s.coupons.RecordCredit(ctx, tx, invoice.OrgID, invoice.ID, &appliedID, nil, cut.amount); err != nil {
			return err
		}
		var coupon coupondomain.Coupon
		if err := tx.WithContext(ctx).Where("id = ?", cut.applied.CouponID).First(&coupon).Error; err != nil {
			return err
		}
		if !coupon.Reusable {
			if err := s.coupons.Terminate(ctx, tx, appliedID); err != nil {
				return err
			}
		}
	}
	for _, cut := range breakdown.noteCuts {
		noteID := cut.noteID
		if err := s.coupons.RecordCredit(ctx, tx, invoice.OrgID, invoice.ID, nil, &noteID, cut.amount); err != nil {
			return err
		}
	}
	return nil
}

// Void reverses a finalized invoice with a full credit note. The invoice's
// monetary fields stay frozen; the credit note is what future invoices can
// draw down.
func (s *Service) Void(ctx context.Context, orgID, invoiceID snowflake.ID, reason string) (*invoicedomain.Invoice, error) {
	var out *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.lockInvoice(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status != invoicedomain.StatusFinalized {
			return invoicedomain.ErrInvoiceNotFinalized
		}

		now := s.clock.Now().UTC()
		reversal := invoice.TotalCents + invoice.PrepaidCreditsCents
		if reversal > 0 {
			note := invoicedomain.CreditNote{
				ID:          s.genID.Generate(),
				OrgID:       orgID,
				CustomerID:  invoice.CustomerID,
				InvoiceID:   invoice.ID,
				Reason:      reason,
				AmountCents: reversal,
				Currency:    invoice.Currency,
				CreatedAt:   now,
			}
			if err := tx.WithContext(ctx).Create(&note).Error; err != nil {
				return err
			}
		}

		invoice.Status = invoicedomain.StatusVoided
		invoice.VoidedAt = &now
		invoice.UpdatedAt = now
		err = tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]any{
				"status":     invoice.Status,
				"voided_at":  invoice.VoidedAt,
				"updated_at": invoice.UpdatedAt,
			}).Error
		if err != nil {
			return err
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID: orgID,
			Type:  events.EventInvoiceVoided,
			Payload: map[string]any{
				"invoice_id":   invoice.ID.String(),
				"amount_cents": reversal,
			},
			DedupeKey: "invoice.voided:" + invoice.ID.String(),
		}); err != nil {
			return err
		}
		out = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Regenerate supersedes a finalized invoice with a fresh draft over the same
// period, used to correct a billing mistake without mutating the issued
// document. The old invoice keeps its number and amounts.
func (s *Service) Regenerate(ctx context.Context, orgID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var out *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.lockInvoice(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status != invoicedomain.StatusFinalized {
			return invoicedomain.ErrInvoiceNotFinalized
		}

		now := s.clock.Now().UTC()
		replacement := invoicedomain.Invoice{
			ID:             s.genID.Generate(),
			OrgID:          invoice.OrgID,
			CustomerID:     invoice.CustomerID,
			SubscriptionID: invoice.SubscriptionID,
			InvoiceType:    invoice.InvoiceType,
			Status:         invoicedomain.StatusDraft,
			PaymentStatus:  invoicedomain.PaymentPending,
			Currency:       invoice.Currency,
			PeriodStart:    invoice.PeriodStart,
			PeriodEnd:      invoice.PeriodEnd,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.WithContext(ctx).Create(&replacement).Error; err != nil {
			return err
		}

		if invoice.SubscriptionID != nil {
			var sub subscriptiondomain.Subscription
			if err := tx.WithContext(ctx).Where("id = ?", *invoice.SubscriptionID).First(&sub).Error; err != nil {
				return err
			}
			period := subscriptiondomain.Period{Start: invoice.PeriodStart, End: invoice.PeriodEnd}
			if err := s.refreshDraftLocked(ctx, tx, &replacement, &sub, period); err != nil {
				return err
			}
		}

		err = tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]any{
				"status":                   invoicedomain.StatusRegenerated,
				"superseded_by_invoice_id": replacement.ID,
				"updated_at":               now,
			}).Error
		if err != nil {
			return err
		}
		out = &replacement
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdatePaymentStatus records the payment outcome on a finalized invoice.
func (s *Service) UpdatePaymentStatus(
	ctx context.Context,
	orgID, invoiceID snowflake.ID,
	status invoicedomain.PaymentStatus,
) (*invoicedomain.Invoice, error) {
	switch status {
	case invoicedomain.PaymentPending, invoicedomain.PaymentSucceeded,
		invoicedomain.PaymentFailed, invoicedomain.PaymentDisputed:
	default:
		return nil, invoicedomain.ErrInvalidTransition
	}

	var out *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.lockInvoice(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status != invoicedomain.StatusFinalized {
			return invoicedomain.ErrInvoiceNotFinalized
		}

		now := s.clock.Now().UTC()
		invoice.PaymentStatus = status
		invoice.PaymentStatusUpdatedAt = &now
		invoice.UpdatedAt = now
		err = tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]any{
				"payment_status":            status,
				"payment_status_updated_at": now,
				"updated_at":                now,
			}).Error
		if err != nil {
			return err
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID: orgID,
			Type:  events.EventInvoicePaymentStatus,
			Payload: map[string]any{
				"invoice_id":     invoice.ID.String(),
				"payment_status": string(status),
			},
			DedupeKey: fmt.Sprintf("invoice.payment_status:%s:%s:%d", invoice.ID, status, now.UnixNano()),
		}); err != nil {
			return err
		}
		out = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateProgressiveInvoice drafts an out-of-cycle invoice covering the
// pay-in-advance fees accrued so far in the subscription's current period.
// Used when a wallet usage threshold trips mid-period. The draft is
// idempotent per (subscription, period): tripping a second threshold
// refreshes the same draft.
func (s *Service) CreateProgressiveInvoice(
	ctx context.Context,
	subscriptionID snowflake.ID,
	period subscriptiondomain.Period,
) (*invoicedomain.Invoice, error) {
	var out *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub subscriptiondomain.Subscription
		if err := tx.WithContext(ctx).Where("id = ?", subscriptionID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return err
		}

		invoice, _, err := s.findOrCreateDraft(ctx, tx, &sub, period, invoicedomain.TypeProgressive)
		if err != nil {
			return err
		}
		if invoice.Finalized() {
			out = invoice
			return nil
		}

		err = tx.WithContext(ctx).Model(&feedomain.Fee{}).
			Where("subscription_id = ? AND invoice_id IS NULL AND fee_type = ? AND period_start >= ? AND period_start < ?",
				sub.ID, feedomain.FeeInstant, period.Start, period.End).
			Update("invoice_id", invoice.ID).Error
		if err != nil {
			return err
		}

		if _, err := s.computeAdjustments(ctx, tx, invoice); err != nil {
			return err
		}
		out = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) lockInvoice(ctx context.Context, tx *gorm.DB, orgID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	query := tx.WithContext(ctx)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var invoice invoicedomain.Invoice
	err := query.Where("org_id = ? AND id = ?", orgID, invoiceID).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) lockOrganization(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (*organizationdomain.Organization, error) {
	query := tx.WithContext(ctx)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var org organizationdomain.Organization
	if err := query.Where("id = ?", orgID).First(&org).Error; err != nil {
		return nil, err
	}
	return &org, nil
}
