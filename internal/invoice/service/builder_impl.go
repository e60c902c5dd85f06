package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	coupondomain "github.com/smallbiznis/meterflow/internal/coupon/domain"
	couponservice "github.com/smallbiznis/meterflow/internal/coupon/service"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	"github.com/smallbiznis/meterflow/internal/events"
	feedomain "github.com/smallbiznis/meterflow/internal/fee/domain"
	feeservice "github.com/smallbiznis/meterflow/internal/fee/service"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/meterflow/internal/tax/domain"
	taxservice "github.com/smallbiznis/meterflow/internal/tax/service"
	walletservice "github.com/smallbiznis/meterflow/internal/wallet/service"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Assembler *feeservice.Assembler
	Coupons   *couponservice.Service
	Taxes     *taxservice.Resolver
	Wallets   *walletservice.Service
	Outbox    *events.Outbox
}

// Service drives the invoice lifecycle: drafting at period close, idempotent
// refresh, finalization with sequential-number allocation, voiding and
// regeneration.
type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	assembler *feeservice.Assembler
	coupons   *couponservice.Service
	taxes     *taxservice.Resolver
	wallets   *walletservice.Service
	outbox    *events.Outbox
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("invoice.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		assembler: p.Assembler,
		coupons:   p.Coupons,
		taxes:     p.Taxes,
		wallets:   p.Wallets,
		outbox:    p.Outbox,
	}
}

// CloseBillingPeriod drafts (or refreshes) the invoice for one subscription
// period. Calling it again for the same period refreshes the existing draft
// instead of stacking a second invoice, so scheduler retries are safe.
func (s *Service) CloseBillingPeriod(
	ctx context.Context,
	subscriptionID snowflake.ID,
	period subscriptiondomain.Period,
) (*invoicedomain.Invoice, error) {
	var out *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub subscriptiondomain.Subscription
		if err := tx.Where("id = ?", subscriptionID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return err
		}

		invoice, created, err := s.findOrCreateDraft(ctx, tx, &sub, period, invoicedomain.TypeSubscription)
		if err != nil {
			return err
		}
		if invoice.Finalized() {
			out = invoice
			return nil
		}
		if err := s.refreshDraftLocked(ctx, tx, invoice, &sub, period); err != nil {
			return err
		}
		if created {
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				OrgID: invoice.OrgID,
				Type:  events.EventInvoiceDrafted,
				Payload: map[string]any{
					"invoice_id":      invoice.ID.String(),
					"subscription_id": subscriptionID.String(),
				},
				DedupeKey: "invoice.drafted:" + invoice.ID.String(),
			}); err != nil {
				return err
			}
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID: invoice.OrgID,
			Type:  events.EventBillingPeriodClosed,
			Payload: map[string]any{
				"subscription_id": subscriptionID.String(),
				"period_start":    period.Start.Format(time.RFC3339),
				"period_end":      period.End.Format(time.RFC3339),
			},
			DedupeKey: "billing_period.closed:" + subscriptionID.String() + ":" + period.Start.Format("20060102"),
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

func (s *Service) findOrCreateDraft(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	period subscriptiondomain.Period,
	invoiceType invoicedomain.InvoiceType,
) (*invoicedomain.Invoice, bool, error) {
	query := tx.WithContext(ctx)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var existing invoicedomain.Invoice
	err := query.
		Where("subscription_id = ? AND period_start = ? AND invoice_type = ? AND status IN ?",
			sub.ID, period.Start, invoiceType,
			[]invoicedomain.Status{invoicedomain.StatusDraft, invoicedomain.StatusFinalized}).
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	var plan struct{ Currency string }
	if err := tx.WithContext(ctx).Table("plans").Select("currency").
		Where("id = ?", sub.PlanID).Scan(&plan).Error; err != nil {
		return nil, false, err
	}

	now := s.clock.Now().UTC()
	invoice := invoicedomain.Invoice{
		ID:             s.genID.Generate(),
		OrgID:          sub.OrgID,
		CustomerID:     sub.CustomerID,
		SubscriptionID: &sub.ID,
		InvoiceType:    invoiceType,
		Status:         invoicedomain.StatusDraft,
		PaymentStatus:  invoicedomain.PaymentPending,
		Currency:       plan.Currency,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(&invoice).Error; err != nil {
		return nil, false, err
	}
	return &invoice, true, nil
}

// refreshDraftLocked replaces the draft's fee set and recomputes the
// adjustment chain. Per-charge failures become billing-error rows; the
// invoice stays in draft and cannot finalize until they are resolved.
func (s *Service) refreshDraftLocked(
	ctx context.Context,
	tx *gorm.DB,
	invoice *invoicedomain.Invoice,
	sub *subscriptiondomain.Subscription,
	period subscriptiondomain.Period,
) error {
	fees, chargeErrors, err := s.assembler.AssembleForSubscription(ctx, tx, sub, period)
	if err != nil {
		return err
	}

	// Replace, never append: a refresh drops the prior computation wholesale.
	if err := tx.WithContext(ctx).
		Where("invoice_id = ?", invoice.ID).
		Delete(&feedomain.Fee{}).Error; err != nil {
		return err
	}
	if err := tx.WithContext(ctx).
		Where("invoice_id = ? AND resolved_at IS NULL", invoice.ID).
		Delete(&subscriptiondomain.BillingError{}).Error; err != nil {
		return err
	}

	for i := range fees {
		fees[i].InvoiceID = &invoice.ID
		if err := tx.WithContext(ctx).Create(&fees[i]).Error; err != nil {
			return err
		}
	}

	// Pay-in-advance and one-off fees accrued during the period ride along
	// on the period-close invoice.
	if err := tx.WithContext(ctx).Model(&feedomain.Fee{}).
		Where("subscription_id = ? AND invoice_id IS NULL AND fee_type IN ? AND period_start >= ? AND period_start < ?",
			sub.ID, []feedomain.FeeType{feedomain.FeeInstant, feedomain.FeeOneOff}, period.Start, period.End).
		Update("invoice_id", invoice.ID).Error; err != nil {
		return err
	}

	for _, chargeErr := range chargeErrors {
		record := subscriptiondomain.BillingError{
			ID:             s.genID.Generate(),
			OrgID:          sub.OrgID,
			SubscriptionID: sub.ID,
			InvoiceID:      &invoice.ID,
			PeriodStart:    period.Start,
			PeriodEnd:      period.End,
			Code:           chargeErr.Code,
			Detail:         chargeErr.Detail,
			CreatedAt:      s.clock.Now().UTC(),
		}
		if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
			return err
		}
	}

	_, err = s.computeAdjustments(ctx, tx, invoice)
	return err
}

// couponCut is one planned coupon reduction.
type couponCut struct {
	applied coupondomain.AppliedCoupon
	amount  int64
}

// noteCut is one planned credit-note consumption.
type noteCut struct {
	noteID snowflake.ID
	amount int64
}

// adjustments is the outcome of one pass over the adjustment chain. Draft
// refresh only persists the totals; finalization also turns the cuts into
// terminal credit rows.
type adjustments struct {
	couponCuts []couponCut
	noteCuts   []noteCut
}

// computeAdjustments runs the deterministic adjustment chain over the
// invoice's current fees: coupon reductions (fixed first, then percentage),
// credit-note applications, then tax on the post-discount base. Prepaid
// wallet consumption is deferred to finalization because a debit is not
// replayable.
func (s *Service) computeAdjustments(
	ctx context.Context,
	tx *gorm.DB,
	invoice *invoicedomain.Invoice,
) (*adjustments, error) {
	var fees []feedomain.Fee
	if err := tx.WithContext(ctx).
		Where("invoice_id = ?", invoice.ID).
		Order("id").
		Find(&fees).Error; err != nil {
		return nil, err
	}

	var feesTotal int64
	for _, fee := range fees {
		feesTotal += fee.AmountCents
	}

	remaining := feesTotal
	result := &adjustments{}

	applied, err := s.coupons.ActiveForCustomer(ctx, tx, invoice.CustomerID)
	if err != nil {
		return nil, err
	}
	var couponsTotal int64
	for _, coupon := range applied {
		cut := couponservice.Reduction(coupon, remaining)
		if cut > 0 {
			result.couponCuts = append(result.couponCuts, couponCut{applied: coupon, amount: cut})
		}
		couponsTotal += cut
		remaining -= cut
	}

	notes, err := s.creditNoteBalances(ctx, tx, invoice)
	if err != nil {
		return nil, err
	}
	var creditsTotal int64
	for _, note := range notes {
		if remaining <= 0 {
			break
		}
		cut := note.amount
		if cut > remaining {
			cut = remaining
		}
		result.noteCuts = append(result.noteCuts, noteCut{noteID: note.noteID, amount: cut})
		creditsTotal += cut
		remaining -= cut
	}

	var customer customerdomain.Customer
	if err := tx.WithContext(ctx).Where("id = ?", invoice.CustomerID).First(&customer).Error; err != nil {
		return nil, err
	}
	rates, err := s.taxes.ResolveForCustomer(ctx, tx, &customer, invoice.Currency, remaining)
	if err != nil {
		return nil, err
	}
	taxesTotal, err := s.applyFeeTaxes(ctx, tx, fees, feesTotal, remaining, rates)
	if err != nil {
		return nil, err
	}

	invoice.FeesAmountCents = feesTotal
	invoice.CouponsAmountCents = couponsTotal
	invoice.CreditsAmountCents = creditsTotal
	invoice.TaxesAmountCents = taxesTotal
	invoice.TotalCents = remaining + taxesTotal
	invoice.UpdatedAt = s.clock.Now().UTC()

	err = tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]any{
			"fees_amount_cents":    invoice.FeesAmountCents,
			"coupons_amount_cents": invoice.CouponsAmountCents,
			"credits_amount_cents": invoice.CreditsAmountCents,
			"taxes_amount_cents":   invoice.TaxesAmountCents,
			"total_cents":          invoice.TotalCents,
			"updated_at":           invoice.UpdatedAt,
		}).Error
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyFeeTaxes distributes the post-discount base across fees pro rata and
// writes the per-fee tax breakdown, replacing any prior rows.
func (s *Service) applyFeeTaxes(
	ctx context.Context,
	tx *gorm.DB,
	fees []feedomain.Fee,
	feesTotal, taxableBase int64,
	rates []taxdomain.ResolvedRate,
) (int64, error) {
	feeIDs := make([]snowflake.ID, 0, len(fees))
	for _, fee := range fees {
		feeIDs = append(feeIDs, fee.ID)
	}
	if len(feeIDs) > 0 {
		if err := tx.WithContext(ctx).
			Where("fee_id IN ?", feeIDs).
			Delete(&taxdomain.AppliedTax{}).Error; err != nil {
			return 0, err
		}
	}

	if feesTotal <= 0 || len(rates) == 0 {
		return 0, nil
	}

	var taxesTotal int64
	now := s.clock.Now().UTC()
	for i := range fees {
		fee := &fees[i]
		share := decimal.NewFromInt(fee.AmountCents).
			Mul(decimal.NewFromInt(taxableBase)).
			Div(decimal.NewFromInt(feesTotal)).
			Round(0).IntPart()

		var feeTax int64
		for _, rate := range rates {
			amount := decimal.NewFromInt(share).
				Mul(rate.Rate).
				Div(decimal.NewFromInt(100)).
				Round(0).IntPart()
			feeTax += amount
			if err := tx.WithContext(ctx).Create(&taxdomain.AppliedTax{
				ID:          s.genID.Generate(),
				OrgID:       fee.OrgID,
				FeeID:       fee.ID,
				TaxCode:     rate.Code,
				Rate:        rate.Rate,
				BaseCents:   share,
				AmountCents: amount,
				CreatedAt:   now,
			}).Error; err != nil {
				return 0, err
			}
		}

		if err := tx.WithContext(ctx).Model(&feedomain.Fee{}).
			Where("id = ?", fee.ID).
			Updates(map[string]any{
				"tax_amount_cents": feeTax,
				"total_cents":      fee.AmountCents + feeTax,
				"updated_at":       now,
			}).Error; err != nil {
			return 0, err
		}
		taxesTotal += feeTax
	}
	return taxesTotal, nil
}

// creditNoteBalances returns the customer's credit notes with their unspent
// remainder, oldest first. Consumption already recorded on other invoices
// counts against a note; consumption recorded for this invoice does not, so
// refreshing a draft stays idempotent.
func (s *Service) creditNoteBalances(
	ctx context.Context,
	tx *gorm.DB,
	invoice *invoicedomain.Invoice,
) ([]noteCut, error) {
	var notes []invoicedomain.CreditNote
	err := tx.WithContext(ctx).
		Where("customer_id = ?", invoice.CustomerID).
		Order("created_at, id").
		Find(&notes).Error
	if err != nil || len(notes) == 0 {
		return nil, err
	}

	noteIDs := make([]snowflake.ID, 0, len(notes))
	for _, note := range notes {
		noteIDs = append(noteIDs, note.ID)
	}
	type consumedRow struct {
		CreditNoteID snowflake.ID
		Total        int64
	}
	var consumed []consumedRow
	err = tx.WithContext(ctx).Model(&coupondomain.Credit{}).
		Select("credit_note_id, COALESCE(SUM(amount_cents), 0) AS total").
		Where("credit_note_id IN ? AND invoice_id <> ?", noteIDs, invoice.ID).
		Group("credit_note_id").
		Scan(&consumed).Error
	if err != nil {
		return nil, err
	}
	spent := make(map[snowflake.ID]int64, len(consumed))
	for _, row := range consumed {
		spent[row.CreditNoteID] = row.Total
	}

	balances := make([]noteCut, 0, len(notes))
	for _, note := range notes {
		remaining := note.AmountCents - spent[note.ID]
		if remaining > 0 {
			balances = append(balances, noteCut{noteID: note.ID, amount: remaining})
		}
	}
	return balances, nil
}

// Get returns one invoice scoped to the organization.
func (s *Service) Get(ctx context.Context, orgID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, invoiceID).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

// ListRequest filters List.
type ListRequest struct {
	OrgID      snowflake.ID
	CustomerID *snowflake.ID
	Status     *invoicedomain.Status
	Limit      int
}

// List returns invoices newest first.
func (s *Service) List(ctx context.Context, req ListRequest) ([]invoicedomain.Invoice, error) {
	query := s.db.WithContext(ctx).Where("org_id = ?", req.OrgID)
	if req.CustomerID != nil {
		query = query.Where("customer_id = ?", *req.CustomerID)
	}
	if req.Status != nil {
		query = query.Where("status = ?", *req.Status)
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var invoices []invoicedomain.Invoice
	err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&invoices).Error
	return invoices, err
}

// ResolveBillingErrors marks the invoice's open billing errors resolved so a
// subsequent refresh and finalize can proceed.
func (s *Service) ResolveBillingErrors(ctx context.Context, invoiceID snowflake.ID) error {
	now := s.clock.Now().UTC()
	return s.db.WithContext(ctx).Model(&subscriptiondomain.BillingError{}).
		Where("invoice_id = ? AND resolved_at IS NULL", invoiceID).
		Update("resolved_at", now).Error
}

// Fees returns the invoice's line items.
func (s *Service) Fees(ctx context.Context, invoiceID snowflake.ID) ([]feedomain.Fee, error) {
	var fees []feedomain.Fee
	err := s.db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("id").
		Find(&fees).Error
	return fees, err
}
