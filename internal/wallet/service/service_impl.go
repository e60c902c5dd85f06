package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/events"
	idempotencydomain "github.com/smallbiznis/meterflow/internal/idempotency/domain"
	walletdomain "github.com/smallbiznis/meterflow/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxRetries bounds the optimistic-concurrency retry loop on balance
// mutations.
const maxRetries = 5

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Outbox      *events.Outbox
	Idempotency idempotencydomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	outbox      *events.Outbox
	idempotency idempotencydomain.Service
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("wallet.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		outbox:      p.Outbox,
		idempotency: p.Idempotency,
	}
}

type CreateWalletRequest struct {
	OrgID      snowflake.ID
	CustomerID snowflake.ID
	Name       string
	Currency   string
	Priority   int
	Traceable  bool
}

func (s *Service) Create(ctx context.Context, req CreateWalletRequest) (*walletdomain.Wallet, error) {
	if req.OrgID == 0 || req.CustomerID == 0 || req.Currency == "" {
		return nil, walletdomain.ErrInvalidAmount
	}
	now := s.clock.Now().UTC()
	wallet := walletdomain.Wallet{
		ID:         s.genID.Generate(),
		OrgID:      req.OrgID,
		CustomerID: req.CustomerID,
		Name:       req.Name,
		Currency:   req.Currency,
		Status:     walletdomain.WalletActive,
		Priority:   req.Priority,
		Traceable:  req.Traceable,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

// Get returns the wallet scoped to its organization.
func (s *Service) Get(ctx context.Context, orgID, walletID snowflake.ID) (*walletdomain.Wallet, error) {
	var wallet walletdomain.Wallet
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, walletID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, walletdomain.ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// Credit tops the wallet up. The balance update is guarded by the lock
// version: a concurrent writer forces a re-read and retry instead of a lost
// update.
func (s *Service) Credit(ctx context.Context, walletID snowflake.ID, amountCents int64, source string) (*walletdomain.Wallet, error) {
	if amountCents <= 0 {
		return nil, walletdomain.ErrInvalidAmount
	}
	return s.mutate(ctx, walletID, func(w *walletdomain.Wallet) (walletdomain.WalletTransaction, error) {
		w.BalanceCents += amountCents
		w.CreditsBalance += amountCents
		return walletdomain.WalletTransaction{
			Kind:        walletdomain.TransactionCredit,
			Source:      source,
			AmountCents: amountCents,
		}, nil
	})
}

// Debit consumes balance against a fee. Traceable wallets reject debits
// that would push the balance negative; non-traceable wallets absorb them.
func (s *Service) Debit(ctx context.Context, walletID snowflake.ID, amountCents int64, feeID, invoiceID *snowflake.ID) (*walletdomain.Wallet, error) {
	if amountCents <= 0 {
		return nil, walletdomain.ErrInvalidAmount
	}
	return s.mutate(ctx, walletID, func(w *walletdomain.Wallet) (walletdomain.WalletTransaction, error) {
		if w.Traceable && w.BalanceCents < amountCents {
			return walletdomain.WalletTransaction{}, walletdomain.ErrInsufficientBalance
		}
		w.BalanceCents -= amountCents
		return walletdomain.WalletTransaction{
			Kind:        walletdomain.TransactionDebit,
			Source:      "fee_consumption",
			AmountCents: -amountCents,
			FeeID:       feeID,
			InvoiceID:   invoiceID,
		}, nil
	})
}

func (s *Service) mutate(
	ctx context.Context,
	walletID snowflake.ID,
	apply func(*walletdomain.Wallet) (walletdomain.WalletTransaction, error),
) (*walletdomain.Wallet, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		var wallet walletdomain.Wallet
		err := s.db.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, walletdomain.ErrWalletNotFound
			}
			return nil, err
		}
		if wallet.Status != walletdomain.WalletActive {
			return nil, walletdomain.ErrWalletTerminated
		}

		priorVersion := wallet.LockVersion
		trx, err := apply(&wallet)
		if err != nil {
			return nil, err
		}
		wallet.LockVersion = priorVersion + 1
		wallet.UpdatedAt = s.clock.Now().UTC()

		trx.ID = s.genID.Generate()
		trx.OrgID = wallet.OrgID
		trx.WalletID = wallet.ID
		trx.CreatedAt = wallet.UpdatedAt

		var conflicted bool
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&walletdomain.Wallet{}).
				Where("id = ? AND lock_version = ?", wallet.ID, priorVersion).
				Updates(map[string]any{
					"balance_cents":   wallet.BalanceCents,
					"credits_balance": wallet.CreditsBalance,
					"lock_version":    wallet.LockVersion,
					"updated_at":      wallet.UpdatedAt,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				conflicted = true
				return nil
			}
			return tx.Create(&trx).Error
		})
		if err != nil {
			return nil, err
		}
		if conflicted {
			continue
		}
		return &wallet, nil
	}
	return nil, walletdomain.ErrConcurrentUpdate
}

// DebitAcrossWallets consumes up to amountCents from the customer's active
// wallets, ordered by ascending priority then creation order. Returns the
// amount actually consumed; the remainder stays owed on the invoice.
func (s *Service) DebitAcrossWallets(
	ctx context.Context,
	orgID, customerID snowflake.ID,
	currency string,
	amountCents int64,
	feeID, invoiceID *snowflake.ID,
) (int64, error) {
	if amountCents <= 0 {
		return 0, nil
	}
	var wallets []walletdomain.Wallet
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ? AND currency = ? AND status = ?",
			orgID, customerID, currency, walletdomain.WalletActive).
		Order("priority, created_at, id").
		Find(&wallets).Error
	if err != nil {
		return 0, err
	}

	var consumed int64
	for i := range wallets {
		remaining := amountCents - consumed
		if remaining <= 0 {
			break
		}
		// Settlement only draws down what is actually there; overdraft is a
		// direct-debit concern, not a billing one.
		take := remaining
		if wallets[i].BalanceCents < take {
			take = wallets[i].BalanceCents
		}
		if take <= 0 {
			continue
		}
		if _, err := s.Debit(ctx, wallets[i].ID, take, feeID, invoiceID); err != nil {
			if err == walletdomain.ErrInsufficientBalance {
				// Balance moved under us; the next wallet picks up the rest.
				continue
			}
			return consumed, err
		}
		consumed += take
	}
	return consumed, nil
}

// DebitAcrossWalletsTx is the consumption path for invoice finalization: it
// runs entirely inside the caller's transaction so the debits commit or roll
// back atomically with the invoice. Wallet rows are taken under row locks,
// with the lock version bumped so optimistic writers outside the transaction
// still retry.
func (s *Service) DebitAcrossWalletsTx(
	ctx context.Context,
	tx *gorm.DB,
	orgID, customerID snowflake.ID,
	currency string,
	amountCents int64,
	invoiceID *snowflake.ID,
) (int64, error) {
	if amountCents <= 0 {
		return 0, nil
	}
	query := tx.WithContext(ctx)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var wallets []walletdomain.Wallet
	err := query.
		Where("org_id = ? AND customer_id = ? AND currency = ? AND status = ?",
			orgID, customerID, currency, walletdomain.WalletActive).
		Order("priority, created_at, id").
		Find(&wallets).Error
	if err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()
	var consumed int64
	for i := range wallets {
		remaining := amountCents - consumed
		if remaining <= 0 {
			break
		}
		take := remaining
		if wallets[i].BalanceCents < take {
			take = wallets[i].BalanceCents
		}
		if take <= 0 {
			continue
		}

		result := tx.WithContext(ctx).Model(&walletdomain.Wallet{}).
			Where("id = ? AND lock_version = ?", wallets[i].ID, wallets[i].LockVersion).
			Updates(map[string]any{
				"balance_cents": wallets[i].BalanceCents - take,
				"lock_version":  wallets[i].LockVersion + 1,
				"updated_at":    now,
			})
		if result.Error != nil {
			return consumed, result.Error
		}
		if result.RowsAffected == 0 {
			return consumed, walletdomain.ErrConcurrentUpdate
		}
		trx := walletdomain.WalletTransaction{
			ID:          s.genID.Generate(),
			OrgID:       orgID,
			WalletID:    wallets[i].ID,
			Kind:        walletdomain.TransactionDebit,
			Source:      "invoice_finalization",
			AmountCents: -take,
			InvoiceID:   invoiceID,
			CreatedAt:   now,
		}
		if err := tx.WithContext(ctx).Create(&trx).Error; err != nil {
			return consumed, err
		}
		consumed += take
	}
	return consumed, nil
}

// ProcessRecurringRules fires due top-up rules. Each firing admits an
// idempotency key scoped to the rule and window, so a retried scheduler
// tick is a no-op.
func (s *Service) ProcessRecurringRules(ctx context.Context, orgID snowflake.ID) (int, error) {
	var rules []walletdomain.RecurringRule
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND deleted_at IS NULL", orgID).
		Order("id").
		Find(&rules).Error
	if err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()
	fired := 0
	for i := range rules {
		rule := &rules[i]
		due, window := s.ruleDue(ctx, rule, now)
		if !due {
			continue
		}

		key := fmt.Sprintf("%s:%s", rule.ID.String(), window)
		credited := false
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			admission, err := s.idempotency.Admit(ctx, tx, orgID, "wallet_top_up", rule.WalletID.String(), key)
			if err != nil {
				return err
			}
			if admission.Outcome == idempotencydomain.OutcomeDuplicate {
				return nil
			}
			// The credit commits atomically with the marker: a failure
			// anywhere in the firing rolls the whole window back, so the
			// next tick retries instead of losing the top-up behind a
			// succeeded key.
			if err := s.creditTx(ctx, tx, rule.WalletID, rule.TopUpCents, "recurring_rule:"+rule.ID.String()); err != nil {
				return err
			}
			if err := tx.Model(&walletdomain.RecurringRule{}).
				Where("id = ?", rule.ID).
				Updates(map[string]any{"last_fired_at": now, "updated_at": now}).Error; err != nil {
				return err
			}
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				OrgID: orgID,
				Type:  events.EventWalletToppedUp,
				Payload: map[string]any{
					"wallet_id":    rule.WalletID.String(),
					"rule_id":      rule.ID.String(),
					"amount_cents": rule.TopUpCents,
				},
				DedupeKey: "wallet.topped_up:" + key,
			}); err != nil {
				return err
			}
			if err := s.idempotency.MarkSucceeded(ctx, tx, admission.KeyHash, rule.WalletID, map[string]any{
				"top_up_cents": rule.TopUpCents,
			}); err != nil {
				return err
			}
			credited = true
			return nil
		})
		if err != nil {
			return fired, err
		}
		if credited {
			fired++
		}
	}
	return fired, nil
}

// creditTx applies a top-up inside the caller's transaction. The single
// version-fenced update means a concurrent balance writer rolls the whole
// firing back; the caller's next tick re-admits the window and retries.
func (s *Service) creditTx(ctx context.Context, tx *gorm.DB, walletID snowflake.ID, amountCents int64, source string) error {
	if amountCents <= 0 {
		return walletdomain.ErrInvalidAmount
	}
	var wallet walletdomain.Wallet
	if err := tx.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return walletdomain.ErrWalletNotFound
		}
		return err
	}
	if wallet.Status != walletdomain.WalletActive {
		return walletdomain.ErrWalletTerminated
	}

	now := s.clock.Now().UTC()
	result := tx.WithContext(ctx).Model(&walletdomain.Wallet{}).
		Where("id = ? AND lock_version = ?", wallet.ID, wallet.LockVersion).
		Updates(map[string]any{
			"balance_cents":   wallet.BalanceCents + amountCents,
			"credits_balance": wallet.CreditsBalance + amountCents,
			"lock_version":    wallet.LockVersion + 1,
			"updated_at":      now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return walletdomain.ErrConcurrentUpdate
	}
	trx := walletdomain.WalletTransaction{
		ID:          s.genID.Generate(),
		OrgID:       wallet.OrgID,
		WalletID:    wallet.ID,
		Kind:        walletdomain.TransactionCredit,
		Source:      source,
		AmountCents: amountCents,
		CreatedAt:   now,
	}
	return tx.WithContext(ctx).Create(&trx).Error
}

func (s *Service) ruleDue(ctx context.Context, rule *walletdomain.RecurringRule, now time.Time) (bool, string) {
	switch rule.Kind {
	case walletdomain.RuleThreshold:
		if rule.ThresholdCents == nil {
			return false, ""
		}
		var wallet walletdomain.Wallet
		if err := s.db.WithContext(ctx).Where("id = ?", rule.WalletID).First(&wallet).Error; err != nil {
			return false, ""
		}
		if wallet.BalanceCents >= *rule.ThresholdCents {
			return false, ""
		}
		// One firing per observed lock version: the balance must change
		// before the rule can fire again.
		return true, fmt.Sprintf("threshold:%d", wallet.LockVersion)
	case walletdomain.RuleInterval:
		if rule.IntervalDays == nil || *rule.IntervalDays <= 0 {
			return false, ""
		}
		if rule.LastFiredAt != nil && now.Sub(*rule.LastFiredAt) < time.Duration(*rule.IntervalDays)*24*time.Hour {
			return false, ""
		}
		return true, "interval:" + now.Format("2006-01-02")
	}
	return false, ""
}

// CheckUsageThresholds emits a threshold-crossed event for each configured
// threshold newly passed by the period's accrued usage. The invoice builder
// listens for these to raise progressive-billing invoices.
func (s *Service) CheckUsageThresholds(ctx context.Context, orgID, walletID snowflake.ID, ongoingUsageCents int64) error {
	var thresholds []walletdomain.UsageThreshold
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND wallet_id = ? AND deleted_at IS NULL", orgID, walletID).
		Order("amount_cents").
		Find(&thresholds).Error
	if err != nil {
		return err
	}

	var wallet walletdomain.Wallet
	if err := s.db.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error; err != nil {
		return err
	}
	prior := wallet.OngoingUsageCents

	for _, threshold := range thresholds {
		if prior < threshold.AmountCents && ongoingUsageCents >= threshold.AmountCents {
			if err := s.outbox.Publish(ctx, events.Event{
				OrgID: orgID,
				Type:  events.EventWalletThresholdCrossed,
				Payload: map[string]any{
					"wallet_id":       walletID.String(),
					"threshold_id":    threshold.ID.String(),
					"threshold_cents": threshold.AmountCents,
					"usage_cents":     ongoingUsageCents,
				},
				DedupeKey: fmt.Sprintf("wallet.threshold_crossed:%s:%d", threshold.ID.String(), threshold.AmountCents),
			}); err != nil {
				return err
			}
		}
	}

	return s.db.WithContext(ctx).Model(&walletdomain.Wallet{}).
		Where("id = ?", walletID).
		Update("ongoing_usage_cents", ongoingUsageCents).Error
}

// Terminate closes the wallet; remaining balance stays queryable on the
// ledger but is no longer consumable.
func (s *Service) Terminate(ctx context.Context, walletID snowflake.ID) error {
	now := s.clock.Now().UTC()
	result := s.db.WithContext(ctx).Model(&walletdomain.Wallet{}).
		Where("id = ? AND status = ?", walletID, walletdomain.WalletActive).
		Updates(map[string]any{
			"status":        walletdomain.WalletTerminated,
			"terminated_at": now,
			"updated_at":    now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return walletdomain.ErrWalletNotFound
	}
	return nil
}
