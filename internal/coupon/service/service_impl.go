package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	coupondomain "github.com/smallbiznis/meterflow/internal/coupon/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("coupon.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Apply freezes a coupon's terms onto the customer.
func (s *Service) Apply(ctx context.Context, orgID, customerID snowflake.ID, code string) (*coupondomain.AppliedCoupon, error) {
	var coupon coupondomain.Coupon
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND code = ? AND deleted_at IS NULL", orgID, code).
		First(&coupon).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coupondomain.ErrCouponNotFound
		}
		return nil, err
	}
	now := s.clock.Now().UTC()
	if coupon.ExpirationAt != nil && now.After(*coupon.ExpirationAt) {
		return nil, coupondomain.ErrCouponExpired
	}
	if !coupon.Reusable {
		var existing int64
		err := s.db.WithContext(ctx).Model(&coupondomain.AppliedCoupon{}).
			Where("coupon_id = ? AND customer_id = ? AND status = ?",
				coupon.ID, customerID, coupondomain.AppliedCouponActive).
			Count(&existing).Error
		if err != nil {
			return nil, err
		}
		if existing > 0 {
			return nil, coupondomain.ErrCouponAlreadyApplied
		}
	}

	applied := coupondomain.AppliedCoupon{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		CouponID:       coupon.ID,
		CustomerID:     customerID,
		CouponType:     coupon.CouponType,
		AmountCents:    coupon.AmountCents,
		PercentageRate: coupon.PercentageRate,
		Status:         coupondomain.AppliedCouponActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&applied).Error; err != nil {
		return nil, err
	}
	return &applied, nil
}

// ActiveForCustomer lists applied coupons in the reduction order the fee
// assembler must preserve: fixed-amount before percentage, then by creation
// order within each kind.
func (s *Service) ActiveForCustomer(ctx context.Context, tx *gorm.DB, customerID snowflake.ID) ([]coupondomain.AppliedCoupon, error) {
	if tx == nil {
		tx = s.db
	}
	var rows []coupondomain.AppliedCoupon
	err := tx.WithContext(ctx).
		Where("customer_id = ? AND status = ?", customerID, coupondomain.AppliedCouponActive).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	ordered := make([]coupondomain.AppliedCoupon, 0, len(rows))
	for _, row := range rows {
		if row.CouponType == coupondomain.CouponFixedAmount {
			ordered = append(ordered, row)
		}
	}
	for _, row := range rows {
		if row.CouponType == coupondomain.CouponPercentage {
			ordered = append(ordered, row)
		}
	}
	return ordered, nil
}

// Reduction computes the coupon's cut of the remaining base, never exceeding
// it.
func Reduction(applied coupondomain.AppliedCoupon, baseCents int64) int64 {
	if baseCents <= 0 {
		return 0
	}
	switch applied.CouponType {
	case coupondomain.CouponFixedAmount:
		if applied.AmountCents == nil {
			return 0
		}
		if *applied.AmountCents > baseCents {
			return baseCents
		}
		return *applied.AmountCents
	case coupondomain.CouponPercentage:
		if applied.PercentageRate == nil {
			return 0
		}
		cut := decimal.NewFromInt(baseCents).
			Mul(*applied.PercentageRate).
			Div(decimal.NewFromInt(100)).
			Round(0).IntPart()
		if cut > baseCents {
			return baseCents
		}
		return cut
	}
	return 0
}

// RecordCredit writes the terminal consumption row for one applied coupon on
// one invoice, inside the caller's transaction.
func (s *Service) RecordCredit(
	ctx context.Context,
	tx *gorm.DB,
	orgID, invoiceID snowflake.ID,
	appliedCouponID *snowflake.ID,
	creditNoteID *snowflake.ID,
	amountCents int64,
) error {
	if amountCents <= 0 {
		return nil
	}
	credit := coupondomain.Credit{
		ID:              s.genID.Generate(),
		OrgID:           orgID,
		InvoiceID:       invoiceID,
		AppliedCouponID: appliedCouponID,
		CreditNoteID:    creditNoteID,
		AmountCents:     amountCents,
		CreatedAt:       s.clock.Now().UTC(),
	}
	return tx.WithContext(ctx).Create(&credit).Error
}

// Terminate marks the applied coupon consumed. Used for one-shot coupons
// once an invoice finalizes with their credit attached.
func (s *Service) Terminate(ctx context.Context, tx *gorm.DB, appliedCouponID snowflake.ID) error {
	if tx == nil {
		tx = s.db
	}
	now := s.clock.Now().UTC()
	return tx.WithContext(ctx).Model(&coupondomain.AppliedCoupon{}).
		Where("id = ? AND status = ?", appliedCouponID, coupondomain.AppliedCouponActive).
		Updates(map[string]any{
			"status":        coupondomain.AppliedCouponTerminated,
			"terminated_at": now,
			"updated_at":    now,
		}).Error
}
