package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/config"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	taxdomain "github.com/smallbiznis/meterflow/internal/tax/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ResolverParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	Provider taxdomain.Provider `optional:"true"`
}

type Resolver struct {
	db  *gorm.DB
	log *zap.Logger

	provider taxdomain.Provider
	timeout  time.Duration
}

func NewResolver(p ResolverParam) *Resolver {
	timeout := time.Duration(p.Config.TaxProviderTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		db:       p.DB,
		log:      p.Log.Named("tax.resolver"),
		provider: p.Provider,
		timeout:  timeout,
	}
}

// ResolveForCustomer returns the applicable rates for a taxable base. An
// external provider, when configured, is authoritative; local rates are only
// consulted when the provider declares itself unavailable (or times out).
// Any other provider error propagates so the caller records the failure
// instead of billing with possibly wrong rates.
func (r *Resolver) ResolveForCustomer(
	ctx context.Context,
	tx *gorm.DB,
	customer *customerdomain.Customer,
	currency string,
	baseCents int64,
) ([]taxdomain.ResolvedRate, error) {
	if r.provider != nil {
		rates, err := r.determine(ctx, customer, currency, baseCents)
		switch {
		case err == nil:
			return rates, nil
		case errors.Is(err, taxdomain.ErrProviderUnavailable):
			r.log.Warn("tax provider unavailable, using local rates",
				zap.String("customer_id", customer.ID.String()),
			)
		default:
			return nil, err
		}
	}
	return r.localRates(ctx, tx, customer)
}

func (r *Resolver) determine(
	ctx context.Context,
	customer *customerdomain.Customer,
	currency string,
	baseCents int64,
) ([]taxdomain.ResolvedRate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rates, err := r.provider.Determine(ctx, taxdomain.DeterminationRequest{
		OrgID:      customer.OrgID,
		CustomerID: customer.ID,
		Currency:   currency,
		TaxCodes:   customer.TaxCodeList(),
		BaseCents:  baseCents,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, taxdomain.ErrProviderUnavailable
		}
		return nil, err
	}
	return rates, nil
}

// localRates resolves configured rates with customer > billing entity >
// organization precedence; the first owner level with any rates wins.
func (r *Resolver) localRates(
	ctx context.Context,
	tx *gorm.DB,
	customer *customerdomain.Customer,
) ([]taxdomain.ResolvedRate, error) {
	if tx == nil {
		tx = r.db
	}

	owners := []struct {
		ownerType taxdomain.OwnerType
		ownerID   snowflake.ID
	}{
		{taxdomain.OwnerCustomer, customer.ID},
	}
	if customer.BillingEntityID != nil {
		owners = append(owners, struct {
			ownerType taxdomain.OwnerType
			ownerID   snowflake.ID
		}{taxdomain.OwnerBillingEntity, *customer.BillingEntityID})
	}
	owners = append(owners, struct {
		ownerType taxdomain.OwnerType
		ownerID   snowflake.ID
	}{taxdomain.OwnerOrganization, customer.OrgID})

	for _, owner := range owners {
		if owner.ownerID == 0 {
			continue
		}
		var rows []taxdomain.TaxRate
		err := tx.WithContext(ctx).
			Where("owner_type = ? AND owner_id = ? AND deleted_at IS NULL", owner.ownerType, owner.ownerID).
			Order("code").
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}
		rates := make([]taxdomain.ResolvedRate, 0, len(rows))
		for _, row := range rows {
			rates = append(rates, taxdomain.ResolvedRate{Code: row.Code, Name: row.Name, Rate: row.Rate})
		}
		return rates, nil
	}
	return nil, nil
}
