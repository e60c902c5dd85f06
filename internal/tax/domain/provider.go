package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// DeterminationRequest describes the taxable context sent to an external
// determination service.
type DeterminationRequest struct {
	OrgID      snowflake.ID
	CustomerID snowflake.ID
	Currency   string
	TaxCodes   []string
	BaseCents  int64
}

// Provider is the external tax determination collaborator. A provider that
// cannot answer must return ErrProviderUnavailable explicitly; any other
// error is treated as an authoritative rejection, never silently replaced by
// local rates.
type Provider interface {
	Determine(ctx context.Context, req DeterminationRequest) ([]ResolvedRate, error)
}
