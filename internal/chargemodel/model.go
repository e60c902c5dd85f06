// Package chargemodel evaluates charge pricing models. Evaluation is pure:
// given a model configuration and an aggregate it returns an amount in cents
// as an arbitrary-precision decimal. Rounding to the currency minor unit is
// the fee assembler's job, never done here.
package chargemodel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Model is the closed set of supported pricing models.
type Model string

const (
	ModelStandard             Model = "standard"
	ModelPackage              Model = "package"
	ModelGraduated            Model = "graduated"
	ModelVolume               Model = "volume"
	ModelPercentage           Model = "percentage"
	ModelGraduatedPercentage  Model = "graduated_percentage"
)

var (
	ErrUnknownModel      = errors.New("unknown_charge_model")
	ErrInvalidProperties = errors.New("invalid_charge_properties")
)

// Properties is the tagged configuration payload. Exactly one member is set,
// matching Model.
type Properties struct {
	Standard            *StandardProperties
	Package             *PackageProperties
	Graduated           *GraduatedProperties
	Volume              *VolumeProperties
	Percentage          *PercentageProperties
	GraduatedPercentage *GraduatedPercentageProperties
}

// StandardProperties prices every unit at a flat rate.
type StandardProperties struct {
	AmountCents decimal.Decimal `json:"amount_cents"`
}

// PackageProperties prices usage in whole packages of Size units.
type PackageProperties struct {
	AmountCents decimal.Decimal `json:"amount_cents"`
	Size        int64           `json:"package_size"`
	FreeUnits   decimal.Decimal `json:"free_units"`
}

// GraduatedTier is one slice of a graduated schedule. ToValue nil means
// unbounded; tiers are ordered and non-overlapping.
type GraduatedTier struct {
	FromValue           int64           `json:"from_value"`
	ToValue             *int64          `json:"to_value"`
	PerUnitAmountCents  decimal.Decimal `json:"per_unit_amount_cents"`
	FlatAmountCents     decimal.Decimal `json:"flat_amount_cents"`
}

// GraduatedProperties allocates quantity across tiers, each billed at its own
// per-unit price.
type GraduatedProperties struct {
	Tiers []GraduatedTier `json:"graduated_ranges"`
}

// VolumeProperties bills the entire quantity at the single tier matching the
// total.
type VolumeProperties struct {
	Tiers []GraduatedTier `json:"volume_ranges"`
}

// PercentageProperties bills a percentage of the summed event values.
// Rate is in percent (1.5 means 1.5%). FreeUnits is subtracted from the
// summed value before the rate applies. FixedAmountCents is charged per
// event. PerEventMinCents/PerEventMaxCents floor/cap each event's computed
// amount when per-event values are available.
type PercentageProperties struct {
	Rate             decimal.Decimal  `json:"rate"`
	FixedAmountCents decimal.Decimal  `json:"fixed_amount_cents"`
	FreeUnits        decimal.Decimal  `json:"free_units"`
	PerEventMinCents *decimal.Decimal `json:"per_transaction_min_cents"`
	PerEventMaxCents *decimal.Decimal `json:"per_transaction_max_cents"`
}

// GraduatedPercentageTier applies a rate to the slice of cumulative summed
// value between FromValue and ToValue.
type GraduatedPercentageTier struct {
	FromValue       int64           `json:"from_value"`
	ToValue         *int64          `json:"to_value"`
	Rate            decimal.Decimal `json:"rate"`
	FlatAmountCents decimal.Decimal `json:"flat_amount_cents"`
}

// GraduatedPercentageProperties applies percentage tiers keyed by cumulative
// summed value rather than count.
type GraduatedPercentageProperties struct {
	Tiers []GraduatedPercentageTier `json:"graduated_percentage_ranges"`
}

// ValidModel reports whether m is a known pricing model.
func ValidModel(m Model) bool {
	switch m {
	case ModelStandard, ModelPackage, ModelGraduated, ModelVolume,
		ModelPercentage, ModelGraduatedPercentage:
		return true
	}
	return false
}

// ParseProperties decodes and validates the raw JSON payload for a model.
func ParseProperties(model Model, raw []byte) (Properties, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var props Properties
	switch model {
	case ModelStandard:
		var p StandardProperties
		if err := json.Unmarshal(raw, &p); err != nil {
			return props, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
		}
		props.Standard = &p
	case ModelPackage:
		var p PackageProperties
		if err := json.Unmarshal(raw, &p); err != nil {
			return props, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
		}
		props.Package = &p
	case ModelGraduated:
		var p GraduatedProperties
		if err := json.Unmarshal(raw, &p); err != nil {
			return props, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
		}
		props.Graduated = &p
	case ModelVolume:
		var p VolumeProperties
		if err := json.Unmarshal(raw, &p); err != nil {
			return props, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
		}
		props.Volume = &p
	case ModelPercentage:
		var p PercentageProperties
		if err := json.Unmarshal(raw, &p); err != nil {
			return props, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
		}
		props.Percentage = &p
	case ModelGraduatedPercentage:
		var p GraduatedPercentageProperties
		if err := json.Unmarshal(raw, &p); err != nil {
			return props, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
		}
		props.GraduatedPercentage = &p
	default:
		return props, ErrUnknownModel
	}

	if err := props.Validate(model); err != nil {
		return Properties{}, err
	}
	return props, nil
}

// Validate checks model-specific invariants on the payload.
func (p Properties) Validate(model Model) error {
	switch model {
	case ModelStandard:
		if p.Standard == nil || p.Standard.AmountCents.IsNegative() {
			return ErrInvalidProperties
		}
	case ModelPackage:
		if p.Package == nil || p.Package.Size <= 0 || p.Package.AmountCents.IsNegative() || p.Package.FreeUnits.IsNegative() {
			return ErrInvalidProperties
		}
	case ModelGraduated:
		if p.Graduated == nil {
			return ErrInvalidProperties
		}
		return validateGraduatedTiers(p.Graduated.Tiers)
	case ModelVolume:
		if p.Volume == nil {
			return ErrInvalidProperties
		}
		return validateGraduatedTiers(p.Volume.Tiers)
	case ModelPercentage:
		if p.Percentage == nil || p.Percentage.Rate.IsNegative() || p.Percentage.FreeUnits.IsNegative() {
			return ErrInvalidProperties
		}
		if p.Percentage.PerEventMinCents != nil && p.Percentage.PerEventMaxCents != nil &&
			p.Percentage.PerEventMinCents.GreaterThan(*p.Percentage.PerEventMaxCents) {
			return ErrInvalidProperties
		}
	case ModelGraduatedPercentage:
		if p.GraduatedPercentage == nil {
			return ErrInvalidProperties
		}
		return validatePercentageTiers(p.GraduatedPercentage.Tiers)
	default:
		return ErrUnknownModel
	}
	return nil
}

func validateGraduatedTiers(tiers []GraduatedTier) error {
	if len(tiers) == 0 {
		return ErrInvalidProperties
	}
	for i, tier := range tiers {
		if tier.PerUnitAmountCents.IsNegative() || tier.FlatAmountCents.IsNegative() {
			return ErrInvalidProperties
		}
		if i == 0 {
			if tier.FromValue != 0 {
				return ErrInvalidProperties
			}
		} else {
			prev := tiers[i-1]
			if prev.ToValue == nil || tier.FromValue != *prev.ToValue+1 {
				return ErrInvalidProperties
			}
		}
		if tier.ToValue != nil && *tier.ToValue < tier.FromValue {
			return ErrInvalidProperties
		}
	}
	// The last tier must be unbounded so the schedule covers any quantity.
	if tiers[len(tiers)-1].ToValue != nil {
		return ErrInvalidProperties
	}
	return nil
}

func validatePercentageTiers(tiers []GraduatedPercentageTier) error {
	if len(tiers) == 0 {
		return ErrInvalidProperties
	}
	for i, tier := range tiers {
		if tier.Rate.IsNegative() || tier.FlatAmountCents.IsNegative() {
			return ErrInvalidProperties
		}
		if i == 0 {
			if tier.FromValue != 0 {
				return ErrInvalidProperties
			}
		} else {
			prev := tiers[i-1]
			if prev.ToValue == nil || tier.FromValue != *prev.ToValue+1 {
				return ErrInvalidProperties
			}
		}
		if tier.ToValue != nil && *tier.ToValue < tier.FromValue {
			return ErrInvalidProperties
		}
	}
	if tiers[len(tiers)-1].ToValue != nil {
		return ErrInvalidProperties
	}
	return nil
}
