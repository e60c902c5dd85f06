package chargemodel

import (
	"github.com/shopspring/decimal"
)

// Aggregate is the metered input to evaluation. Units is the aggregated
// quantity (count, sum, max, ... depending on the metric). EventValues
// carries the per-event values for percentage models that price each event
// individually; it may be nil for models that only need the total.
type Aggregate struct {
	Units       decimal.Decimal
	EventCount  int64
	EventValues []decimal.Decimal
}

// Result is the evaluated charge amount in cents, unrounded.
type Result struct {
	AmountCents decimal.Decimal
	Units       decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Evaluate maps an aggregate through a pricing model. It is referentially
// transparent: the same inputs always produce the same amount.
func Evaluate(model Model, props Properties, agg Aggregate) (Result, error) {
	if err := props.Validate(model); err != nil {
		return Result{}, err
	}

	switch model {
	case ModelStandard:
		return evaluateStandard(*props.Standard, agg), nil
	case ModelPackage:
		return evaluatePackage(*props.Package, agg), nil
	case ModelGraduated:
		return evaluateGraduated(*props.Graduated, agg), nil
	case ModelVolume:
		return evaluateVolume(*props.Volume, agg), nil
	case ModelPercentage:
		return evaluatePercentage(*props.Percentage, agg), nil
	case ModelGraduatedPercentage:
		return evaluateGraduatedPercentage(*props.GraduatedPercentage, agg), nil
	default:
		return Result{}, ErrUnknownModel
	}
}

func evaluateStandard(props StandardProperties, agg Aggregate) Result {
	return Result{
		AmountCents: props.AmountCents.Mul(agg.Units),
		Units:       agg.Units,
	}
}

func evaluatePackage(props PackageProperties, agg Aggregate) Result {
	billable := agg.Units.Sub(props.FreeUnits)
	if billable.IsNegative() {
		billable = decimal.Zero
	}
	if billable.IsZero() {
		return Result{AmountCents: decimal.Zero, Units: agg.Units}
	}
	packages := billable.Div(decimal.NewFromInt(props.Size)).Ceil()
	return Result{
		AmountCents: packages.Mul(props.AmountCents),
		Units:       agg.Units,
	}
}

func evaluateGraduated(props GraduatedProperties, agg Aggregate) Result {
	remaining := agg.Units
	amount := decimal.Zero

	for _, tier := range props.Tiers {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		tierQuantity := remaining
		if tier.ToValue != nil {
			size := decimal.NewFromInt(*tier.ToValue - tier.FromValue + 1)
			if tier.FromValue == 0 {
				// The zero-based first tier spans to_value units, not
				// to_value+1: unit n fills slot n of the tier.
				size = decimal.NewFromInt(*tier.ToValue)
			}
			if tierQuantity.GreaterThan(size) {
				tierQuantity = size
			}
		}
		amount = amount.Add(tierQuantity.Mul(tier.PerUnitAmountCents))
		amount = amount.Add(tier.FlatAmountCents)
		remaining = remaining.Sub(tierQuantity)
	}

	return Result{AmountCents: amount, Units: agg.Units}
}

func evaluateVolume(props VolumeProperties, agg Aggregate) Result {
	units := agg.Units
	var selected GraduatedTier
	for _, tier := range props.Tiers {
		selected = tier
		if tier.ToValue != nil && units.GreaterThan(decimal.NewFromInt(*tier.ToValue)) {
			continue
		}
		break
	}
	amount := units.Mul(selected.PerUnitAmountCents).Add(selected.FlatAmountCents)
	return Result{AmountCents: amount, Units: units}
}

func evaluatePercentage(props PercentageProperties, agg Aggregate) Result {
	rate := props.Rate.Div(hundred)

	// Per-event pricing when individual values are available and a
	// cap/floor or fixed fee is configured.
	perEvent := len(agg.EventValues) > 0 &&
		(props.PerEventMinCents != nil || props.PerEventMaxCents != nil)
	if perEvent {
		remainingFree := props.FreeUnits
		amount := decimal.Zero
		for _, value := range agg.EventValues {
			billable := value
			if remainingFree.IsPositive() {
				if remainingFree.GreaterThanOrEqual(billable) {
					remainingFree = remainingFree.Sub(billable)
					continue
				}
				billable = billable.Sub(remainingFree)
				remainingFree = decimal.Zero
			}
			eventAmount := billable.Mul(rate).Add(props.FixedAmountCents)
			if props.PerEventMinCents != nil && eventAmount.LessThan(*props.PerEventMinCents) {
				eventAmount = *props.PerEventMinCents
			}
			if props.PerEventMaxCents != nil && eventAmount.GreaterThan(*props.PerEventMaxCents) {
				eventAmount = *props.PerEventMaxCents
			}
			amount = amount.Add(eventAmount)
		}
		return Result{AmountCents: amount, Units: agg.Units}
	}

	billable := agg.Units.Sub(props.FreeUnits)
	if billable.IsNegative() {
		billable = decimal.Zero
	}
	amount := billable.Mul(rate)
	if !props.FixedAmountCents.IsZero() && agg.EventCount > 0 {
		amount = amount.Add(props.FixedAmountCents.Mul(decimal.NewFromInt(agg.EventCount)))
	}
	return Result{AmountCents: amount, Units: agg.Units}
}

func evaluateGraduatedPercentage(props GraduatedPercentageProperties, agg Aggregate) Result {
	remaining := agg.Units
	amount := decimal.Zero

	for _, tier := range props.Tiers {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		slice := remaining
		if tier.ToValue != nil {
			size := decimal.NewFromInt(*tier.ToValue - tier.FromValue + 1)
			if tier.FromValue == 0 {
				size = decimal.NewFromInt(*tier.ToValue)
			}
			if slice.GreaterThan(size) {
				slice = size
			}
		}
		amount = amount.Add(slice.Mul(tier.Rate.Div(hundred)))
		amount = amount.Add(tier.FlatAmountCents)
		remaining = remaining.Sub(slice)
	}

	return Result{AmountCents: amount, Units: agg.Units}
}
