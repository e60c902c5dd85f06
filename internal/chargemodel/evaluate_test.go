package chargemodel

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func i64(v int64) *int64 { return &v }

func TestEvaluate_Standard(t *testing.T) {
	props := Properties{Standard: &StandardProperties{AmountCents: dec("50")}}
	result, err := Evaluate(ModelStandard, props, Aggregate{Units: dec("12")})
	require.NoError(t, err)
	assert.True(t, result.AmountCents.Equal(dec("600")), "got %s", result.AmountCents)
}

func TestEvaluate_Package_FreeUnits(t *testing.T) {
	// Package size 100, free units 10, package price 500 cents, quantity 95
	// bills exactly one package.
	props := Properties{Package: &PackageProperties{
		AmountCents: dec("500"),
		Size:        100,
		FreeUnits:   dec("10"),
	}}
	result, err := Evaluate(ModelPackage, props, Aggregate{Units: dec("95")})
	require.NoError(t, err)
	assert.True(t, result.AmountCents.Equal(dec("500")), "got %s", result.AmountCents)
}

func TestEvaluate_Package_AllFree(t *testing.T) {
	props := Properties{Package: &PackageProperties{
		AmountCents: dec("500"),
		Size:        100,
		FreeUnits:   dec("10"),
	}}
	result, err := Evaluate(ModelPackage, props, Aggregate{Units: dec("8")})
	require.NoError(t, err)
	assert.True(t, result.AmountCents.IsZero())
}

func TestEvaluate_Graduated(t *testing.T) {
	props := Properties{Graduated: &GraduatedProperties{Tiers: []GraduatedTier{
		{FromValue: 0, ToValue: i64(10), PerUnitAmountCents: dec("100")},
		{FromValue: 11, ToValue: nil, PerUnitAmountCents: dec("80")},
	}}}
	result, err := Evaluate(ModelGraduated, props, Aggregate{Units: dec("15")})
	require.NoError(t, err)
	assert.True(t, result.AmountCents.Equal(dec("1400")), "got %s", result.AmountCents)
}

func TestEvaluate_Graduated_NoGapNoDoubleCount(t *testing.T) {
	props := Properties{Graduated: &GraduatedProperties{Tiers: []GraduatedTier{
		{FromValue: 0, ToValue: i64(5), PerUnitAmountCents: dec("1")},
		{FromValue: 6, ToValue: i64(10), PerUnitAmountCents: dec("1")},
		{FromValue: 11, ToValue: nil, PerUnitAmountCents: dec("1")},
	}}}
	for _, quantity := range []string{"0", "3", "5", "7", "10", "25"} {
		result, err := Evaluate(ModelGraduated, props, Aggregate{Units: dec(quantity)})
		require.NoError(t, err)
		// Every tier prices at 1 cent/unit, so the total equals the
		// quantity exactly when the allocation has no gap or overlap.
		assert.True(t, result.AmountCents.Equal(dec(quantity)),
			"quantity %s priced as %s", quantity, result.AmountCents)
	}
}

func TestEvaluate_Graduated_FlatFees(t *testing.T) {
	props := Properties{Graduated: &GraduatedProperties{Tiers: []GraduatedTier{
		{FromValue: 0, ToValue: i64(10), PerUnitAmountCents: dec("100"), FlatAmountCents: dec("200")},
		{FromValue: 11, ToValue: nil, PerUnitAmountCents: dec("80"), FlatAmountCents: dec("300")},
	}}}
	result, err := Evaluate(ModelGraduated, props, Aggregate{Units: dec("15")})
	require.NoError(t, err)
	assert.True(t, result.AmountCents.Equal(dec("1900")), "got %s", result.AmountCents)
}

func TestEvaluate_Volume_SingleTierRate(t *testing.T) {
	props := Properties{Volume: &VolumeProperties{Tiers: []GraduatedTier{
		{FromValue: 0, ToValue: i64(10), PerUnitAmountCents: dec("100")},
		{FromValue: 11, ToValue: nil, PerUnitAmountCents: dec("80"), FlatAmountCents: dec("50")},
	}}}

	// Inside the first tier the first tier's rate applies to everything.
	result, err := Evaluate(ModelVolume, props, Aggregate{Units: dec("9")})
	require.NoError(t, err)
	assert.True(t, result.AmountCents.Equal(dec("900")), "got %s", result.AmountCents)

	// Past the first tier the whole quantity re-prices at the matching
	// tier's rate, plus that tier's flat fee.
	result, err = Evaluate(ModelVolume, props, Aggregate{Units: dec("15")})
	require.NoError(t, err)
	assert.True(t, result.AmountCents.Equal(dec("1250")), "got %s", result.AmountCents)
}

func TestEvaluate_Percentage(t *testing.T) {
	props := Properties{Percentage: &PercentageProperties{
		Rate:      dec("2.5"),
		FreeUnits: dec("1000"),
	}}
	result, err := Evaluate(ModelPercentage, props, Aggregate{Units: dec("5000"), EventCount: 4})
	require.NoError(t, err)
	assert.True(t, result.AmountCents.Equal(dec("100")), "got %s", result.AmountCents)
}

func TestEvaluate_Percentage_FixedFeePerEvent(t *testing.T) {
	props := Properties{Percentage: &PercentageProperties{
		Rate:             dec("1"),
		FixedAmountCents: dec("20"),
	}}
	result, err := Evaluate(ModelPercentage, props, Aggregate{Units: dec("1000"), EventCount: 3})
	require.NoError(t, err)
	assert.True(t, result.AmountCents.Equal(dec("70")), "got %s", result.AmountCents)
}

func TestEvaluate_Percentage_PerEventCapFloor(t *testing.T) {
	min := dec("10")
	max := dec("40")
	props := Properties{Percentage: &PercentageProperties{
		Rate:             dec("1"),
		PerEventMinCents: &min,
		PerEventMaxCents: &max,
	}}
	agg := Aggregate{
		Units:      dec("10500"),
		EventCount: 3,
		// 1% of each: 5 (floored to 10), 20, 80 (capped to 40).
		EventValues: []decimal.Decimal{dec("500"), dec("2000"), dec("8000")},
	}
	result, err := Evaluate(ModelPercentage, props, agg)
	require.NoError(t, err)
	assert.True(t, result.AmountCents.Equal(dec("70")), "got %s", result.AmountCents)
}

func TestEvaluate_GraduatedPercentage(t *testing.T) {
	props := Properties{GraduatedPercentage: &GraduatedPercentageProperties{Tiers: []GraduatedPercentageTier{
		{FromValue: 0, ToValue: i64(10000), Rate: dec("2")},
		{FromValue: 10001, ToValue: nil, Rate: dec("1")},
	}}}
	result, err := Evaluate(ModelGraduatedPercentage, props, Aggregate{Units: dec("15000")})
	require.NoError(t, err)
	// 2% of the first 10000 + 1% of the remaining 5000.
	assert.True(t, result.AmountCents.Equal(dec("250")), "got %s", result.AmountCents)
}

func TestParseProperties_RejectsBrokenTiers(t *testing.T) {
	_, err := ParseProperties(ModelGraduated, []byte(`{
		"graduated_ranges": [
			{"from_value": 0, "to_value": 10, "per_unit_amount_cents": "100"},
			{"from_value": 20, "to_value": null, "per_unit_amount_cents": "80"}
		]
	}`))
	assert.ErrorIs(t, err, ErrInvalidProperties)

	_, err = ParseProperties(ModelGraduated, []byte(`{
		"graduated_ranges": [
			{"from_value": 0, "to_value": 10, "per_unit_amount_cents": "100"}
		]
	}`))
	assert.ErrorIs(t, err, ErrInvalidProperties, "bounded last tier must be rejected")
}

func TestParseProperties_UnknownModel(t *testing.T) {
	_, err := ParseProperties(Model("flat_fee"), []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownModel)
}
