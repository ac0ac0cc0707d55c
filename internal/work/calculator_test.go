package work

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vintner/internal/config"
	"vintner/internal/domain"
)

func defaultCalculator(t *testing.T) Calculator {
	t.Helper()
	calc, err := NewCalculator(config.Default())
	require.NoError(t, err)
	return calc
}

func simpleCalculator(t *testing.T) Calculator {
	t.Helper()
	rates, err := NewRateTable(
		RateEntry{Category: domain.CategoryPlanting, BaseRate: 1, InitialWork: 10},
		RateEntry{Category: domain.CategoryCrushing, BaseRate: 2, InitialWork: 4},
	)
	require.NoError(t, err)
	return Calculator{Rates: rates, BaseWorkUnitsPerWeek: 50, ReferenceDensity: 5000, AltitudeFactor: 0.5}
}

func TestPlantingScenarioAtMedianAltitudeAndRobustGrape(t *testing.T) {
	calc := defaultCalculator(t)
	entry, ok := calc.Rates.Entry(domain.CategoryPlanting)
	require.True(t, ok)

	got, err := calc.ComputeTotalWork(10, domain.CategoryPlanting, Context{
		Density:     Float(5000),
		Altitude:    Float(300),
		MinAltitude: Float(100),
		MaxAltitude: Float(500),
		Robustness:  Float(1),
	})
	require.NoError(t, err)

	want := math.Ceil(entry.InitialWork + (10/entry.BaseRate)*calc.BaseWorkUnitsPerWeek)
	assert.Equal(t, want, got)
	assert.Equal(t, 725.0, got)
}

func TestZeroAmountCostsExactlyInitialWork(t *testing.T) {
	calc := defaultCalculator(t)
	for _, cat := range calc.Rates.Categories() {
		entry, _ := calc.Rates.Entry(cat)
		got, err := calc.ComputeTotalWork(0, cat, Context{})
		require.NoError(t, err, cat)
		assert.Equal(t, math.Ceil(entry.InitialWork), got, cat)
	}
}

func TestDensityScalesRateDerivedWork(t *testing.T) {
	calc := simpleCalculator(t)
	atRef, err := calc.ComputeTotalWork(2, domain.CategoryPlanting, Context{Density: Float(5000)})
	require.NoError(t, err)
	atDouble, err := calc.ComputeTotalWork(2, domain.CategoryPlanting, Context{Density: Float(10000)})
	require.NoError(t, err)

	assert.Equal(t, 110.0, atRef)
	assert.Equal(t, 210.0, atDouble)
	assert.Equal(t, atRef-10, (atDouble-10)/2, "reference density needs half the rate-derived work of double density")
}

func TestDensityIgnoredForUnadjustedCategories(t *testing.T) {
	calc := simpleCalculator(t)
	plain, err := calc.ComputeTotalWork(4, domain.CategoryCrushing, Context{})
	require.NoError(t, err)
	dense, err := calc.ComputeTotalWork(4, domain.CategoryCrushing, Context{Density: Float(20000)})
	require.NoError(t, err)
	assert.Equal(t, plain, dense)
	assert.Equal(t, 104.0, plain)
}

func TestUnknownCategoryAndInvalidAmountFail(t *testing.T) {
	calc := simpleCalculator(t)
	_, err := calc.ComputeTotalWork(1, domain.CategoryFermentation, Context{})
	assert.ErrorIs(t, err, ErrUnknownCategory)

	_, err = calc.ComputeTotalWork(-1, domain.CategoryPlanting, Context{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = calc.ComputeTotalWork(1, domain.CategoryPlanting, Context{Density: Float(0)})
	assert.ErrorIs(t, err, ErrInvalidDensity)
}

func TestAltitudeModifierIsSigned(t *testing.T) {
	calc := simpleCalculator(t)
	base := Context{MinAltitude: Float(0), MaxAltitude: Float(400)}

	high := base
	high.Altitude = Float(400)
	m, ok := calc.AltitudeModifier(high)
	require.True(t, ok)
	assert.InDelta(t, 0.25, float64(m), 1e-9)

	low := base
	low.Altitude = Float(0)
	m, ok = calc.AltitudeModifier(low)
	require.True(t, ok)
	assert.InDelta(t, -0.25, float64(m), 1e-9)

	flat := Context{Altitude: Float(10), MinAltitude: Float(10), MaxAltitude: Float(10)}
	_, ok = calc.AltitudeModifier(flat)
	assert.False(t, ok, "flat region has no altitude effect")

	// 2 acres at rate 1 -> 100 units + 10 setup, then +25%
	got, err := calc.ComputeTotalWork(2, domain.CategoryPlanting, high)
	require.NoError(t, err)
	assert.Equal(t, math.Ceil(110*1.25), got)
}

func TestFragilityOnlyAffectsPlanting(t *testing.T) {
	calc := simpleCalculator(t)
	fragile := Context{Robustness: Float(0)}
	got, err := calc.ComputeTotalWork(2, domain.CategoryPlanting, fragile)
	require.NoError(t, err)
	assert.Equal(t, 220.0, got, "fully fragile grape doubles the work")

	got, err = calc.ComputeTotalWork(4, domain.CategoryCrushing, fragile)
	require.NoError(t, err)
	assert.Equal(t, 104.0, got)
}

func TestModifiersComposeInOrderBeforeDerived(t *testing.T) {
	calc := simpleCalculator(t)
	ctx := Context{Modifiers: []Modifier{0.1, -0.5}, Robustness: Float(0.5)}
	got, err := calc.ComputeTotalWork(2, domain.CategoryPlanting, ctx)
	require.NoError(t, err)
	assert.Equal(t, math.Ceil(110*1.1*0.5*1.5), got)
	assert.InDelta(t, 110*1.1*0.5, Compose(110, 0.1, -0.5), 1e-9)
}

func TestRateTableRejectsBadEntries(t *testing.T) {
	_, err := NewRateTable(RateEntry{Category: "bottling", BaseRate: 1})
	assert.ErrorIs(t, err, ErrUnknownCategory)
	_, err = NewRateTable(RateEntry{Category: domain.CategoryPlanting, BaseRate: 0})
	assert.Error(t, err)
}
