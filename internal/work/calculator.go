package work

import (
	"errors"
	"fmt"
	"math"

	"vintner/internal/config"
	"vintner/internal/domain"
)

var (
	ErrUnknownCategory = errors.New("unknown work category")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidDensity  = errors.New("invalid density")
)

// Modifier is a signed fractional adjustment: +0.15 means 15% more work.
type Modifier float64

// Context carries the optional physical facts that shape a task's work.
// Nil pointers mean "not supplied".
type Context struct {
	Density     *float64
	Altitude    *float64
	MinAltitude *float64
	MaxAltitude *float64
	// Robustness of the planted grape, 0 fully fragile .. 1 fully robust.
	Robustness *float64
	// Modifiers are applied before the derived altitude/fragility modifiers.
	Modifiers []Modifier
}

// Calculator sizes activities. It holds only configuration and is safe for
// concurrent use.
type Calculator struct {
	Rates                RateTable
	BaseWorkUnitsPerWeek float64
	ReferenceDensity     float64
	AltitudeFactor       float64
}

func NewCalculator(cfg *config.Config) (Calculator, error) {
	rates, err := RateTableFromConfig(cfg)
	if err != nil {
		return Calculator{}, err
	}
	return Calculator{
		Rates:                rates,
		BaseWorkUnitsPerWeek: cfg.Work.BaseWorkUnitsPerWeek,
		ReferenceDensity:     cfg.Work.ReferenceDensity,
		AltitudeFactor:       cfg.Work.AltitudeFactor,
	}, nil
}

// densityAdjusted lists the categories whose per-unit rate depends on vine density.
var densityAdjusted = map[domain.Category]bool{
	domain.CategoryPlanting:   true,
	domain.CategoryHarvesting: true,
	domain.CategoryUprooting:  true,
}

// ComputeTotalWork turns an amount of physical units into the work units the
// task requires. The result is always a whole number; a zero amount still
// costs the category's setup work.
func (c Calculator) ComputeTotalWork(amount float64, category domain.Category, ctx Context) (float64, error) {
	entry, ok := c.Rates.Entry(category)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	rate, err := c.adjustedRate(entry, ctx)
	if err != nil {
		return 0, err
	}
	workWeeks := amount / rate
	base := entry.InitialWork + workWeeks*c.BaseWorkUnitsPerWeek

	mods := make([]Modifier, 0, len(ctx.Modifiers)+2)
	mods = append(mods, ctx.Modifiers...)
	mods = append(mods, c.DerivedModifiers(category, ctx)...)
	total := Compose(base, mods...)
	if total < 0 {
		// a modifier below -100% would flip the sign
		total = 0
	}
	return math.Ceil(total), nil
}

func (c Calculator) adjustedRate(entry RateEntry, ctx Context) (float64, error) {
	rate := entry.BaseRate
	if !densityAdjusted[entry.Category] || ctx.Density == nil {
		return rate, nil
	}
	density := *ctx.Density
	if density <= 0 || math.IsNaN(density) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDensity, density)
	}
	ref := c.ReferenceDensity
	if ref <= 0 {
		return rate, nil
	}
	return rate / (density / ref), nil
}

// DerivedModifiers returns the category-specific modifiers computed from ctx,
// in application order. Only planting has any.
func (c Calculator) DerivedModifiers(category domain.Category, ctx Context) []Modifier {
	if category != domain.CategoryPlanting {
		return nil
	}
	var mods []Modifier
	if m, ok := c.AltitudeModifier(ctx); ok {
		mods = append(mods, m)
	}
	if m, ok := FragilityModifier(ctx); ok {
		mods = append(mods, m)
	}
	return mods
}

// AltitudeModifier is signed: plots above the region's median altitude take
// more work, plots below take less.
func (c Calculator) AltitudeModifier(ctx Context) (Modifier, bool) {
	if ctx.Altitude == nil || ctx.MinAltitude == nil || ctx.MaxAltitude == nil {
		return 0, false
	}
	lo, hi := *ctx.MinAltitude, *ctx.MaxAltitude
	if hi == lo {
		return 0, false
	}
	median := (lo + hi) / 2
	deviation := (*ctx.Altitude - median) / (hi - lo)
	return Modifier(deviation * c.AltitudeFactor), true
}

// FragilityModifier adds up to +100% work for fully fragile grapes.
func FragilityModifier(ctx Context) (Modifier, bool) {
	if ctx.Robustness == nil {
		return 0, false
	}
	r := clamp(*ctx.Robustness, 0, 1)
	return Modifier(1 - r), true
}

// Compose applies modifiers multiplicatively in order.
func Compose(base float64, mods ...Modifier) float64 {
	work := base
	for _, m := range mods {
		work *= 1 + float64(m)
	}
	return work
}

// Float is a helper for filling optional Context fields.
func Float(v float64) *float64 {
	return &v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
