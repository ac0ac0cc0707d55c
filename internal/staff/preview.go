package staff

import (
	"math"

	"vintner/internal/domain"
)

// Preview derives display-only team statistics. Its numbers feed assignment
// screens and estimates; the scheduler never advances work with them.
type Preview struct {
	Calculator      Calculator
	DiminishingRate float64
}

// TeamEfficiency is the smoothing factor shown for a team of n workers.
func (p Preview) TeamEfficiency(n int) float64 {
	if n <= 1 {
		return 1
	}
	return 1 / (1 + p.DiminishingRate*float64(n-1))
}

// Contribution is the smoothed weekly contribution shown to players.
func (p Preview) Contribution(workers []domain.Worker, category domain.Category) float64 {
	return p.Calculator.ComputeContribution(workers, category) * p.TeamEfficiency(len(workers))
}

// EstimateWeeks returns the projected weeks to finish remaining work: 0 when
// nothing remains and -1 when the team would make no progress.
func (p Preview) EstimateWeeks(remaining float64, workers []domain.Worker, category domain.Category) int {
	if remaining <= 0 {
		return 0
	}
	per := p.Contribution(workers, category)
	if per <= 0 {
		return -1
	}
	return int(math.Ceil(remaining / per))
}
