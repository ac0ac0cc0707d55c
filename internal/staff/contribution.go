// Package staff turns assigned workers into weekly work contribution and
// keeps the worker directory the scheduler resolves assignments against.
package staff

import (
	"vintner/internal/config"
	"vintner/internal/domain"
)

// DefaultSpecializationBonus is the multiplier for a worker specialised in the
// activity's category.
const DefaultSpecializationBonus = 1.3

// Calculator computes the authoritative per-tick contribution of a team.
type Calculator struct {
	// Skills maps each category to the skill that drives it. Categories
	// missing here fall back to the worker's best skill.
	Skills map[domain.Category]domain.SkillKind
	// Specializations lists, per specialization, the categories it boosts.
	Specializations     map[domain.SkillKind][]domain.Category
	SpecializationBonus float64
}

func NewCalculator(cfg *config.Config) Calculator {
	bonus := cfg.Staff.SpecializationBonus
	if bonus <= 0 {
		bonus = DefaultSpecializationBonus
	}
	return Calculator{
		Skills:              cfg.SkillMap(),
		Specializations:     cfg.SpecializationMap(),
		SpecializationBonus: bonus,
	}
}

// ComputeContribution sums the work units the workers add in one week. No
// team-size smoothing is applied here; see Preview for display estimates.
func (c Calculator) ComputeContribution(workers []domain.Worker, category domain.Category) float64 {
	total := 0.0
	for _, w := range workers {
		total += c.WorkerContribution(w, category)
	}
	return total
}

// WorkerContribution is capacity times the relevant skill, boosted once when
// any of the worker's specializations covers the category.
func (c Calculator) WorkerContribution(w domain.Worker, category domain.Category) float64 {
	contribution := w.Capacity * c.RelevantSkill(w, category)
	if c.Specialized(w, category) {
		contribution *= c.SpecializationBonus
	}
	return contribution
}

func (c Calculator) RelevantSkill(w domain.Worker, category domain.Category) float64 {
	if kind, ok := c.Skills[category]; ok {
		return w.Skill(kind)
	}
	return w.MaxSkill()
}

func (c Calculator) Specialized(w domain.Worker, category domain.Category) bool {
	for _, spec := range w.Specializations {
		for _, cat := range c.Specializations[spec] {
			if cat == category {
				return true
			}
		}
	}
	return false
}
