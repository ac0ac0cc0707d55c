package staff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vintner/internal/config"
	"vintner/internal/domain"
)

func fieldWorker(id string, capacity, skill float64, specs ...domain.SkillKind) domain.Worker {
	return domain.Worker{
		ID:              id,
		Capacity:        capacity,
		Skills:          map[domain.SkillKind]float64{domain.SkillField: skill, domain.SkillWinery: 0.1},
		Specializations: specs,
	}
}

func TestContributionAggregatesWorkers(t *testing.T) {
	calc := NewCalculator(config.Default())
	workers := []domain.Worker{
		fieldWorker("a", 50, 0.8),
		fieldWorker("b", 30, 0.5),
	}
	assert.InDelta(t, 55.0, calc.ComputeContribution(workers, domain.CategoryPlanting), 1e-9)
}

func TestContributionEmptyTeamIsZero(t *testing.T) {
	calc := NewCalculator(config.Default())
	assert.Equal(t, 0.0, calc.ComputeContribution(nil, domain.CategoryHarvesting))
}

func TestContributionUsesCategorySkill(t *testing.T) {
	calc := NewCalculator(config.Default())
	w := fieldWorker("a", 10, 0.9)
	assert.InDelta(t, 1.0, calc.ComputeContribution([]domain.Worker{w}, domain.CategoryCrushing), 1e-9)
	assert.InDelta(t, 9.0, calc.ComputeContribution([]domain.Worker{w}, domain.CategoryClearing), 1e-9)
}

func TestContributionFallsBackToBestSkill(t *testing.T) {
	calc := Calculator{SpecializationBonus: 1.3}
	w := domain.Worker{ID: "a", Capacity: 10, Skills: map[domain.SkillKind]float64{
		domain.SkillField:          0.2,
		domain.SkillAdministration: 0.7,
	}}
	assert.InDelta(t, 7.0, calc.WorkerContribution(w, domain.CategoryBuilding), 1e-9)
}

func TestSpecializationBonusDoesNotStack(t *testing.T) {
	calc := Calculator{
		Skills: map[domain.Category]domain.SkillKind{domain.CategoryPlanting: domain.SkillField},
		Specializations: map[domain.SkillKind][]domain.Category{
			domain.SkillField:  {domain.CategoryPlanting},
			domain.SkillWinery: {domain.CategoryPlanting, domain.CategoryCrushing},
		},
		SpecializationBonus: 1.3,
	}
	plain := fieldWorker("plain", 40, 0.5)
	single := fieldWorker("single", 40, 0.5, domain.SkillField)
	double := fieldWorker("double", 40, 0.5, domain.SkillField, domain.SkillWinery)

	base := calc.WorkerContribution(plain, domain.CategoryPlanting)
	require.InDelta(t, 20.0, base, 1e-9)
	assert.InDelta(t, base*1.3, calc.WorkerContribution(single, domain.CategoryPlanting), 1e-9)
	assert.Equal(t, calc.WorkerContribution(single, domain.CategoryPlanting), calc.WorkerContribution(double, domain.CategoryPlanting))
}

func TestSpecializationOutsideCategoryHasNoEffect(t *testing.T) {
	calc := NewCalculator(config.Default())
	w := fieldWorker("a", 10, 0.5, domain.SkillAdministration)
	assert.InDelta(t, 5.0, calc.WorkerContribution(w, domain.CategoryPlanting), 1e-9)
}

func TestPreviewIsDisplayOnly(t *testing.T) {
	calc := NewCalculator(config.Default())
	p := Preview{Calculator: calc, DiminishingRate: 0.1}
	workers := []domain.Worker{fieldWorker("a", 50, 0.8), fieldWorker("b", 30, 0.5)}

	assert.Equal(t, 1.0, p.TeamEfficiency(1))
	assert.InDelta(t, 1/1.1, p.TeamEfficiency(2), 1e-9)
	assert.InDelta(t, 55/1.1, p.Contribution(workers, domain.CategoryPlanting), 1e-9)
	// the authoritative value is untouched by the preview
	assert.InDelta(t, 55.0, calc.ComputeContribution(workers, domain.CategoryPlanting), 1e-9)

	assert.Equal(t, 0, p.EstimateWeeks(0, workers, domain.CategoryPlanting))
	assert.Equal(t, 3, p.EstimateWeeks(120, workers, domain.CategoryPlanting))
	assert.Equal(t, -1, p.EstimateWeeks(100, nil, domain.CategoryPlanting))
}

func TestRosterLookupAndResolve(t *testing.T) {
	r := NewRoster(fieldWorker("a", 10, 0.5))
	require.NoError(t, r.Put(fieldWorker("b", 20, 0.4)))
	assert.Error(t, r.Put(domain.Worker{ID: "bad", Skills: map[domain.SkillKind]float64{domain.SkillField: 2}}))

	found, missing := Resolve(r, []string{"a", "ghost", "b"})
	require.Len(t, found, 2)
	assert.Equal(t, "a", found[0].ID)
	assert.Equal(t, []string{"ghost"}, missing)

	w, _ := r.Lookup("a")
	w.Skills[domain.SkillField] = 1
	again, _ := r.Lookup("a")
	assert.Equal(t, 0.5, again.Skill(domain.SkillField), "lookups return copies")

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.Len(t, r.List(), 1)
}
