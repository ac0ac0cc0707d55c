package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" Staff-Search ")
	require.NoError(t, err)
	assert.Equal(t, CategoryStaffSearch, c)

	_, err = ParseCategory("bottling")
	assert.Error(t, err)
}

func TestWorkerValidate(t *testing.T) {
	w := Worker{ID: "w1", Capacity: 40, Skills: map[SkillKind]float64{SkillField: 0.8}}
	require.NoError(t, w.Validate())

	w.Skills[SkillField] = 1.2
	assert.Error(t, w.Validate())

	w.Skills[SkillField] = 0.5
	w.Capacity = -1
	assert.Error(t, w.Validate())

	w.Capacity = 1
	w.Specializations = []SkillKind{"pruning"}
	assert.Error(t, w.Validate())
}

func TestActivityProgress(t *testing.T) {
	assert.Equal(t, 1.0, Activity{}.Progress())
	a := Activity{TotalWork: 200, AppliedWork: 50}
	assert.InDelta(t, 0.25, a.Progress(), 1e-9)
	assert.Equal(t, 150.0, a.Remaining())
	a.AppliedWork = 250
	assert.Equal(t, 1.0, a.Progress())
	assert.Equal(t, 0.0, a.Remaining())
}

func TestParamsEnvelopeKeepsVariant(t *testing.T) {
	density, robustness := 5000.0, 0.6
	raw, err := EncodeParams(PlantingParams{Grape: "Chardonnay", Density: &density, Robustness: &robustness})
	require.NoError(t, err)

	p, err := DecodeParams(raw)
	require.NoError(t, err)
	planting, ok := p.(PlantingParams)
	require.True(t, ok, "got %T", p)
	assert.Equal(t, "Chardonnay", planting.Grape)
	require.NotNil(t, planting.Density)
	assert.Equal(t, 5000.0, *planting.Density)
	require.NotNil(t, planting.Robustness)
	assert.Equal(t, 0.6, *planting.Robustness)

	empty, err := EncodeParams(nil)
	require.NoError(t, err)
	p, err = DecodeParams(empty)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDecodeParamsForRejectsBadInput(t *testing.T) {
	_, err := DecodeParamsFor(CategoryUpgrading, []byte(`{"level":"high"}`))
	assert.Error(t, err)

	_, err = DecodeParamsFor(Category("bottling"), []byte(`{}`))
	assert.Error(t, err)

	p, err := DecodeParamsFor(CategoryStaffSearch, []byte(`{"number_of_candidates":3,"specializations":["winery"]}`))
	require.NoError(t, err)
	assert.Equal(t, StaffSearchParams{NumberOfCandidates: 3, Specializations: []SkillKind{SkillWinery}}, p)
}

func TestCloneParamsSharesNothing(t *testing.T) {
	robustness := 0.0
	planting := PlantingParams{Grape: "Gamay", Robustness: &robustness}
	cp := CloneParams(planting).(PlantingParams)
	robustness = 0.9
	require.NotNil(t, cp.Robustness)
	assert.Equal(t, 0.0, *cp.Robustness)
	assert.Nil(t, cp.Density)

	search := StaffSearchParams{NumberOfCandidates: 2, Specializations: []SkillKind{SkillField}}
	sc := CloneParams(search).(StaffSearchParams)
	search.Specializations[0] = SkillWinery
	assert.Equal(t, []SkillKind{SkillField}, sc.Specializations)

	assert.Nil(t, CloneParams(nil))
	assert.Equal(t, CrushingParams{BatchID: "b1"}, CloneParams(CrushingParams{BatchID: "b1"}))
}
