package domain

import (
	"encoding/json"
	"fmt"
)

// Params carries the category-specific data of an activity. Each category has
// its own variant; an activity owns its params value exclusively.
type Params interface {
	Category() Category
}

// PlantingParams leaves Density and Robustness nil when unknown; a zero
// robustness is a fully fragile grape.
type PlantingParams struct {
	Grape      string   `json:"grape"`
	Density    *float64 `json:"density,omitempty"`
	Robustness *float64 `json:"robustness,omitempty"`
}

type HarvestingParams struct {
	Grape   string   `json:"grape"`
	Density *float64 `json:"density,omitempty"`
}

type UprootingParams struct {
	Density *float64 `json:"density,omitempty"`
}

type ClearingParams struct {
	Tasks []string `json:"tasks,omitempty"`
}

type CrushingParams struct {
	BatchID    string `json:"batch_id"`
	Destemming bool   `json:"destemming"`
}

type FermentationParams struct {
	BatchID string `json:"batch_id"`
	Method  string `json:"method,omitempty"`
}

type BuildingParams struct {
	Facility string `json:"facility"`
}

type UpgradingParams struct {
	Facility string `json:"facility"`
	Level    int    `json:"level"`
}

type MaintenanceParams struct {
	Facility string `json:"facility"`
}

type StaffSearchParams struct {
	NumberOfCandidates int         `json:"number_of_candidates"`
	SkillFloor         float64     `json:"skill_floor"`
	Specializations    []SkillKind `json:"specializations,omitempty"`
}

type AdministrationParams struct {
	Note string `json:"note,omitempty"`
}

func (PlantingParams) Category() Category       { return CategoryPlanting }
func (HarvestingParams) Category() Category     { return CategoryHarvesting }
func (UprootingParams) Category() Category      { return CategoryUprooting }
func (ClearingParams) Category() Category       { return CategoryClearing }
func (CrushingParams) Category() Category       { return CategoryCrushing }
func (FermentationParams) Category() Category   { return CategoryFermentation }
func (BuildingParams) Category() Category       { return CategoryBuilding }
func (UpgradingParams) Category() Category      { return CategoryUpgrading }
func (MaintenanceParams) Category() Category    { return CategoryMaintenance }
func (StaffSearchParams) Category() Category    { return CategoryStaffSearch }
func (AdministrationParams) Category() Category { return CategoryAdministration }

// CloneParams returns a copy of p that shares no slices or pointers with it.
func CloneParams(p Params) Params {
	switch v := p.(type) {
	case PlantingParams:
		v.Density = cloneFloat(v.Density)
		v.Robustness = cloneFloat(v.Robustness)
		return v
	case HarvestingParams:
		v.Density = cloneFloat(v.Density)
		return v
	case UprootingParams:
		v.Density = cloneFloat(v.Density)
		return v
	case ClearingParams:
		if v.Tasks != nil {
			v.Tasks = append([]string{}, v.Tasks...)
		}
		return v
	case StaffSearchParams:
		if v.Specializations != nil {
			v.Specializations = append([]SkillKind{}, v.Specializations...)
		}
		return v
	default:
		return p
	}
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

type paramsEnvelope struct {
	Category Category        `json:"category"`
	Data     json.RawMessage `json:"data"`
}

// EncodeParams serialises a params variant together with its category tag.
// A nil value encodes to nil.
func EncodeParams(p Params) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", p.Category(), err)
	}
	return json.Marshal(paramsEnvelope{Category: p.Category(), Data: data})
}

// DecodeParams reverses EncodeParams.
func DecodeParams(raw []byte) (Params, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env paramsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode params envelope: %w", err)
	}
	return DecodeParamsFor(env.Category, env.Data)
}

// DecodeParamsFor decodes raw JSON into the variant belonging to category.
func DecodeParamsFor(category Category, raw []byte) (Params, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		p   Params
		err error
	)
	switch category {
	case CategoryPlanting:
		var v PlantingParams
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryHarvesting:
		var v HarvestingParams
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryUprooting:
		var v UprootingParams
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryClearing:
		var v ClearingParams
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryCrushing:
		var v CrushingParams
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryFermentation:
		var v FermentationParams
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryBuilding:
		var v BuildingParams
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryUpgrading:
		var v UpgradingParams
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryMaintenance:
		var v MaintenanceParams
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryStaffSearch:
		var v StaffSearchParams
		err = json.Unmarshal(raw, &v)
		p = v
	case CategoryAdministration:
		var v AdministrationParams
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("no params variant for category %q", category)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s params: %w", category, err)
	}
	return p, nil
}
