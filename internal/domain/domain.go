package domain

import (
	"fmt"
	"strings"
)

// Category selects the rate entry, skill mapping and modifiers applied to an activity.
type Category string

const (
	CategoryPlanting       Category = "planting"
	CategoryHarvesting     Category = "harvesting"
	CategoryCrushing       Category = "crushing"
	CategoryFermentation   Category = "fermentation"
	CategoryClearing       Category = "clearing"
	CategoryUprooting      Category = "uprooting"
	CategoryBuilding       Category = "building"
	CategoryUpgrading      Category = "upgrading"
	CategoryMaintenance    Category = "maintenance"
	CategoryStaffSearch    Category = "staff_search"
	CategoryAdministration Category = "administration"
)

// Categories lists every known work category in declaration order.
var Categories = []Category{
	CategoryPlanting,
	CategoryHarvesting,
	CategoryCrushing,
	CategoryFermentation,
	CategoryClearing,
	CategoryUprooting,
	CategoryBuilding,
	CategoryUpgrading,
	CategoryMaintenance,
	CategoryStaffSearch,
	CategoryAdministration,
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory accepts the canonical names plus dashed spellings ("staff-search").
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !c.Valid() {
		return "", fmt.Errorf("unknown work category %q", s)
	}
	return c, nil
}

// SkillKind is one dimension of a worker's skill profile.
type SkillKind string

const (
	SkillField          SkillKind = "field"
	SkillWinery         SkillKind = "winery"
	SkillMaintenance    SkillKind = "maintenance"
	SkillAdministration SkillKind = "administration"
)

var SkillKinds = []SkillKind{SkillField, SkillWinery, SkillMaintenance, SkillAdministration}

func (k SkillKind) Valid() bool {
	for _, known := range SkillKinds {
		if k == known {
			return true
		}
	}
	return false
}

func ParseSkill(s string) (SkillKind, error) {
	k := SkillKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown skill %q", s)
	}
	return k, nil
}

// Worker is a staff member as seen by the scheduling engine. Skill values are
// fractions in [0,1]; Capacity is the worker's base labor throughput.
type Worker struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Skills          map[SkillKind]float64 `json:"skills"`
	Specializations []SkillKind           `json:"specializations,omitempty"`
	Capacity        float64               `json:"capacity"`
	CreatedAt       string                `json:"created_at,omitempty" format:"date-time"`
}

func (w Worker) Skill(k SkillKind) float64 {
	return w.Skills[k]
}

func (w Worker) MaxSkill() float64 {
	max := 0.0
	for _, v := range w.Skills {
		if v > max {
			max = v
		}
	}
	return max
}

// Validate checks skill ranges and capacity.
func (w Worker) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("worker id is required")
	}
	if w.Capacity < 0 {
		return fmt.Errorf("worker %s: capacity must not be negative", w.ID)
	}
	for k, v := range w.Skills {
		if !k.Valid() {
			return fmt.Errorf("worker %s: unknown skill %q", w.ID, k)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("worker %s: skill %s must be within [0,1], got %v", w.ID, k, v)
		}
	}
	for _, k := range w.Specializations {
		if !k.Valid() {
			return fmt.Errorf("worker %s: unknown specialization %q", w.ID, k)
		}
	}
	return nil
}

type ActivityState string

const (
	StatePending    ActivityState = "pending"
	StateInProgress ActivityState = "in_progress"
	StateComplete   ActivityState = "complete"
)

// Activity is a snapshot of one unit of work in flight. TotalWork never changes
// after creation; AppliedWork only grows and never exceeds TotalWork.
type Activity struct {
	ID            string        `json:"id"`
	Category      Category      `json:"category"`
	Title         string        `json:"title,omitempty"`
	TargetID      string        `json:"target_id,omitempty"`
	TotalWork     float64       `json:"total_work"`
	AppliedWork   float64       `json:"applied_work"`
	WorkerIDs     []string      `json:"worker_ids"`
	State         ActivityState `json:"state" enum:"pending,in_progress,complete"`
	Params        Params        `json:"params,omitempty"`
	CreatedWeek   int           `json:"created_week"`
	CompletedWeek int           `json:"completed_week,omitempty"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
}

// Progress reports AppliedWork/TotalWork; a zero-work activity is fully done.
func (a Activity) Progress() float64 {
	if a.TotalWork <= 0 {
		return 1
	}
	p := a.AppliedWork / a.TotalWork
	if p > 1 {
		return 1
	}
	return p
}

func (a Activity) Remaining() float64 {
	r := a.TotalWork - a.AppliedWork
	if r < 0 {
		return 0
	}
	return r
}

// Event is one entry of the engine's journal.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Week       int    `json:"week"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// Snapshot is the restorable state of a scheduler: the current week and every
// live activity.
type Snapshot struct {
	Week       int        `json:"week"`
	Activities []Activity `json:"activities"`
}
