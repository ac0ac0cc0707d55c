package server

import (
	"encoding/json"

	"vintner/internal/domain"
	"vintner/internal/engine"
	"vintner/internal/lock"
	"vintner/internal/work"
)

// Request payloads

// WorkContextRequest carries the optional physical facts used for sizing.
type WorkContextRequest struct {
	Density     *float64  `json:"density,omitempty"`
	Altitude    *float64  `json:"altitude,omitempty"`
	MinAltitude *float64  `json:"min_altitude,omitempty"`
	MaxAltitude *float64  `json:"max_altitude,omitempty"`
	Robustness  *float64  `json:"robustness,omitempty" minimum:"0" maximum:"1"`
	Modifiers   []float64 `json:"modifiers,omitempty"`
}

type CreateActivityRequest struct {
	Category  string              `json:"category" enum:"planting,harvesting,crushing,fermentation,clearing,uprooting,building,upgrading,maintenance,staff_search,administration"`
	Amount    float64             `json:"amount" minimum:"0"`
	TargetID  string              `json:"target_id,omitempty"`
	Title     string              `json:"title,omitempty"`
	WorkerIDs []string            `json:"worker_ids,omitempty"`
	Work      *WorkContextRequest `json:"work,omitempty"`
	Params    map[string]any      `json:"params,omitempty"`
}

type AssignWorkersRequest struct {
	WorkerIDs []string `json:"worker_ids"`
}

type TickRequest struct {
	Weeks int `json:"weeks,omitempty" minimum:"1" maximum:"520" default:"1"`
}

type WorkerRequest struct {
	Name            string             `json:"name,omitempty"`
	Capacity        float64            `json:"capacity" minimum:"0"`
	Skills          map[string]float64 `json:"skills"`
	Specializations []string           `json:"specializations,omitempty"`
}

// Responses

type ActivityResponse struct {
	ID            string         `json:"id"`
	Category      string         `json:"category"`
	Title         string         `json:"title,omitempty"`
	TargetID      string         `json:"target_id,omitempty"`
	TotalWork     float64        `json:"total_work"`
	AppliedWork   float64        `json:"applied_work"`
	Progress      float64        `json:"progress"`
	WorkerIDs     []string       `json:"worker_ids"`
	State         string         `json:"state" enum:"pending,in_progress,complete"`
	Params        map[string]any `json:"params,omitempty"`
	CreatedWeek   int            `json:"created_week"`
	CompletedWeek int            `json:"completed_week,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type AssignmentResponse struct {
	ActivityID string   `json:"activity_id"`
	WorkerIDs  []string `json:"worker_ids"`
	Dropped    []string `json:"dropped,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

type TickResponse struct {
	Week    int                 `json:"week"`
	Reports []engine.TickReport `json:"reports"`
}

type TargetResponse struct {
	TargetID   string `json:"target_id"`
	Busy       bool   `json:"busy"`
	ActivityID string `json:"activity_id,omitempty"`
}

type TargetsResponse struct {
	Items []lock.Claim `json:"items"`
}

type WorkerResponse struct {
	ID              string             `json:"id"`
	Name            string             `json:"name,omitempty"`
	Capacity        float64            `json:"capacity"`
	Skills          map[string]float64 `json:"skills"`
	Specializations []string           `json:"specializations,omitempty"`
	CreatedAt       string             `json:"created_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	Week       int            `json:"week"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type StatusResponse struct {
	Week          int   `json:"week"`
	Activities    int   `json:"activities"`
	Claims        int   `json:"claims"`
	Workers       int   `json:"workers"`
	DroppedEvents int64 `json:"dropped_events"`
}

// Mapping helpers

func activityResponse(a domain.Activity) ActivityResponse {
	res := ActivityResponse{
		ID:            a.ID,
		Category:      string(a.Category),
		Title:         a.Title,
		TargetID:      a.TargetID,
		TotalWork:     a.TotalWork,
		AppliedWork:   a.AppliedWork,
		Progress:      a.Progress(),
		WorkerIDs:     a.WorkerIDs,
		State:         string(a.State),
		CreatedWeek:   a.CreatedWeek,
		CompletedWeek: a.CompletedWeek,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	if res.WorkerIDs == nil {
		res.WorkerIDs = []string{}
	}
	if a.Params != nil {
		if b, err := json.Marshal(a.Params); err == nil {
			_ = json.Unmarshal(b, &res.Params)
		}
	}
	return res
}

func mapActivities(items []domain.Activity) []ActivityResponse {
	out := make([]ActivityResponse, 0, len(items))
	for _, a := range items {
		out = append(out, activityResponse(a))
	}
	return out
}

func assignmentResponse(a engine.Assignment) AssignmentResponse {
	res := AssignmentResponse{ActivityID: a.ActivityID, WorkerIDs: a.WorkerIDs, Dropped: a.Dropped}
	for _, w := range a.Warnings {
		res.Warnings = append(res.Warnings, w.Error())
	}
	return res
}

func workerResponse(w domain.Worker) WorkerResponse {
	res := WorkerResponse{
		ID:        w.ID,
		Name:      w.Name,
		Capacity:  w.Capacity,
		Skills:    make(map[string]float64, len(w.Skills)),
		CreatedAt: w.CreatedAt,
	}
	for k, v := range w.Skills {
		res.Skills[string(k)] = v
	}
	for _, s := range w.Specializations {
		res.Specializations = append(res.Specializations, string(s))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		Week:       e.Week,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func (w *WorkContextRequest) context() work.Context {
	if w == nil {
		return work.Context{}
	}
	ctx := work.Context{
		Density:     w.Density,
		Altitude:    w.Altitude,
		MinAltitude: w.MinAltitude,
		MaxAltitude: w.MaxAltitude,
		Robustness:  w.Robustness,
	}
	for _, m := range w.Modifiers {
		ctx.Modifiers = append(ctx.Modifiers, work.Modifier(m))
	}
	return ctx
}

// createRequest converts the wire form into an engine request.
func (r CreateActivityRequest) createRequest() (engine.CreateRequest, error) {
	category, err := domain.ParseCategory(r.Category)
	if err != nil {
		return engine.CreateRequest{}, badRequest(err.Error(), map[string]any{"field": "category"})
	}
	req := engine.CreateRequest{
		Category:  category,
		Amount:    r.Amount,
		TargetID:  r.TargetID,
		Title:     r.Title,
		WorkerIDs: r.WorkerIDs,
		Work:      r.Work.context(),
	}
	if len(r.Params) > 0 {
		raw, err := json.Marshal(r.Params)
		if err != nil {
			return req, badRequest("invalid params", map[string]any{"error": err.Error()})
		}
		p, err := domain.DecodeParamsFor(category, raw)
		if err != nil {
			return req, badRequest(err.Error(), map[string]any{"field": "params"})
		}
		req.Params = p
	}
	return req, nil
}

func (r WorkerRequest) worker(id string) (domain.Worker, error) {
	w := domain.Worker{ID: id, Name: r.Name, Capacity: r.Capacity, Skills: make(map[domain.SkillKind]float64, len(r.Skills))}
	for k, v := range r.Skills {
		kind, err := domain.ParseSkill(k)
		if err != nil {
			return w, badRequest(err.Error(), map[string]any{"field": "skills"})
		}
		w.Skills[kind] = v
	}
	for _, s := range r.Specializations {
		kind, err := domain.ParseSkill(s)
		if err != nil {
			return w, badRequest(err.Error(), map[string]any{"field": "specializations"})
		}
		w.Specializations = append(w.Specializations, kind)
	}
	if err := w.Validate(); err != nil {
		return w, badRequest(err.Error(), nil)
	}
	return w, nil
}
