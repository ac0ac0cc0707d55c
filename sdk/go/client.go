package vintnersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Vintner scheduler HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL should include the API
// base path, e.g. http://localhost:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkContext carries the optional sizing facts for a new activity.
type WorkContext struct {
	Density     *float64  `json:"density,omitempty"`
	Altitude    *float64  `json:"altitude,omitempty"`
	MinAltitude *float64  `json:"min_altitude,omitempty"`
	MaxAltitude *float64  `json:"max_altitude,omitempty"`
	Robustness  *float64  `json:"robustness,omitempty"`
	Modifiers   []float64 `json:"modifiers,omitempty"`
}

type CreateActivity struct {
	Category  string         `json:"category"`
	Amount    float64        `json:"amount"`
	TargetID  string         `json:"target_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	WorkerIDs []string       `json:"worker_ids,omitempty"`
	Work      *WorkContext   `json:"work,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// Activity represents the API activity model.
type Activity struct {
	ID            string         `json:"id"`
	Category      string         `json:"category"`
	Title         string         `json:"title,omitempty"`
	TargetID      string         `json:"target_id,omitempty"`
	TotalWork     float64        `json:"total_work"`
	AppliedWork   float64        `json:"applied_work"`
	Progress      float64        `json:"progress"`
	WorkerIDs     []string       `json:"worker_ids"`
	State         string         `json:"state"`
	Params        map[string]any `json:"params,omitempty"`
	CreatedWeek   int            `json:"created_week"`
	CompletedWeek int            `json:"completed_week,omitempty"`
}

type Assignment struct {
	ActivityID string   `json:"activity_id"`
	WorkerIDs  []string `json:"worker_ids"`
	Dropped    []string `json:"dropped,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

type Progress struct {
	ActivityID   string  `json:"activity_id"`
	Contribution float64 `json:"contribution"`
	AppliedWork  float64 `json:"applied_work"`
	TotalWork    float64 `json:"total_work"`
	Progress     float64 `json:"progress"`
	Completed    bool    `json:"completed"`
}

type TickReport struct {
	Week      int        `json:"week"`
	Processed []Progress `json:"processed"`
	Skipped   []string   `json:"skipped,omitempty"`
	Completed []string   `json:"completed,omitempty"`
}

type TickResult struct {
	Week    int          `json:"week"`
	Reports []TickReport `json:"reports"`
}

type Target struct {
	TargetID   string `json:"target_id"`
	Busy       bool   `json:"busy"`
	ActivityID string `json:"activity_id,omitempty"`
}

// Estimate is the display-only forecast for a live activity.
type Estimate struct {
	ActivityID          string  `json:"activity_id"`
	Remaining           float64 `json:"remaining"`
	WeeklyContribution  float64 `json:"weekly_contribution"`
	TeamEfficiency      float64 `json:"team_efficiency"`
	PreviewContribution float64 `json:"preview_contribution"`
	Weeks               int     `json:"weeks"`
}

// Quote sizes a prospective activity without creating it.
type Quote struct {
	Category            string   `json:"category"`
	TotalWork           float64  `json:"total_work"`
	WeeklyContribution  float64  `json:"weekly_contribution"`
	PreviewContribution float64  `json:"preview_contribution"`
	Weeks               int      `json:"weeks"`
	TargetBusy          bool     `json:"target_busy"`
	Dropped             []string `json:"dropped,omitempty"`
}

type Worker struct {
	ID              string             `json:"id,omitempty"`
	Name            string             `json:"name,omitempty"`
	Capacity        float64            `json:"capacity"`
	Skills          map[string]float64 `json:"skills"`
	Specializations []string           `json:"specializations,omitempty"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Week       int            `json:"week"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateActivity(ctx context.Context, req CreateActivity) (Activity, error) {
	var resp Activity
	err := c.do(ctx, http.MethodPost, "activities", req, &resp)
	return resp, err
}

func (c *Client) ListActivities(ctx context.Context) ([]Activity, error) {
	var resp struct {
		Items []Activity `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "activities", nil, &resp)
	return resp.Items, err
}

func (c *Client) GetActivity(ctx context.Context, id string) (Activity, error) {
	var resp Activity
	err := c.do(ctx, http.MethodGet, "activities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RemoveActivity cancels a live activity and frees its target.
func (c *Client) RemoveActivity(ctx context.Context, id string) (Activity, error) {
	var resp Activity
	err := c.do(ctx, http.MethodDelete, "activities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AssignWorkers replaces the worker set of an activity.
func (c *Client) AssignWorkers(ctx context.Context, id string, workerIDs []string) (Assignment, error) {
	if workerIDs == nil {
		workerIDs = []string{}
	}
	var resp Assignment
	endpoint := fmt.Sprintf("activities/%s/workers", url.PathEscape(id))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"worker_ids": workerIDs}, &resp)
	return resp, err
}

func (c *Client) Estimate(ctx context.Context, id string) (Estimate, error) {
	var resp Estimate
	endpoint := fmt.Sprintf("activities/%s/estimate", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Quote(ctx context.Context, req CreateActivity) (Quote, error) {
	var resp Quote
	err := c.do(ctx, http.MethodPost, "estimates", req, &resp)
	return resp, err
}

// Tick advances the scheduler by weeks (at least one).
func (c *Client) Tick(ctx context.Context, weeks int) (TickResult, error) {
	if weeks < 1 {
		weeks = 1
	}
	var resp TickResult
	err := c.do(ctx, http.MethodPost, "ticks", map[string]any{"weeks": weeks}, &resp)
	return resp, err
}

func (c *Client) Target(ctx context.Context, targetID string) (Target, error) {
	var resp Target
	err := c.do(ctx, http.MethodGet, "targets/"+url.PathEscape(targetID), nil, &resp)
	return resp, err
}

// PutWorker creates or replaces the worker with w.ID.
func (c *Client) PutWorker(ctx context.Context, w Worker) (Worker, error) {
	var resp Worker
	skills := w.Skills
	if skills == nil {
		skills = map[string]float64{}
	}
	body := map[string]any{
		"capacity": w.Capacity,
		"skills":   skills,
	}
	if w.Name != "" {
		body["name"] = w.Name
	}
	if len(w.Specializations) > 0 {
		body["specializations"] = w.Specializations
	}
	err := c.do(ctx, http.MethodPut, "workers/"+url.PathEscape(w.ID), body, &resp)
	return resp, err
}

func (c *Client) ListWorkers(ctx context.Context) ([]Worker, error) {
	var resp struct {
		Items []Worker `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "workers", nil, &resp)
	return resp.Items, err
}

func (c *Client) DeleteWorker(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "workers/"+url.PathEscape(id), nil, nil)
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
