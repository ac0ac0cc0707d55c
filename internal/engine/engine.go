package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"vintner/internal/config"
	"vintner/internal/domain"
	"vintner/internal/events"
	"vintner/internal/lock"
	"vintner/internal/logging"
	"vintner/internal/staff"
	"vintner/internal/work"
)

// Options wires an Engine. Zero fields are derived from Config.
type Options struct {
	Config    *config.Config
	Work      *work.Calculator
	Staff     *staff.Calculator
	Preview   *staff.Preview
	Directory staff.Directory
	Locks     *lock.TargetLock
	Bus       *events.Bus
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Engine owns the live activity set and advances it one week per tick.
type Engine struct {
	work    work.Calculator
	staff   staff.Calculator
	preview staff.Preview
	dir     staff.Directory
	locks   *lock.TargetLock
	bus     *events.Bus
	ownsBus bool
	logger  *slog.Logger
	guard   *logging.RecoveryHandler
	now     func() time.Time
	newID   func() string

	// tickMu serialises ticks; mu guards the fields below it.
	tickMu sync.Mutex
	mu     sync.Mutex
	week   int
	live   map[string]*record
	closed bool
}

type record struct {
	act        domain.Activity
	onProgress func(float64)
	onComplete func()
	completed  bool
}

func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		dir:    opts.Directory,
		locks:  opts.Locks,
		bus:    opts.Bus,
		logger: logger,
		guard:  logging.NewRecoveryHandler("engine.callbacks", logger),
		now:    opts.Now,
		newID:  opts.NewID,
		live:   make(map[string]*record),
	}
	if opts.Work != nil {
		e.work = *opts.Work
	} else {
		calc, err := work.NewCalculator(cfg)
		if err != nil {
			return nil, fmt.Errorf("build work calculator: %w", err)
		}
		e.work = calc
	}
	if opts.Staff != nil {
		e.staff = *opts.Staff
	} else {
		e.staff = staff.NewCalculator(cfg)
	}
	if opts.Preview != nil {
		e.preview = *opts.Preview
	} else {
		e.preview = staff.Preview{Calculator: e.staff, DiminishingRate: cfg.Staff.TeamDiminishingRate}
	}
	if e.dir == nil {
		e.dir = staff.NewRoster()
	}
	if e.locks == nil {
		e.locks = lock.New()
	}
	if e.bus == nil {
		e.bus = events.NewBus(cfg.Engine.EventBuffer, logger)
		e.ownsBus = true
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = func() string { return ulid.Make().String() }
	}
	return e, nil
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() *events.Bus { return e.bus }

func (e *Engine) Locks() *lock.TargetLock { return e.locks }

func (e *Engine) Week() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.week
}

// CreateRequest describes a new activity.
type CreateRequest struct {
	Category  domain.Category
	Amount    float64
	TargetID  string
	Title     string
	Work      work.Context
	WorkerIDs []string
	Params    domain.Params
	// OnProgress receives the progress fraction after every processed tick.
	OnProgress func(float64)
	// OnComplete fires exactly once when the activity finishes.
	OnComplete func()
}

// CreateActivity sizes the work, claims the target and registers the activity
// as pending. An activity whose total work is zero completes immediately and
// never claims its target.
func (e *Engine) CreateActivity(ctx context.Context, req CreateRequest) (domain.Activity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Activity{}, err
	}
	if e.isClosed() {
		return domain.Activity{}, ErrShutdown
	}
	if req.Params != nil && req.Params.Category() != req.Category {
		return domain.Activity{}, fmt.Errorf("%w: %s params for %s activity", ErrParamsMismatch, req.Params.Category(), req.Category)
	}
	wctx := contextFromParams(req.Work, req.Params)
	total, err := e.work.ComputeTotalWork(req.Amount, req.Category, wctx)
	if err != nil {
		return domain.Activity{}, err
	}

	workerIDs := normalizeIDs(req.WorkerIDs)
	_, missing := staff.Resolve(e.dir, workerIDs)
	if len(missing) > 0 {
		e.logger.Warn("dropping unknown workers", "category", req.Category, "workers", missing)
		workerIDs = without(workerIDs, missing)
	}

	now := e.stamp()
	act := domain.Activity{
		ID:        e.newID(),
		Category:  req.Category,
		Title:     req.Title,
		TargetID:  req.TargetID,
		TotalWork: total,
		WorkerIDs: workerIDs,
		State:     domain.StatePending,
		Params:    domain.CloneParams(req.Params),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if total <= 0 {
		return e.completeOnCreate(act, req)
	}

	if act.TargetID != "" && !e.locks.Acquire(act.TargetID, act.ID) {
		holder, _ := e.locks.Holder(act.TargetID)
		return domain.Activity{}, &TargetBusyError{TargetID: act.TargetID, HolderID: holder}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.locks.ReleaseIfHeld(act.TargetID, act.ID)
		return domain.Activity{}, ErrShutdown
	}
	act.CreatedWeek = e.week
	e.live[act.ID] = &record{act: act, onProgress: req.OnProgress, onComplete: req.OnComplete}
	e.mu.Unlock()

	e.logger.Info("activity created", "activity_id", act.ID, "category", act.Category, "target_id", act.TargetID, "total_work", total)
	e.publish(events.ActivityCreated, act.ID, events.EventPayload{
		"category":   string(act.Category),
		"target_id":  act.TargetID,
		"total_work": total,
		"workers":    act.WorkerIDs,
		"dropped":    missing,
	})
	return cloneActivity(act), nil
}

func (e *Engine) completeOnCreate(act domain.Activity, req CreateRequest) (domain.Activity, error) {
	if act.TargetID != "" {
		if holder, busy := e.locks.Holder(act.TargetID); busy {
			return domain.Activity{}, &TargetBusyError{TargetID: act.TargetID, HolderID: holder}
		}
	}
	week := e.Week()
	act.CreatedWeek = week
	act.CompletedWeek = week
	act.State = domain.StateComplete
	e.publish(events.ActivityCreated, act.ID, events.EventPayload{
		"category":   string(act.Category),
		"target_id":  act.TargetID,
		"total_work": 0.0,
		"workers":    act.WorkerIDs,
	})
	if req.OnProgress != nil {
		e.guard.Wrap(func() { req.OnProgress(1) }, "activity_id", act.ID, "callback", "on_progress")
	}
	if req.OnComplete != nil {
		e.guard.Wrap(req.OnComplete, "activity_id", act.ID, "callback", "on_complete")
	}
	e.publish(events.ActivityCompleted, act.ID, events.EventPayload{"category": string(act.Category), "target_id": act.TargetID})
	return cloneActivity(act), nil
}

// contextFromParams fills density and robustness from the params when the
// caller did not set them explicitly.
func contextFromParams(ctx work.Context, p domain.Params) work.Context {
	switch v := p.(type) {
	case domain.PlantingParams:
		if ctx.Density == nil && v.Density != nil {
			ctx.Density = work.Float(*v.Density)
		}
		if ctx.Robustness == nil && v.Robustness != nil {
			ctx.Robustness = work.Float(*v.Robustness)
		}
	case domain.HarvestingParams:
		if ctx.Density == nil && v.Density != nil {
			ctx.Density = work.Float(*v.Density)
		}
	case domain.UprootingParams:
		if ctx.Density == nil && v.Density != nil {
			ctx.Density = work.Float(*v.Density)
		}
	}
	return ctx
}

// Assignment is the outcome of AssignWorkers.
type Assignment struct {
	ActivityID string   `json:"activity_id"`
	WorkerIDs  []string `json:"worker_ids"`
	Dropped    []string `json:"dropped,omitempty"`
	// Warnings holds one error per dropped worker, each wrapping ErrWorkerNotFound.
	Warnings []error `json:"-"`
}

// AssignWorkers replaces the activity's worker set. Unknown workers are
// dropped and reported; the rest are assigned.
func (e *Engine) AssignWorkers(ctx context.Context, activityID string, workerIDs []string) (Assignment, error) {
	if err := ctx.Err(); err != nil {
		return Assignment{}, err
	}
	ids := normalizeIDs(workerIDs)
	_, missing := staff.Resolve(e.dir, ids)
	ids = without(ids, missing)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Assignment{}, ErrShutdown
	}
	rec, ok := e.live[activityID]
	if !ok || rec.completed {
		e.mu.Unlock()
		return Assignment{}, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	rec.act.WorkerIDs = ids
	rec.act.UpdatedAt = e.stamp()
	e.mu.Unlock()

	res := Assignment{ActivityID: activityID, WorkerIDs: append([]string{}, ids...), Dropped: missing}
	for _, id := range missing {
		res.Warnings = append(res.Warnings, fmt.Errorf("%w: %s", ErrWorkerNotFound, id))
	}
	if len(missing) > 0 {
		e.logger.Warn("dropping unknown workers", "activity_id", activityID, "workers", missing)
	}
	e.publish(events.ActivityAssigned, activityID, events.EventPayload{"workers": ids, "dropped": missing})
	return res, nil
}

// Progress is one activity's outcome in a tick.
type Progress struct {
	ActivityID   string  `json:"activity_id"`
	Contribution float64 `json:"contribution"`
	AppliedWork  float64 `json:"applied_work"`
	TotalWork    float64 `json:"total_work"`
	Progress     float64 `json:"progress"`
	Completed    bool    `json:"completed"`
}

// TickReport summarises one advanced week.
type TickReport struct {
	Week      int        `json:"week"`
	Processed []Progress `json:"processed"`
	Skipped   []string   `json:"skipped,omitempty"`
	Completed []string   `json:"completed,omitempty"`
}

type pendingCallback struct {
	act        domain.Activity
	progress   Progress
	onProgress func(float64)
	onComplete func()
}

// AdvanceAllByOneWeek applies one week of contribution to every live activity.
func (e *Engine) AdvanceAllByOneWeek(ctx context.Context) TickReport {
	report, err := e.Tick(ctx)
	if err != nil {
		e.logger.Warn("tick skipped", "error", err)
	}
	return report
}

// Tick is AdvanceAllByOneWeek with an error for shut down engines and
// cancelled contexts. Callbacks must not call Tick.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	if err := ctx.Err(); err != nil {
		return TickReport{Week: e.Week()}, err
	}
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	// Phase 1: mutate state under the engine lock.
	e.mu.Lock()
	if e.closed {
		week := e.week
		e.mu.Unlock()
		return TickReport{Week: week}, ErrShutdown
	}
	e.week++
	report := TickReport{Week: e.week}
	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := e.stamp()
	var pending []pendingCallback
	for _, id := range ids {
		rec := e.live[id]
		if rec.completed {
			continue
		}
		if len(rec.act.WorkerIDs) == 0 {
			report.Skipped = append(report.Skipped, id)
			continue
		}
		workers, _ := staff.Resolve(e.dir, rec.act.WorkerIDs)
		contribution := e.staff.ComputeContribution(workers, rec.act.Category)
		if contribution < 0 {
			contribution = 0
		}
		e.clamp(rec)
		applied := rec.act.AppliedWork + contribution
		if applied > rec.act.TotalWork {
			applied = rec.act.TotalWork
		}
		rec.act.AppliedWork = applied
		if applied > 0 && rec.act.State == domain.StatePending {
			rec.act.State = domain.StateInProgress
		}
		progress := rec.act.Progress()
		p := Progress{
			ActivityID:   id,
			Contribution: contribution,
			AppliedWork:  applied,
			TotalWork:    rec.act.TotalWork,
			Progress:     progress,
		}
		cb := pendingCallback{onProgress: rec.onProgress}
		if progress >= 1 {
			rec.completed = true
			rec.act.State = domain.StateComplete
			rec.act.CompletedWeek = e.week
			cb.onComplete = rec.onComplete
			p.Completed = true
			report.Completed = append(report.Completed, id)
		}
		rec.act.UpdatedAt = now
		cb.act = cloneActivity(rec.act)
		cb.progress = p
		pending = append(pending, cb)
		report.Processed = append(report.Processed, p)
	}
	week := e.week
	e.mu.Unlock()

	// Phase 2: callbacks and events, outside the lock so callbacks may call
	// back into the engine.
	for _, cb := range pending {
		e.publishWeek(events.ActivityProgressed, week, cb.act.ID, events.EventPayload{
			"contribution": cb.progress.Contribution,
			"applied_work": cb.progress.AppliedWork,
			"total_work":   cb.progress.TotalWork,
			"progress":     cb.progress.Progress,
		})
		if cb.onProgress != nil {
			progress := cb.progress.Progress
			e.guard.Wrap(func() { cb.onProgress(progress) }, "activity_id", cb.act.ID, "callback", "on_progress")
		}
		if !cb.progress.Completed {
			continue
		}
		if cb.onComplete != nil {
			e.guard.Wrap(cb.onComplete, "activity_id", cb.act.ID, "callback", "on_complete")
		}
		e.logger.Info("activity completed", "activity_id", cb.act.ID, "category", cb.act.Category, "week", week)
		e.publishWeek(events.ActivityCompleted, week, cb.act.ID, events.EventPayload{
			"category":   string(cb.act.Category),
			"target_id":  cb.act.TargetID,
			"total_work": cb.act.TotalWork,
		})
	}

	// Phase 3: release targets and retire completed activities.
	if len(report.Completed) > 0 {
		e.mu.Lock()
		for _, cb := range pending {
			if !cb.progress.Completed {
				continue
			}
			if cb.act.TargetID != "" {
				e.locks.ReleaseIfHeld(cb.act.TargetID, cb.act.ID)
			}
			delete(e.live, cb.act.ID)
		}
		e.mu.Unlock()
	}

	e.publishWeek(events.TickCompleted, week, "", events.EventPayload{
		"processed": len(report.Processed),
		"skipped":   len(report.Skipped),
		"completed": len(report.Completed),
	})
	return report, nil
}

// clamp repairs restored records that violate 0 <= applied <= total.
func (e *Engine) clamp(rec *record) {
	if rec.act.AppliedWork < 0 {
		e.logger.Error("negative applied work, clamping", "activity_id", rec.act.ID, "applied_work", rec.act.AppliedWork)
		rec.act.AppliedWork = 0
	}
	if rec.act.AppliedWork > rec.act.TotalWork {
		e.logger.Error("applied work exceeds total, clamping", "activity_id", rec.act.ID, "applied_work", rec.act.AppliedWork, "total_work", rec.act.TotalWork)
		rec.act.AppliedWork = rec.act.TotalWork
	}
}

// RemoveActivity drops a live activity and frees its target. No callback
// fires.
func (e *Engine) RemoveActivity(ctx context.Context, activityID string) (domain.Activity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Activity{}, err
	}
	e.mu.Lock()
	rec, ok := e.live[activityID]
	if !ok || rec.completed {
		e.mu.Unlock()
		return domain.Activity{}, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	delete(e.live, activityID)
	if rec.act.TargetID != "" {
		e.locks.ReleaseIfHeld(rec.act.TargetID, activityID)
	}
	act := cloneActivity(rec.act)
	e.mu.Unlock()

	e.logger.Info("activity removed", "activity_id", activityID, "target_id", act.TargetID)
	e.publish(events.ActivityRemoved, activityID, events.EventPayload{
		"category":     string(act.Category),
		"target_id":    act.TargetID,
		"applied_work": act.AppliedWork,
	})
	return act, nil
}

func (e *Engine) IsTargetBusy(targetID string) bool {
	return e.locks.IsBusy(targetID)
}

func (e *Engine) GetActivity(activityID string) (domain.Activity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.live[activityID]
	if !ok {
		return domain.Activity{}, false
	}
	return cloneActivity(rec.act), true
}

// ListActivities returns the live set ordered by id.
func (e *Engine) ListActivities() []domain.Activity {
	e.mu.Lock()
	out := make([]domain.Activity, 0, len(e.live))
	for _, rec := range e.live {
		out = append(out, cloneActivity(rec.act))
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Estimate is a display-only projection for one activity.
type Estimate struct {
	ActivityID          string  `json:"activity_id"`
	Remaining           float64 `json:"remaining"`
	WeeklyContribution  float64 `json:"weekly_contribution"`
	TeamEfficiency      float64 `json:"team_efficiency"`
	PreviewContribution float64 `json:"preview_contribution"`
	// Weeks is -1 when the assigned team makes no progress.
	Weeks int `json:"weeks"`
}

func (e *Engine) Estimate(ctx context.Context, activityID string) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	act, ok := e.GetActivity(activityID)
	if !ok {
		return Estimate{}, fmt.Errorf("%w: %s", ErrActivityNotFound, activityID)
	}
	workers, _ := staff.Resolve(e.dir, act.WorkerIDs)
	return Estimate{
		ActivityID:          act.ID,
		Remaining:           act.Remaining(),
		WeeklyContribution:  e.staff.ComputeContribution(workers, act.Category),
		TeamEfficiency:      e.preview.TeamEfficiency(len(workers)),
		PreviewContribution: e.preview.Contribution(workers, act.Category),
		Weeks:               e.preview.EstimateWeeks(act.Remaining(), workers, act.Category),
	}, nil
}

// Quote sizes a prospective activity and projects its duration without
// registering it or touching the target.
type Quote struct {
	Category            domain.Category `json:"category"`
	TotalWork           float64         `json:"total_work"`
	WeeklyContribution  float64         `json:"weekly_contribution"`
	PreviewContribution float64         `json:"preview_contribution"`
	Weeks               int             `json:"weeks"`
	TargetBusy          bool            `json:"target_busy"`
	Dropped             []string        `json:"dropped,omitempty"`
}

func (e *Engine) Quote(ctx context.Context, req CreateRequest) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	if req.Params != nil && req.Params.Category() != req.Category {
		return Quote{}, fmt.Errorf("%w: %s params for %s activity", ErrParamsMismatch, req.Params.Category(), req.Category)
	}
	total, err := e.work.ComputeTotalWork(req.Amount, req.Category, contextFromParams(req.Work, req.Params))
	if err != nil {
		return Quote{}, err
	}
	workers, missing := staff.Resolve(e.dir, normalizeIDs(req.WorkerIDs))
	return Quote{
		Category:            req.Category,
		TotalWork:           total,
		WeeklyContribution:  e.staff.ComputeContribution(workers, req.Category),
		PreviewContribution: e.preview.Contribution(workers, req.Category),
		Weeks:               e.preview.EstimateWeeks(total, workers, req.Category),
		TargetBusy:          req.TargetID != "" && e.locks.IsBusy(req.TargetID),
		Dropped:             missing,
	}, nil
}

// Snapshot captures the week and the live set. Callbacks are not included.
func (e *Engine) Snapshot() domain.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := domain.Snapshot{Week: e.week, Activities: make([]domain.Activity, 0, len(e.live))}
	for _, rec := range e.live {
		snap.Activities = append(snap.Activities, cloneActivity(rec.act))
	}
	sort.Slice(snap.Activities, func(i, j int) bool { return snap.Activities[i].ID < snap.Activities[j].ID })
	return snap
}

// Restore replaces the live set with snap and rebuilds target claims.
// Completed or conflicting entries are dropped; out-of-range applied work is
// clamped.
func (e *Engine) Restore(ctx context.Context, snap domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	for id, rec := range e.live {
		if rec.act.TargetID != "" {
			e.locks.ReleaseIfHeld(rec.act.TargetID, id)
		}
	}
	e.live = make(map[string]*record, len(snap.Activities))
	e.week = snap.Week
	for _, a := range snap.Activities {
		if a.ID == "" {
			e.logger.Error("restored activity without id, dropping", "category", a.Category)
			continue
		}
		if _, dup := e.live[a.ID]; dup {
			e.logger.Error("duplicate restored activity, dropping", "activity_id", a.ID)
			continue
		}
		if a.State == domain.StateComplete {
			e.logger.Warn("restored activity already complete, dropping", "activity_id", a.ID)
			continue
		}
		if a.TargetID != "" && !e.locks.Acquire(a.TargetID, a.ID) {
			holder, _ := e.locks.Holder(a.TargetID)
			e.logger.Error("restored activity conflicts on target, dropping", "activity_id", a.ID, "target_id", a.TargetID, "holder_id", holder)
			continue
		}
		rec := &record{act: cloneActivity(a)}
		e.clamp(rec)
		if rec.act.State == "" {
			rec.act.State = domain.StatePending
		}
		e.live[a.ID] = rec
	}
	e.logger.Debug("scheduler restored", "week", e.week, "activities", len(e.live))
	return nil
}

// Shutdown stops accepting work and waits for an in-flight tick.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.tickMu.Lock()
		e.tickMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.ownsBus {
		e.bus.Close()
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) publish(evtType, activityID string, payload events.EventPayload) {
	e.publishWeek(evtType, e.Week(), activityID, payload)
}

func (e *Engine) publishWeek(evtType string, week int, activityID string, payload events.EventPayload) {
	kind := "activity"
	if activityID == "" {
		kind = "scheduler"
	}
	e.bus.Publish(events.Event{Type: evtType, Week: week, EntityKind: kind, EntityID: activityID, Payload: payload})
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func without(ids, drop []string) []string {
	if len(drop) == 0 {
		return ids
	}
	skip := make(map[string]bool, len(drop))
	for _, id := range drop {
		skip[id] = true
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}

func cloneActivity(a domain.Activity) domain.Activity {
	a.WorkerIDs = append([]string{}, a.WorkerIDs...)
	a.Params = domain.CloneParams(a.Params)
	return a
}
