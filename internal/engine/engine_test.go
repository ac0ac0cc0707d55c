package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"vintner/internal/config"
	"vintner/internal/domain"
	"vintner/internal/events"
	"vintner/internal/logging"
	"vintner/internal/staff"
	"vintner/internal/work"
)

type testEnv struct {
	engine *Engine
	roster *staff.Roster
	bus    *events.Bus
	ids    int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rates, err := work.NewRateTable(
		work.RateEntry{Category: domain.CategoryCrushing, BaseRate: 1, InitialWork: 100},
		work.RateEntry{Category: domain.CategoryAdministration, BaseRate: 1, InitialWork: 0},
		work.RateEntry{Category: domain.CategoryPlanting, BaseRate: 0.7, InitialWork: 10},
		work.RateEntry{Category: domain.CategoryClearing, BaseRate: 1, InitialWork: 10},
	)
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	calc := work.Calculator{Rates: rates, BaseWorkUnitsPerWeek: 50, ReferenceDensity: 5000, AltitudeFactor: 0.5}
	env := &testEnv{
		roster: staff.NewRoster(
			domain.Worker{ID: "w40", Capacity: 40, Skills: map[domain.SkillKind]float64{domain.SkillWinery: 1}},
			domain.Worker{ID: "fa", Capacity: 50, Skills: map[domain.SkillKind]float64{domain.SkillField: 0.8}},
			domain.Worker{ID: "fb", Capacity: 30, Skills: map[domain.SkillKind]float64{domain.SkillField: 0.5}},
		),
	}
	env.bus = events.NewBus(256, logging.Discard())
	eng, err := New(Options{
		Config:    config.Default(),
		Work:      &calc,
		Directory: env.roster,
		Bus:       env.bus,
		Logger:    logging.Discard(),
		Now:       func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
		NewID: func() string {
			env.ids++
			return fmt.Sprintf("act-%03d", env.ids)
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env.engine = eng
	return env
}

func (env *testEnv) create(t *testing.T, req CreateRequest) domain.Activity {
	t.Helper()
	act, err := env.engine.CreateActivity(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return act
}

func TestCompletionCadence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var (
		progress  []float64
		completes int
	)
	act := env.create(t, CreateRequest{
		Category:   domain.CategoryCrushing,
		TargetID:   "tank-1",
		WorkerIDs:  []string{"w40"},
		OnProgress: func(p float64) { progress = append(progress, p) },
		OnComplete: func() { completes++ },
	})
	if act.TotalWork != 100 || act.State != domain.StatePending {
		t.Fatalf("unexpected activity %+v", act)
	}

	wantApplied := []float64{40, 80}
	for i, want := range wantApplied {
		env.engine.AdvanceAllByOneWeek(ctx)
		got, ok := env.engine.GetActivity(act.ID)
		if !ok {
			t.Fatalf("tick %d: activity left the live set early", i+1)
		}
		if got.AppliedWork != want || got.State != domain.StateInProgress {
			t.Fatalf("tick %d: applied=%v state=%s", i+1, got.AppliedWork, got.State)
		}
		if completes != 0 {
			t.Fatalf("tick %d: completed early", i+1)
		}
	}
	report := env.engine.AdvanceAllByOneWeek(ctx)
	if report.Week != 3 || len(report.Completed) != 1 || report.Completed[0] != act.ID {
		t.Fatalf("unexpected report %+v", report)
	}
	if completes != 1 {
		t.Fatalf("expected one completion, got %d", completes)
	}
	want := []float64{0.4, 0.8, 1.0}
	if len(progress) != len(want) {
		t.Fatalf("expected %v, got %v", want, progress)
	}
	for i := range want {
		if math.Abs(progress[i]-want[i]) > 1e-9 {
			t.Fatalf("expected %v, got %v", want, progress)
		}
	}
	if _, ok := env.engine.GetActivity(act.ID); ok {
		t.Fatalf("completed activity must leave the live set")
	}
	if env.engine.IsTargetBusy("tank-1") {
		t.Fatalf("target should be released after completion")
	}

	env.engine.AdvanceAllByOneWeek(ctx)
	if completes != 1 {
		t.Fatalf("completion fired again: %d", completes)
	}
}

func TestAppliedWorkIsMonotonicAndBounded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	act := env.create(t, CreateRequest{Category: domain.CategoryPlanting, Amount: 1, WorkerIDs: []string{"fa", "fb"}})
	last := 0.0
	for i := 0; i < 10; i++ {
		env.engine.AdvanceAllByOneWeek(ctx)
		got, ok := env.engine.GetActivity(act.ID)
		if !ok {
			break
		}
		if got.AppliedWork < last || got.AppliedWork > got.TotalWork {
			t.Fatalf("applied work out of order: last=%v now=%v total=%v", last, got.AppliedWork, got.TotalWork)
		}
		last = got.AppliedWork
	}
}

func TestContributionAggregatesAssignedWorkers(t *testing.T) {
	env := newTestEnv(t)
	act := env.create(t, CreateRequest{Category: domain.CategoryPlanting, Amount: 10, WorkerIDs: []string{"fa", "fb"}})
	report := env.engine.AdvanceAllByOneWeek(context.Background())
	if len(report.Processed) != 1 || report.Processed[0].Contribution != 55 {
		t.Fatalf("expected 55 contribution, got %+v", report.Processed)
	}
	got, _ := env.engine.GetActivity(act.ID)
	if got.AppliedWork != 55 {
		t.Fatalf("expected applied 55, got %v", got.AppliedWork)
	}
}

func TestBusyTargetRejectsSecondActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.create(t, CreateRequest{Category: domain.CategoryPlanting, Amount: 10, TargetID: "field-7"})

	_, err := env.engine.CreateActivity(ctx, CreateRequest{Category: domain.CategoryPlanting, Amount: 5, TargetID: "field-7"})
	if !errors.Is(err, ErrTargetBusy) {
		t.Fatalf("expected ErrTargetBusy, got %v", err)
	}
	var busy *TargetBusyError
	if !errors.As(err, &busy) || busy.HolderID != first.ID {
		t.Fatalf("expected holder %s, got %v", first.ID, err)
	}
	if err.Error() != "target field-7 already has an activity in progress" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if len(env.engine.ListActivities()) != 1 {
		t.Fatalf("rejected activity must not be registered")
	}

	if _, err := env.engine.RemoveActivity(ctx, first.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	env.create(t, CreateRequest{Category: domain.CategoryPlanting, Amount: 5, TargetID: "field-7"})
}

func TestConcurrentCreatesOnOneTargetHaveSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	var (
		n    int
		idMu sync.Mutex
	)
	env.engine.newID = func() string {
		idMu.Lock()
		defer idMu.Unlock()
		n++
		return fmt.Sprintf("c-%d", n)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.CreateActivity(context.Background(), CreateRequest{Category: domain.CategoryPlanting, Amount: 1, TargetID: "field-1"})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestZeroWorkCompletesOnCreate(t *testing.T) {
	env := newTestEnv(t)
	completes := 0
	var calls []string
	act := env.create(t, CreateRequest{
		Category:   domain.CategoryAdministration,
		TargetID:   "office",
		OnProgress: func(p float64) { calls = append(calls, fmt.Sprintf("progress %.1f", p)) },
		OnComplete: func() { completes++; calls = append(calls, "complete") },
	})
	if act.State != domain.StateComplete || act.TotalWork != 0 || act.Progress() != 1 {
		t.Fatalf("unexpected activity %+v", act)
	}
	if completes != 1 {
		t.Fatalf("expected immediate completion, got %d", completes)
	}
	if len(calls) != 2 || calls[0] != "progress 1.0" || calls[1] != "complete" {
		t.Fatalf("expected progress 1 then completion, got %v", calls)
	}
	if env.engine.IsTargetBusy("office") || len(env.engine.ListActivities()) != 0 {
		t.Fatalf("zero work activity must not stay live")
	}
}

func TestTickSkipsUnstaffedActivities(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	act := env.create(t, CreateRequest{Category: domain.CategoryCrushing, OnProgress: func(float64) { calls++ }})
	report := env.engine.AdvanceAllByOneWeek(context.Background())
	if len(report.Skipped) != 1 || report.Skipped[0] != act.ID {
		t.Fatalf("expected skip, got %+v", report)
	}
	got, _ := env.engine.GetActivity(act.ID)
	if got.State != domain.StatePending || got.AppliedWork != 0 || calls != 0 {
		t.Fatalf("unstaffed activity changed: %+v calls=%d", got, calls)
	}
}

func TestAssignWorkersDropsUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	act := env.create(t, CreateRequest{Category: domain.CategoryCrushing, WorkerIDs: []string{"w40"}})

	res, err := env.engine.AssignWorkers(ctx, act.ID, []string{"ghost", "fa", "fa"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if len(res.WorkerIDs) != 1 || res.WorkerIDs[0] != "fa" {
		t.Fatalf("unexpected workers %v", res.WorkerIDs)
	}
	if len(res.Warnings) != 1 || !errors.Is(res.Warnings[0], ErrWorkerNotFound) {
		t.Fatalf("expected worker warning, got %v", res.Warnings)
	}
	got, _ := env.engine.GetActivity(act.ID)
	if len(got.WorkerIDs) != 1 || got.WorkerIDs[0] != "fa" {
		t.Fatalf("assignment should replace the set, got %v", got.WorkerIDs)
	}

	if _, err := env.engine.AssignWorkers(ctx, "missing", []string{"fa"}); !errors.Is(err, ErrActivityNotFound) {
		t.Fatalf("expected ErrActivityNotFound, got %v", err)
	}
}

func TestWorkerRemovedFromDirectoryStopsContributing(t *testing.T) {
	env := newTestEnv(t)
	act := env.create(t, CreateRequest{Category: domain.CategoryPlanting, Amount: 10, WorkerIDs: []string{"fa", "fb"}})
	env.roster.Remove("fa")
	report := env.engine.AdvanceAllByOneWeek(context.Background())
	if report.Processed[0].Contribution != 15 {
		t.Fatalf("expected only fb to contribute, got %+v", report.Processed)
	}
	got, _ := env.engine.GetActivity(act.ID)
	if got.AppliedWork != 15 {
		t.Fatalf("applied %v", got.AppliedWork)
	}
}

func TestSizingErrorsBlockCreation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.engine.CreateActivity(ctx, CreateRequest{Category: domain.CategoryCrushing, Amount: -1, TargetID: "t"}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.engine.CreateActivity(ctx, CreateRequest{Category: domain.CategoryBuilding, Amount: 1, TargetID: "t"}); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("expected ErrUnknownCategory, got %v", err)
	}
	if _, err := env.engine.CreateActivity(ctx, CreateRequest{Category: domain.CategoryCrushing, Params: domain.PlantingParams{Density: work.Float(5000)}}); !errors.Is(err, ErrParamsMismatch) {
		t.Fatalf("expected ErrParamsMismatch, got %v", err)
	}
	if env.engine.IsTargetBusy("t") {
		t.Fatalf("failed creation must not claim the target")
	}
}

func TestPlantingParamsFeedSizing(t *testing.T) {
	env := newTestEnv(t)
	act := env.create(t, CreateRequest{
		Category: domain.CategoryPlanting,
		Amount:   10,
		Params:   domain.PlantingParams{Grape: "Barbera", Density: work.Float(5000), Robustness: work.Float(1)},
		Work: work.Context{
			Altitude:    work.Float(300),
			MinAltitude: work.Float(100),
			MaxAltitude: work.Float(500),
		},
	})
	if act.TotalWork != 725 {
		t.Fatalf("expected 725, got %v", act.TotalWork)
	}
	if p, ok := act.Params.(domain.PlantingParams); !ok || p.Grape != "Barbera" {
		t.Fatalf("params not kept: %#v", act.Params)
	}
}

func TestFragileGrapeFromParamsCostsMore(t *testing.T) {
	env := newTestEnv(t)
	region := work.Context{
		Altitude:    work.Float(300),
		MinAltitude: work.Float(100),
		MaxAltitude: work.Float(500),
	}
	fromParams := env.create(t, CreateRequest{
		Category: domain.CategoryPlanting,
		Amount:   10,
		Params:   domain.PlantingParams{Grape: "Pinot Noir", Density: work.Float(5000), Robustness: work.Float(0)},
		Work:     region,
	})
	explicit := region
	explicit.Density = work.Float(5000)
	explicit.Robustness = work.Float(0)
	fromContext := env.create(t, CreateRequest{Category: domain.CategoryPlanting, Amount: 10, Work: explicit})

	if fromParams.TotalWork != fromContext.TotalWork {
		t.Fatalf("params robustness 0 sized %v, explicit context sized %v", fromParams.TotalWork, fromContext.TotalWork)
	}
	if fromParams.TotalWork != 1449 {
		t.Fatalf("expected fully fragile planting to cost 1449, got %v", fromParams.TotalWork)
	}

	unknown := env.create(t, CreateRequest{
		Category: domain.CategoryPlanting,
		Amount:   10,
		Params:   domain.PlantingParams{Grape: "Barbera", Density: work.Float(5000)},
		Work:     region,
	})
	if unknown.TotalWork != 725 {
		t.Fatalf("missing robustness should add no fragility, got %v", unknown.TotalWork)
	}
}

func TestParamsAreOwnedByTheActivity(t *testing.T) {
	env := newTestEnv(t)
	tasks := []string{"stones", "stumps"}
	act := env.create(t, CreateRequest{
		Category: domain.CategoryClearing,
		Amount:   1,
		TargetID: "plot-9",
		Params:   domain.ClearingParams{Tasks: tasks},
	})
	tasks[0] = "changed by caller"

	got, ok := env.engine.GetActivity(act.ID)
	if !ok {
		t.Fatalf("activity %s missing", act.ID)
	}
	if p := got.Params.(domain.ClearingParams); p.Tasks[0] != "stones" {
		t.Fatalf("caller slice leaked into the activity: %v", p.Tasks)
	}

	got.Params.(domain.ClearingParams).Tasks[1] = "changed by reader"
	snap := env.engine.Snapshot()
	if len(snap.Activities) != 1 {
		t.Fatalf("expected one activity in snapshot, got %d", len(snap.Activities))
	}
	if p := snap.Activities[0].Params.(domain.ClearingParams); p.Tasks[1] != "stumps" {
		t.Fatalf("returned copy shares params with the engine: %v", p.Tasks)
	}
	if p := act.Params.(domain.ClearingParams); p.Tasks[0] != "stones" {
		t.Fatalf("created copy shares params with the caller: %v", p.Tasks)
	}
}

func TestCallbacksMayReenterAndPanicsAreContained(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var seen domain.Activity
	env.create(t, CreateRequest{
		Category:   domain.CategoryCrushing,
		Amount:     0,
		WorkerIDs:  []string{"w40"},
		OnProgress: func(float64) { panic("progress boom") },
	})
	second := env.create(t, CreateRequest{Category: domain.CategoryCrushing, WorkerIDs: []string{"w40"}})
	completed := 0
	if _, err := env.engine.AssignWorkers(ctx, second.ID, []string{"w40"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	third := env.create(t, CreateRequest{
		Category:  domain.CategoryCrushing,
		WorkerIDs: []string{"w40"},
		OnProgress: func(float64) {
			seen, _ = env.engine.GetActivity(second.ID)
		},
		OnComplete: func() { completed++ },
	})
	for i := 0; i < 3; i++ {
		env.engine.AdvanceAllByOneWeek(ctx)
	}
	if seen.ID != second.ID {
		t.Fatalf("callback could not read the engine")
	}
	if completed != 1 {
		t.Fatalf("panicking neighbour stalled completion of %s", third.ID)
	}
}

func TestTickOrderDoesNotChangeOutcome(t *testing.T) {
	run := func(order []string) map[string]float64 {
		env := newTestEnv(t)
		out := map[string]float64{}
		for _, w := range order {
			env.create(t, CreateRequest{Category: domain.CategoryPlanting, Amount: 10, Title: w, WorkerIDs: []string{w}})
		}
		env.engine.AdvanceAllByOneWeek(context.Background())
		for _, a := range env.engine.ListActivities() {
			out[a.Title] = a.AppliedWork
		}
		return out
	}
	a := run([]string{"fa", "fb"})
	b := run([]string{"fb", "fa"})
	if a["fa"] != b["fa"] || a["fb"] != b["fb"] {
		t.Fatalf("outcome depends on order: %v vs %v", a, b)
	}
}

func TestEventsArePublished(t *testing.T) {
	env := newTestEnv(t)
	ch, cancel := env.bus.Subscribe()
	defer cancel()
	var hooked []string
	env.bus.OnEvent(func(evt events.Event) { hooked = append(hooked, evt.Type) })

	act := env.create(t, CreateRequest{Category: domain.CategoryCrushing, WorkerIDs: []string{"w40"}})
	for i := 0; i < 3; i++ {
		env.engine.AdvanceAllByOneWeek(context.Background())
	}
	want := []string{
		events.ActivityCreated,
		events.ActivityProgressed, events.TickCompleted,
		events.ActivityProgressed, events.TickCompleted,
		events.ActivityProgressed, events.ActivityCompleted, events.TickCompleted,
	}
	if fmt.Sprint(hooked) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, hooked)
	}
	first := <-ch
	if first.Type != events.ActivityCreated || first.EntityID != act.ID {
		t.Fatalf("unexpected first event %+v", first)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	act := env.create(t, CreateRequest{Category: domain.CategoryCrushing, TargetID: "tank-2", WorkerIDs: []string{"w40"}})
	env.engine.AdvanceAllByOneWeek(ctx)
	snap := env.engine.Snapshot()
	if snap.Week != 1 || len(snap.Activities) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	fresh := newTestEnv(t)
	if err := fresh.engine.Restore(ctx, snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if fresh.engine.Week() != 1 || !fresh.engine.IsTargetBusy("tank-2") {
		t.Fatalf("restore lost week or claims")
	}
	fresh.engine.AdvanceAllByOneWeek(ctx)
	got, _ := fresh.engine.GetActivity(act.ID)
	if got.AppliedWork != 80 {
		t.Fatalf("expected 80 after restore and tick, got %v", got.AppliedWork)
	}
}

func TestRestoreClampsAndDropsInvalidEntries(t *testing.T) {
	env := newTestEnv(t)
	snap := domain.Snapshot{Week: 4, Activities: []domain.Activity{
		{ID: "a", Category: domain.CategoryCrushing, TotalWork: 100, AppliedWork: -5, TargetID: "t1", State: domain.StatePending},
		{ID: "b", Category: domain.CategoryCrushing, TotalWork: 100, AppliedWork: 10, TargetID: "t1", State: domain.StateInProgress},
		{ID: "c", Category: domain.CategoryCrushing, TotalWork: 100, AppliedWork: 100, State: domain.StateComplete},
		{ID: "d", Category: domain.CategoryCrushing, TotalWork: 50, AppliedWork: 70, State: domain.StateInProgress},
	}}
	if err := env.engine.Restore(context.Background(), snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	list := env.engine.ListActivities()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "d" {
		t.Fatalf("unexpected live set %+v", list)
	}
	if list[0].AppliedWork != 0 || list[1].AppliedWork != 50 {
		t.Fatalf("expected clamped values, got %v and %v", list[0].AppliedWork, list[1].AppliedWork)
	}
	if holder, _ := env.engine.Locks().Holder("t1"); holder != "a" {
		t.Fatalf("expected a to hold t1, got %q", holder)
	}
}

func TestEstimateIsDisplayOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	act := env.create(t, CreateRequest{Category: domain.CategoryPlanting, Amount: 1, WorkerIDs: []string{"fa", "fb"}})
	est, err := env.engine.Estimate(ctx, act.ID)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if est.WeeklyContribution != 55 || est.PreviewContribution >= est.WeeklyContribution || est.Weeks < 1 {
		t.Fatalf("unexpected estimate %+v", est)
	}
	report := env.engine.AdvanceAllByOneWeek(ctx)
	if report.Processed[0].Contribution != 55 {
		t.Fatalf("preview leaked into the tick: %+v", report.Processed[0])
	}
	if _, err := env.engine.Estimate(ctx, "nope"); !errors.Is(err, ErrActivityNotFound) {
		t.Fatalf("expected ErrActivityNotFound, got %v", err)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	act := env.create(t, CreateRequest{Category: domain.CategoryCrushing, WorkerIDs: []string{"w40"}})
	if err := env.engine.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := env.engine.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if _, err := env.engine.CreateActivity(ctx, CreateRequest{Category: domain.CategoryCrushing}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	if _, err := env.engine.Tick(ctx); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown from tick, got %v", err)
	}
	if _, ok := env.engine.GetActivity(act.ID); !ok {
		t.Fatalf("queries keep working after shutdown")
	}
}

func TestQuoteDoesNotRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, CreateRequest{Category: domain.CategoryCrushing, TargetID: "tank-9"})
	q, err := env.engine.Quote(ctx, CreateRequest{Category: domain.CategoryCrushing, TargetID: "tank-9", WorkerIDs: []string{"w40", "ghost"}})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.TotalWork != 100 || q.Weeks != 3 || !q.TargetBusy || len(q.Dropped) != 1 {
		t.Fatalf("unexpected quote %+v", q)
	}
	if len(env.engine.ListActivities()) != 1 {
		t.Fatalf("quote must not register an activity")
	}
}
