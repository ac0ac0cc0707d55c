package app

import (
	"context"
	"testing"

	"vintner/internal/domain"
	"vintner/internal/engine"
	"vintner/internal/logging"
	"vintner/internal/repo"
)

func TestRuntimePersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()

	rt, err := Open(ctx, workspace, Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := rt.PutWorker(ctx, domain.Worker{ID: "w1", Capacity: 50, Skills: map[domain.SkillKind]float64{domain.SkillField: 1}}); err != nil {
		t.Fatalf("put worker: %v", err)
	}
	act, err := rt.Engine.CreateActivity(ctx, engine.CreateRequest{
		Category:  domain.CategoryClearing,
		Amount:    1,
		TargetID:  "field-3",
		WorkerIDs: []string{"w1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rt.Engine.AdvanceAllByOneWeek(ctx)
	if err := rt.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt, err = Open(ctx, workspace, Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt.Close(ctx)
	if rt.Engine.Week() != 1 {
		t.Fatalf("expected week 1, got %d", rt.Engine.Week())
	}
	got, ok := rt.Engine.GetActivity(act.ID)
	if !ok || got.AppliedWork != 50 || got.State != domain.StateInProgress {
		t.Fatalf("activity not restored: %+v", got)
	}
	if !rt.Engine.IsTargetBusy("field-3") {
		t.Fatalf("target claim not restored")
	}
	if _, ok := rt.Roster.Lookup("w1"); !ok {
		t.Fatalf("roster not restored")
	}

	evts, err := rt.Repo.LatestEvents(ctx, repo.EventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 3 {
		t.Fatalf("expected created, progressed, tick events; got %+v", evts)
	}

	if err := rt.RemoveWorker(ctx, "w1"); err != nil {
		t.Fatalf("remove worker: %v", err)
	}
	report := rt.Engine.AdvanceAllByOneWeek(ctx)
	if report.Processed[0].Contribution != 0 {
		t.Fatalf("removed worker still contributes: %+v", report.Processed)
	}
}
