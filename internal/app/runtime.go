// Package app assembles a scheduler runtime from a workspace: database,
// config, roster, engine and journal.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"vintner/internal/config"
	"vintner/internal/db"
	"vintner/internal/domain"
	"vintner/internal/engine"
	"vintner/internal/events"
	"vintner/internal/logging"
	"vintner/internal/migrate"
	"vintner/internal/repo"
	"vintner/internal/staff"
)

type Runtime struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Roster    *staff.Roster
	Engine    *engine.Engine
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Options tweak Open. The zero value loads everything from the workspace.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
	// Config overrides the workspace config file.
	Config *config.Config
}

// Open migrates the workspace database, loads config and roster, restores the
// last saved scheduler snapshot and hooks the journal onto the event bus.
func Open(ctx context.Context, workspace string, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(workspace)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			loaded = config.Default()
		}
		cfg = loaded
	}
	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("config.log: %w", err)
		}
		logger = l
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Workspace: workspace,
		DB:        conn,
		Repo:      repo.Repo{DB: conn, Now: now},
		Config:    cfg,
		Logger:    logger,
	}
	if err := rt.init(ctx, now); err != nil {
		conn.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) init(ctx context.Context, now func() time.Time) error {
	if err := migrate.Migrate(ctx, rt.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	workers, err := rt.Repo.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("load workers: %w", err)
	}
	rt.Roster = staff.NewRoster(workers...)

	rt.Bus = events.NewBus(rt.Config.Engine.EventBuffer, rt.Logger)
	rt.Bus.OnEvent(events.Writer{DB: rt.DB, Now: now}.Hook(rt.Logger))

	eng, err := engine.New(engine.Options{
		Config:    rt.Config,
		Directory: rt.Roster,
		Bus:       rt.Bus,
		Logger:    rt.Logger,
		Now:       now,
	})
	if err != nil {
		return err
	}
	rt.Engine = eng

	snap, err := rt.Repo.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return eng.Restore(ctx, snap)
}

// Persist stores the current week and live set.
func (rt *Runtime) Persist(ctx context.Context) error {
	if err := rt.Repo.SaveSnapshot(ctx, rt.Engine.Snapshot()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// PutWorker stores a worker and makes it visible to the scheduler.
func (rt *Runtime) PutWorker(ctx context.Context, w domain.Worker) (domain.Worker, error) {
	saved, err := rt.Repo.UpsertWorker(ctx, w)
	if err != nil {
		return saved, err
	}
	if err := rt.Roster.Put(saved); err != nil {
		return saved, err
	}
	return saved, nil
}

// RemoveWorker deletes a worker. Activities keep the id; the worker simply
// stops contributing.
func (rt *Runtime) RemoveWorker(ctx context.Context, id string) error {
	if err := rt.Repo.DeleteWorker(ctx, id); err != nil {
		return err
	}
	rt.Roster.Remove(id)
	return nil
}

// Close persists the scheduler, shuts it down and closes the database.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.Persist(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.Engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	rt.Bus.Close()
	if err := rt.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
