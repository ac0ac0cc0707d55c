package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vintner/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// --- workers ---

func (r Repo) UpsertWorker(ctx context.Context, w domain.Worker) (domain.Worker, error) {
	if err := w.Validate(); err != nil {
		return w, err
	}
	skills, err := json.Marshal(w.Skills)
	if err != nil {
		return w, fmt.Errorf("marshal skills: %w", err)
	}
	specs := w.Specializations
	if specs == nil {
		specs = []domain.SkillKind{}
	}
	specJSON, err := json.Marshal(specs)
	if err != nil {
		return w, fmt.Errorf("marshal specializations: %w", err)
	}
	if w.CreatedAt == "" {
		w.CreatedAt = r.now()
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workers(id,name,capacity,skills_json,specializations_json,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, capacity=excluded.capacity, skills_json=excluded.skills_json, specializations_json=excluded.specializations_json`,
		w.ID, w.Name, w.Capacity, string(skills), string(specJSON), w.CreatedAt)
	if err != nil {
		return w, err
	}
	return w, nil
}

func scanWorker(scan func(dest ...any) error) (domain.Worker, error) {
	var (
		w             domain.Worker
		skills, specs string
	)
	if err := scan(&w.ID, &w.Name, &w.Capacity, &skills, &specs, &w.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, ErrNotFound
		}
		return w, err
	}
	if err := json.Unmarshal([]byte(skills), &w.Skills); err != nil {
		return w, fmt.Errorf("worker %s skills: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(specs), &w.Specializations); err != nil {
		return w, fmt.Errorf("worker %s specializations: %w", w.ID, err)
	}
	if w.Skills == nil {
		w.Skills = map[domain.SkillKind]float64{}
	}
	return w, nil
}

const workerColumns = `id,name,capacity,skills_json,specializations_json,created_at`

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id)
	return scanWorker(row.Scan)
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWorker(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM workers WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- scheduler snapshot ---

// SaveSnapshot replaces the stored live set and week in one transaction.
func (r Repo) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM activities`); err != nil {
		return fmt.Errorf("clear activities: %w", err)
	}
	for _, a := range snap.Activities {
		if err := insertActivity(ctx, tx, a); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO scheduler_state(id,week,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET week=excluded.week, updated_at=excluded.updated_at`, snap.Week, r.now()); err != nil {
		return fmt.Errorf("save scheduler week: %w", err)
	}
	return tx.Commit()
}

func insertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	workerIDs := a.WorkerIDs
	if workerIDs == nil {
		workerIDs = []string{}
	}
	ids, err := json.Marshal(workerIDs)
	if err != nil {
		return err
	}
	params, err := domain.EncodeParams(a.Params)
	if err != nil {
		return err
	}
	var paramsArg any
	if params != nil {
		paramsArg = string(params)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activities(id,category,title,target_id,total_work,applied_work,state,worker_ids_json,params_json,created_week,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Category), nullable(a.Title), nullable(a.TargetID), a.TotalWork, a.AppliedWork, string(a.State),
		string(ids), paramsArg, a.CreatedWeek, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert activity %s: %w", a.ID, err)
	}
	return nil
}

// LoadSnapshot returns the stored live set ordered by id; an empty workspace
// yields week 0 and no activities.
func (r Repo) LoadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := r.DB.QueryRowContext(ctx, `SELECT week FROM scheduler_state WHERE id=1`).Scan(&snap.Week)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("read scheduler week: %w", err)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,category,COALESCE(title,''),COALESCE(target_id,''),total_work,applied_work,state,worker_ids_json,params_json,created_week,created_at,updated_at
FROM activities ORDER BY id`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a        domain.Activity
			category string
			state    string
			ids      string
			params   sql.NullString
		)
		if err := rows.Scan(&a.ID, &category, &a.Title, &a.TargetID, &a.TotalWork, &a.AppliedWork, &state, &ids, &params, &a.CreatedWeek, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return snap, err
		}
		a.Category = domain.Category(category)
		a.State = domain.ActivityState(state)
		if err := json.Unmarshal([]byte(ids), &a.WorkerIDs); err != nil {
			return snap, fmt.Errorf("activity %s worker ids: %w", a.ID, err)
		}
		if params.Valid {
			p, err := domain.DecodeParams([]byte(params.String))
			if err != nil {
				return snap, fmt.Errorf("activity %s: %w", a.ID, err)
			}
			a.Params = p
		}
		snap.Activities = append(snap.Activities, a)
	}
	return snap, rows.Err()
}

// --- events ---

// EventFilter narrows LatestEvents. BeforeID pages backwards from an event id.
type EventFilter struct {
	Limit      int
	BeforeID   int64
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEvents returns matching events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	var (
		where []string
		args  []any
	)
	if f.BeforeID > 0 {
		where = append(where, "id<?")
		args = append(args, f.BeforeID)
	}
	if f.Type != "" {
		where = append(where, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		where = append(where, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, f.EntityID)
	}
	q := `SELECT id,ts,type,week,entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)
	return r.queryEvents(ctx, q, args...)
}

// EventsAfter returns up to limit events with id > afterID in id order.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,week,entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, q string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Week, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
