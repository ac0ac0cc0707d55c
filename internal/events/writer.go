package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer appends events to the journal table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, exec Execer, evtType string, week int, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if exec == nil {
		exec = w.DB
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO events(ts,type,week,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, week, entityKind, nullable(entityID), string(data))
	return err
}

// Hook returns a bus hook that journals every published event. Write failures
// are logged; the journal never blocks the scheduler.
func (w Writer) Hook(logger *slog.Logger) Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return func(evt Event) {
		if err := w.Append(context.Background(), w.DB, evt.Type, evt.Week, evt.EntityKind, evt.EntityID, evt.Payload); err != nil {
			logger.Error("journal append failed", "type", evt.Type, "entity_id", evt.EntityID, "error", err)
		}
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
