package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"handoff/internal/domain"
)

// Event types appended by the registries.
const (
	TaskEnqueued   = "task.enqueued"
	TaskClaimed    = "task.claimed"
	TaskReleased   = "task.released"
	TaskCompleted  = "task.completed"
	DraftCreated   = "draft.created"
	DraftSubmitted = "draft.submitted"
	DraftApproved  = "draft.approved"
	DraftRejected  = "draft.rejected"
	DraftExecuted  = "draft.executed"
	SyncRun        = "sync.run"
	HealthAlert    = "health.alert"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event through ex, or through w.DB when ex is nil.
func (w Writer) Append(ctx context.Context, ex Execer, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if ex == nil {
		if w.DB == nil {
			return fmt.Errorf("events writer has no database")
		}
		ex = w.DB
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		domain.FormatTime(w.Now()), evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

// Recorder is what registries depend on; a nil Recorder disables events.
type Recorder interface {
	Record(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error
}

// Record appends outside any caller transaction.
func (w Writer) Record(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.Append(ctx, nil, evtType, entityKind, entityID, actorID, payload)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
