package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"handoff/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// DraftLocation is the index row mapping a draft id onto its current file.
type DraftLocation struct {
	DraftID   string
	Domain    string
	Status    domain.DraftStatus
	Ref       string
	UpdatedAt string
}

func (r Repo) UpsertDraftLocation(ctx context.Context, loc DraftLocation) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO draft_locations(draft_id,domain,status,ref,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(draft_id) DO UPDATE SET domain=excluded.domain, status=excluded.status, ref=excluded.ref, updated_at=excluded.updated_at`,
		loc.DraftID, loc.Domain, string(loc.Status), loc.Ref, loc.UpdatedAt)
	return err
}

func (r Repo) GetDraftLocation(ctx context.Context, id string) (DraftLocation, error) {
	var loc DraftLocation
	var status string
	err := r.DB.QueryRowContext(ctx, `SELECT draft_id,domain,status,ref,updated_at FROM draft_locations WHERE draft_id=?`, id).
		Scan(&loc.DraftID, &loc.Domain, &status, &loc.Ref, &loc.UpdatedAt)
	if err == sql.ErrNoRows {
		return loc, ErrNotFound
	}
	loc.Status = domain.DraftStatus(status)
	return loc, err
}

func (r Repo) DeleteDraftLocation(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM draft_locations WHERE draft_id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDraftLocations filters the index by status and domain; empty values match all.
func (r Repo) ListDraftLocations(ctx context.Context, status domain.DraftStatus, dom string) ([]DraftLocation, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(status))
	}
	if dom != "" {
		clauses = append(clauses, "domain=?")
		args = append(args, dom)
	}
	query := `SELECT draft_id,domain,status,ref,updated_at FROM draft_locations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY draft_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DraftLocation
	for rows.Next() {
		var loc DraftLocation
		var st string
		if err := rows.Scan(&loc.DraftID, &loc.Domain, &st, &loc.Ref, &loc.UpdatedAt); err != nil {
			return nil, err
		}
		loc.Status = domain.DraftStatus(st)
		res = append(res, loc)
	}
	return res, rows.Err()
}

// EventFilter narrows event queries; zero values match all.
type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
}

func (f EventFilter) where(clauses []string, args []any) ([]string, []any) {
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	return clauses, args
}

// LatestEvents returns events newest first, strictly older than cursor when cursor > 0.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.where([]string{"1=1"}, nil)
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CountEventsByType aggregates the event log for dashboards.
func (r Repo) CountEventsByType(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, COUNT(*) FROM events GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		res[typ] = n
	}
	return res, rows.Err()
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
