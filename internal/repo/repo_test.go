package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"handoff/internal/db"
	"handoff/internal/domain"
	"handoff/internal/events"
	"handoff/internal/migrate"
	"handoff/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestDraftLocationUpsert(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	if _, err := r.GetDraftLocation(ctx, "DRAFT-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	loc := repo.DraftLocation{DraftID: "DRAFT-1", Domain: "email", Status: domain.DraftStatusDraft, Ref: "Plans/email/DRAFT-1.json", UpdatedAt: "t0"}
	if err := r.UpsertDraftLocation(ctx, loc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	loc.Status = domain.DraftStatusPending
	loc.Ref = "Pending_Approval/email/DRAFT-1.json"
	if err := r.UpsertDraftLocation(ctx, loc); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.GetDraftLocation(ctx, "DRAFT-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Ref != loc.Ref || got.Status != domain.DraftStatusPending {
		t.Fatalf("unexpected location %+v", got)
	}
	pending, err := r.ListDraftLocations(ctx, domain.DraftStatusPending, "email")
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending location, got %d (%v)", len(pending), err)
	}
	if err := r.DeleteDraftLocation(ctx, "DRAFT-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteDraftLocation(ctx, "DRAFT-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestEventQueries(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	w := events.Writer{DB: r.DB, Now: func() time.Time { return fixed }}
	for _, typ := range []string{events.TaskClaimed, events.DraftCreated, events.DraftSubmitted} {
		if err := w.Record(ctx, typ, "draft", "DRAFT-1", "cloud", events.EventPayload{"k": typ}); err != nil {
			t.Fatalf("record %s: %v", typ, err)
		}
	}
	latest, err := r.LatestEvents(ctx, 2, 0, repo.EventFilter{})
	if err != nil || len(latest) != 2 || latest[0].Type != events.DraftSubmitted {
		t.Fatalf("unexpected latest events %+v (%v)", latest, err)
	}
	older, err := r.LatestEvents(ctx, 10, latest[1].ID, repo.EventFilter{})
	if err != nil || len(older) != 1 || older[0].Type != events.TaskClaimed {
		t.Fatalf("unexpected cursor page %+v (%v)", older, err)
	}
	after, err := r.EventsAfter(ctx, 10, older[0].ID)
	if err != nil || len(after) != 2 {
		t.Fatalf("unexpected events after cursor: %d (%v)", len(after), err)
	}
	filtered, err := r.LatestEvents(ctx, 10, 0, repo.EventFilter{Type: events.DraftCreated})
	if err != nil || len(filtered) != 1 || filtered[0].TS != "2025-01-02T03:04:05Z" {
		t.Fatalf("unexpected filtered events %+v (%v)", filtered, err)
	}
	counts, err := r.CountEventsByType(ctx)
	if err != nil || counts[events.TaskClaimed] != 1 {
		t.Fatalf("unexpected counts %v (%v)", counts, err)
	}
	id, err := r.LatestEventID(ctx)
	if err != nil || id != latest[0].ID {
		t.Fatalf("latest id %d != %d (%v)", id, latest[0].ID, err)
	}
}
