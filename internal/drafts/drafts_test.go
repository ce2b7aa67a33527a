package drafts_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"handoff/internal/db"
	"handoff/internal/domain"
	"handoff/internal/drafts"
	"handoff/internal/events"
	"handoff/internal/guard"
	"handoff/internal/migrate"
	"handoff/internal/repo"
	"handoff/internal/vault"
)

type testEnv struct {
	reg  drafts.Registry
	repo repo.Repo
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	layout := vault.New(ws, "Platinum")
	if err := layout.Ensure([]string{"email", "social"}, []string{"cloud", "local"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	r := repo.Repo{DB: conn}
	tick := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return testEnv{
		reg:  drafts.Registry{Layout: layout, Index: r, Events: events.Writer{DB: conn, Now: now}, Now: now},
		repo: r,
	}
}

func mustCreate(t *testing.T, reg drafts.Registry, dom string) domain.Draft {
	t.Helper()
	d, err := reg.Create(context.Background(), dom, "Re: invoice", "body", "cloud")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return d
}

func TestCreatePlacesDraftInPlans(t *testing.T) {
	env := newTestEnv(t)
	d := mustCreate(t, env.reg, "email")
	if len(d.ID) != len("DRAFT-")+8 || d.Status != domain.DraftStatusDraft {
		t.Fatalf("unexpected draft %+v", d)
	}
	if len(d.AuditTrail) != 1 || d.AuditTrail[0].Action != domain.ActionCreated || d.AuditTrail[0].Actor != "cloud" {
		t.Fatalf("unexpected trail %+v", d.AuditTrail)
	}
	if _, err := os.Stat(filepath.Join(env.reg.Layout.Plans("email"), d.ID+".json")); err != nil {
		t.Fatalf("draft file missing: %v", err)
	}
}

func TestAuditTrailIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	d := mustCreate(t, env.reg, "email")
	first := d.AuditTrail[0]

	if ok, err := env.reg.SubmitForApproval(ctx, d.ID); err != nil || !ok {
		t.Fatalf("submit: %v %v", ok, err)
	}
	afterSubmit, err := env.reg.AuditTrail(ctx, d.ID)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	approved, err := env.reg.Approve(ctx, d.ID, "local")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	trail := approved.AuditTrail
	want := []string{domain.ActionCreated, domain.ActionSubmitted, domain.ActionApproved}
	if len(trail) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(trail))
	}
	for i, a := range want {
		if trail[i].Action != a {
			t.Fatalf("entry %d = %s, want %s", i, trail[i].Action, a)
		}
	}
	if !reflect.DeepEqual(trail[0], first) || !reflect.DeepEqual(trail[:2], afterSubmit) {
		t.Fatalf("earlier entries were mutated")
	}
	if approved.DerivedStatus() != approved.Status {
		t.Fatalf("status %s not derivable from trail", approved.Status)
	}
}

func TestLocationEncodesState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	layout := env.reg.Layout

	rej := mustCreate(t, env.reg, "email")
	if ok, _ := env.reg.SubmitForApproval(ctx, rej.ID); !ok {
		t.Fatalf("submit failed")
	}
	if _, err := env.reg.Reject(ctx, rej.ID, "local", "tone"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	pendingPath := filepath.Join(layout.Pending("email"), rej.ID+".json")
	if _, err := os.Stat(pendingPath); err != nil {
		t.Fatalf("rejected draft should stay in pending bucket: %v", err)
	}
	got, err := env.reg.Get(ctx, rej.ID)
	if err != nil || got.Status != domain.DraftStatusRejected || got.RejectReason == nil || *got.RejectReason != "tone" {
		t.Fatalf("unexpected rejected draft %+v (%v)", got, err)
	}
	if got.AuditTrail[2].Reason != "tone" {
		t.Fatalf("reason missing from trail")
	}

	app := mustCreate(t, env.reg, "email")
	env.reg.SubmitForApproval(ctx, app.ID)
	if _, err := env.reg.Approve(ctx, app.ID, "local"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	ref, err := env.reg.Ref(ctx, app.ID)
	if err != nil || ref != "Done/"+app.ID+".json" {
		t.Fatalf("approved draft at %q (%v)", ref, err)
	}
	for _, dir := range []string{layout.Plans("email"), layout.Pending("email")} {
		if _, err := os.Stat(filepath.Join(dir, app.ID+".json")); !os.IsNotExist(err) {
			t.Fatalf("approved draft still present in %s", dir)
		}
	}
}

func TestRejectedDraftCanBeResubmittedInPlace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	d := mustCreate(t, env.reg, "social")
	env.reg.SubmitForApproval(ctx, d.ID)
	env.reg.Reject(ctx, d.ID, "local", "typo")

	if ok, err := env.reg.SubmitForApproval(ctx, d.ID); err != nil || !ok {
		t.Fatalf("resubmit: %v %v", ok, err)
	}
	pending, err := env.reg.ListPending(ctx, "social")
	if err != nil || len(pending) != 1 || len(pending[0].AuditTrail) != 4 {
		t.Fatalf("unexpected pending list %+v (%v)", pending, err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	d := mustCreate(t, env.reg, "email")

	if _, err := env.reg.Approve(ctx, d.ID, "local"); !errors.Is(err, drafts.ErrInvalidTransition) {
		t.Fatalf("approve from draft: %v", err)
	}
	if _, err := env.reg.Reject(ctx, d.ID, "local", "x"); !errors.Is(err, drafts.ErrInvalidTransition) {
		t.Fatalf("reject from draft: %v", err)
	}
	env.reg.SubmitForApproval(ctx, d.ID)
	if ok, err := env.reg.SubmitForApproval(ctx, d.ID); ok || err != nil {
		t.Fatalf("double submit = %v, %v", ok, err)
	}
	env.reg.Approve(ctx, d.ID, "local")
	if _, err := env.reg.Reject(ctx, d.ID, "local", "late"); !errors.Is(err, drafts.ErrInvalidTransition) {
		t.Fatalf("reject after approve: %v", err)
	}
	trail, _ := env.reg.AuditTrail(ctx, d.ID)
	if len(trail) != 3 {
		t.Fatalf("refused transitions must not touch the trail, got %d entries", len(trail))
	}
}

func TestUnknownDraft(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	if ok, err := env.reg.SubmitForApproval(ctx, "DRAFT-NOPE"); ok || err != nil {
		t.Fatalf("submit unknown = %v, %v", ok, err)
	}
	if _, err := env.reg.Approve(ctx, "DRAFT-NOPE", "local"); !errors.Is(err, drafts.ErrNotFound) {
		t.Fatalf("approve unknown: %v", err)
	}
	if _, err := env.reg.Get(ctx, "../etc"); !errors.Is(err, drafts.ErrNotFound) {
		t.Fatalf("escaping id: %v", err)
	}
	trail, err := env.reg.AuditTrail(ctx, "DRAFT-NOPE")
	if err != nil || len(trail) != 0 {
		t.Fatalf("unknown trail = %v, %v", trail, err)
	}
}

func TestRestrictedRoleCannotDecide(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	d := mustCreate(t, env.reg, "email")
	env.reg.SubmitForApproval(ctx, d.ID)

	cloud, err := guard.New("cloud")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	_, err = env.reg.WithGuard(cloud).Approve(ctx, d.ID, "cloud")
	var perr *guard.PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if errors.Is(err, drafts.ErrNotFound) {
		t.Fatalf("policy violation must be distinguishable from not-found")
	}
	local, _ := guard.New("local")
	if _, err := env.reg.WithGuard(local).Approve(ctx, d.ID, "local"); err != nil {
		t.Fatalf("local approve: %v", err)
	}
}

func TestStaleIndexIsRepairedByScan(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	d := mustCreate(t, env.reg, "email")

	// Simulate a replica that moved the file behind this process's back.
	src := filepath.Join(env.reg.Layout.Plans("email"), d.ID+".json")
	dst := filepath.Join(env.reg.Layout.Pending("email"), d.ID+".json")
	if err := os.Rename(src, dst); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := env.reg.Get(ctx, d.ID); err != nil {
		t.Fatalf("get after external move: %v", err)
	}
	loc, err := env.repo.GetDraftLocation(ctx, d.ID)
	if err != nil || loc.Ref != "Pending_Approval/email/"+d.ID+".json" {
		t.Fatalf("index not repaired: %+v (%v)", loc, err)
	}

	if err := os.Remove(dst); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := env.reg.Get(ctx, d.ID); !errors.Is(err, drafts.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.repo.GetDraftLocation(ctx, d.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("dangling index entry kept: %v", err)
	}
}

func TestScanOnlyRegistry(t *testing.T) {
	ctx := context.Background()
	layout := vault.New(t.TempDir(), "Platinum")
	reg := drafts.Registry{Layout: layout}
	d, err := reg.Create(ctx, "email", "t", "b", "cloud")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := reg.SubmitForApproval(ctx, d.ID); err != nil || !ok {
		t.Fatalf("submit: %v %v", ok, err)
	}
	all, err := reg.ListPending(ctx, "")
	if err != nil || len(all) != 1 || all[0].ID != d.ID {
		t.Fatalf("unexpected pending %v (%v)", all, err)
	}
	rejected, err := reg.List(ctx, domain.DraftStatusRejected, "")
	if err != nil || len(rejected) != 0 {
		t.Fatalf("unexpected rejected %v (%v)", rejected, err)
	}
}

func TestTransitionsAreLogged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	d := mustCreate(t, env.reg, "email")
	env.reg.SubmitForApproval(ctx, d.ID)
	env.reg.Approve(ctx, d.ID, "local")

	evts, err := env.repo.LatestEvents(ctx, 10, 0, repo.EventFilter{EntityKind: "draft", EntityID: d.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for i := len(evts) - 1; i >= 0; i-- {
		types = append(types, evts[i].Type)
	}
	want := []string{events.DraftCreated, events.DraftSubmitted, events.DraftApproved}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestConcurrentApproveAndRejectLeaveOneFile(t *testing.T) {
	ctx := context.Background()
	layout := vault.New(t.TempDir(), "Platinum")
	reg := drafts.Registry{Layout: layout}
	for round := 0; round < 25; round++ {
		d, err := reg.Create(ctx, "email", "t", "b", "cloud")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if ok, err := reg.SubmitForApproval(ctx, d.ID); err != nil || !ok {
			t.Fatalf("submit: %v %v", ok, err)
		}
		errs := make([]error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = reg.Approve(ctx, d.ID, "local")
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = reg.Reject(ctx, d.ID, "local", "tone")
		}()
		wg.Wait()

		for _, err := range errs {
			if err != nil && !errors.Is(err, drafts.ErrInvalidTransition) && !errors.Is(err, drafts.ErrNotFound) {
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if errs[0] != nil && errs[1] != nil {
			t.Fatalf("round %d: both decisions failed: %v / %v", round, errs[0], errs[1])
		}
		name := d.ID + ".json"
		present := 0
		for _, dir := range []string{layout.Plans("email"), layout.Pending("email"), layout.Done()} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				present++
			}
		}
		if present != 1 {
			t.Fatalf("round %d: draft present in %d buckets", round, present)
		}
		entries, _ := os.ReadDir(layout.Pending("email"))
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				t.Fatalf("round %d: leftover temp file %s", round, e.Name())
			}
		}
	}
}
