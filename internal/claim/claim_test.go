package claim_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"handoff/internal/claim"
	"handoff/internal/domain"
	"handoff/internal/vault"
)

func newRegistry(t *testing.T) claim.Registry {
	t.Helper()
	layout := vault.New(t.TempDir(), "Platinum")
	if err := layout.Ensure([]string{"email", "social"}, []string{"cloud", "local"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return claim.Registry{Layout: layout, DefaultDomain: "email", Now: func() time.Time { return fixed }}
}

func enqueue(t *testing.T, r claim.Registry, item domain.TaskItem) string {
	t.Helper()
	ref, err := r.Enqueue(context.Background(), item)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return ref
}

func TestConcurrentClaimHasExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	ref := enqueue(t, r, domain.TaskItem{ID: "T1", Domain: "email", Title: "hello"})

	const n = 8
	results := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := r.Claim(ctx, ref, fmt.Sprintf("agent%d", i))
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	winner := ""
	for i, ok := range results {
		if ok {
			winners++
			winner = fmt.Sprintf("agent%d", i)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	owner, ok, err := r.Owner(ref)
	if err != nil || !ok || owner != winner {
		t.Fatalf("owner = %q (%v, %v), want %s", owner, ok, err, winner)
	}
	for i := 0; i < n; i++ {
		entries, _ := os.ReadDir(r.Layout.InProgress(fmt.Sprintf("agent%d", i)))
		for _, e := range entries {
			if e.Name() != "T1.json" {
				t.Fatalf("leftover file %s in agent%d", e.Name(), i)
			}
		}
	}
}

func TestClaimRewritesMetadataAndKeepsUnknownFields(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	ref := enqueue(t, r, domain.TaskItem{ID: "T2", Domain: "social", Title: "post", Amount: 12.5, Category: "ads"})

	ok, err := r.Claim(ctx, ref, "cloud")
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	item, err := r.Load("In_Progress/cloud/T2.json")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if item.Owner == nil || *item.Owner != "cloud" || item.Status != domain.TaskClaimed {
		t.Fatalf("metadata not rewritten: %+v", item)
	}
	if item.ClaimedAt == nil || *item.ClaimedAt != "2025-03-01T12:00:00Z" {
		t.Fatalf("unexpected claimed_at %v", item.ClaimedAt)
	}
	if item.Amount != 12.5 || item.Category != "ads" {
		t.Fatalf("extra fields lost: %+v", item)
	}
	if _, err := os.Stat(r.Layout.Abs(ref)); !os.IsNotExist(err) {
		t.Fatalf("source should be gone")
	}
}

func TestClaimReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	ref := enqueue(t, r, domain.TaskItem{ID: "T3", Domain: "social", Title: "x"})

	if ok, err := r.Claim(ctx, ref, "cloud"); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if ok, err := r.Claim(ctx, ref, "local"); err != nil || ok {
		t.Fatalf("second claim should fail cleanly: %v %v", ok, err)
	}
	if ok, err := r.Release(ctx, "T3.json", "local"); err != nil || ok {
		t.Fatalf("release by non-owner should fail: %v %v", ok, err)
	}
	if ok, err := r.Release(ctx, ref, "cloud"); err != nil || !ok {
		t.Fatalf("release: %v %v", ok, err)
	}
	avail, err := r.ListAvailable("social")
	if err != nil || len(avail) != 1 || avail[0] != ref {
		t.Fatalf("item not back in its domain: %v (%v)", avail, err)
	}
	item, err := r.Load(ref)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if item.Owner != nil || item.ClaimedAt != nil || item.Status != domain.TaskNeedsAction {
		t.Fatalf("metadata not reversed: %+v", item)
	}
	if claimed, _ := r.IsClaimed(ref); claimed {
		t.Fatalf("item still reported as claimed")
	}
}

func TestReleaseFallsBackToDefaultDomain(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	path := filepath.Join(r.Layout.InProgress("cloud"), "raw.json")
	if err := os.WriteFile(path, []byte(`{"title":"no domain"}`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if ok, err := r.Release(ctx, "raw.json", "cloud"); err != nil || !ok {
		t.Fatalf("release: %v %v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(r.Layout.NeedsAction("email"), "raw.json")); err != nil {
		t.Fatalf("expected item in default domain: %v", err)
	}
}

func TestClaimMovesUnparsableItemsAsIs(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	path := filepath.Join(r.Layout.NeedsAction("email"), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if ok, err := r.Claim(ctx, "Needs_Action/email/broken.json", "cloud"); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	data, err := os.ReadFile(filepath.Join(r.Layout.InProgress("cloud"), "broken.json"))
	if err != nil || string(data) != "{not json" {
		t.Fatalf("content changed: %q %v", data, err)
	}
}

func TestClaimRejectsEscapingRefs(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	for _, ref := range []string{"../outside.json", "/etc/passwd", "Plans/email/x.json", "Needs_Action/../Done/x.json"} {
		if ok, err := r.Claim(ctx, ref, "cloud"); ok || err != nil {
			t.Fatalf("claim %s = %v, %v", ref, ok, err)
		}
	}
	if _, err := r.Claim(ctx, "Needs_Action/email/x.json", "../cloud"); err == nil {
		t.Fatalf("expected error for invalid owner")
	}
	if ok, err := r.Claim(ctx, "Needs_Action/email/missing.json", "cloud"); ok || err != nil {
		t.Fatalf("missing source = %v, %v", ok, err)
	}
}

func TestListingAndComplete(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	a := enqueue(t, r, domain.TaskItem{ID: "A", Domain: "email", Title: "a"})
	enqueue(t, r, domain.TaskItem{ID: "B", Domain: "social", Title: "b"})

	all, err := r.ListAvailable("")
	if err != nil || len(all) != 2 || all[0] != "Needs_Action/email/A.json" {
		t.Fatalf("unexpected listing %v (%v)", all, err)
	}
	if _, err := r.Enqueue(ctx, domain.TaskItem{ID: "A", Domain: "email"}); err == nil {
		t.Fatalf("duplicate enqueue should fail")
	}
	if ok, _ := r.Claim(ctx, a, "cloud"); !ok {
		t.Fatalf("claim failed")
	}
	mine, err := r.ListClaimedBy("cloud")
	if err != nil || len(mine) != 1 || mine[0] != "A.json" {
		t.Fatalf("unexpected claimed list %v (%v)", mine, err)
	}
	if ok, err := r.Complete(ctx, "A.json", "cloud"); err != nil || !ok {
		t.Fatalf("complete: %v %v", ok, err)
	}
	var done map[string]any
	if err := vault.ReadJSON(filepath.Join(r.Layout.DoneTasks(), "A.json"), &done); err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if done["status"] != domain.TaskCompleted || done["owner"] != "cloud" {
		t.Fatalf("unexpected archived item %v", done)
	}
	if ok, err := r.Complete(ctx, "A.json", "cloud"); ok || err != nil {
		t.Fatalf("second complete = %v, %v", ok, err)
	}
}

func TestConcurrentClaimsOfSameNameNeverOverwrite(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		r := newRegistry(t)
		refs := []string{
			enqueue(t, r, domain.TaskItem{ID: "T9", Domain: "email", Title: "mail"}),
			enqueue(t, r, domain.TaskItem{ID: "T9", Domain: "social", Title: "post"}),
		}
		results := make([]bool, len(refs))
		var wg sync.WaitGroup
		for i, ref := range refs {
			wg.Add(1)
			go func(i int, ref string) {
				defer wg.Done()
				ok, err := r.Claim(ctx, ref, "cloud")
				if err != nil {
					t.Errorf("claim %s: %v", ref, err)
				}
				results[i] = ok
			}(i, ref)
		}
		wg.Wait()

		if results[0] == results[1] {
			t.Fatalf("round %d: expected exactly one claim to win, got %v", round, results)
		}
		winner, loser := 0, 1
		if results[1] {
			winner, loser = 1, 0
		}
		claimed, err := r.ListClaimedBy("cloud")
		if err != nil || len(claimed) != 1 {
			t.Fatalf("round %d: claimed = %v (%v)", round, claimed, err)
		}
		item, err := r.Load(claimed[0])
		if err != nil {
			t.Fatalf("round %d: load claimed: %v", round, err)
		}
		if wantDomain := []string{"email", "social"}[winner]; item.Domain != wantDomain {
			t.Fatalf("round %d: claimed item overwritten: domain %q want %q", round, item.Domain, wantDomain)
		}
		if _, err := os.Stat(r.Layout.Abs(refs[loser])); err != nil {
			t.Fatalf("round %d: losing item lost: %v", round, err)
		}
	}
}
