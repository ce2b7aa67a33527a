package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"handoff/internal/config"
	"handoff/internal/domain"
)

func TestResolveConfigOverrides(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(config.Path(ws), []byte(config.GenerateDefault("local", config.RoleLocal)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := ResolveConfig(ws, Overrides{Agent: "cloud", Role: "CLOUD"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Agent.Name != "cloud" || cfg.Privileged() {
		t.Fatalf("overrides not applied: %+v", cfg.Agent)
	}
	if _, err := ResolveConfig(ws, Overrides{Role: "admin"}); err == nil {
		t.Fatalf("invalid role accepted")
	}
}

func TestOpenWiresComponents(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	cfg := config.Default()
	c, err := Open(ctx, ws, cfg, &discard{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	if _, err := os.Stat(filepath.Join(ws, "Platinum", "Needs_Action", "email")); err != nil {
		t.Fatalf("vault not prepared: %v", err)
	}
	ref, err := c.Claims.Enqueue(ctx, domain.TaskItem{Title: "hello"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ok, err := c.Claims.Claim(ctx, ref, "local"); !ok || err != nil {
		t.Fatalf("claim: %v %v", ok, err)
	}
	d, err := c.Drafts.Create(ctx, "email", "t", "b", "local")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Repo.GetDraftLocation(ctx, d.ID); err != nil {
		t.Fatalf("draft not indexed: %v", err)
	}
	counts, err := c.Repo.CountEventsByType(ctx)
	if err != nil || counts["task.claimed"] != 1 || counts["draft.created"] != 1 {
		t.Fatalf("events not recorded: %v %v", counts, err)
	}
	if c.Producer().Executor != "local" || !c.Executor().Drafts.Guard.Privileged() {
		t.Fatalf("agents not wired from config")
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
