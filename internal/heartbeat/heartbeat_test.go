package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"handoff/internal/domain"
	"handoff/internal/vault"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, agent string) (*Registry, *clock) {
	t.Helper()
	r, err := New(vault.New(t.TempDir(), "Platinum"), agent, 30*time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c := &clock{t: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	r.Now = c.Now
	return r, c
}

func TestBeatWritesOnlineRecord(t *testing.T) {
	r, _ := newTestRegistry(t, "cloud")
	if err := r.Beat("Needs_Action/email/T1.json"); err != nil {
		t.Fatalf("beat: %v", err)
	}
	hb := r.Status("cloud")
	if hb.Status != domain.AgentOnline || hb.CurrentTask == nil || *hb.CurrentTask != "Needs_Action/email/T1.json" {
		t.Fatalf("unexpected record %+v", hb)
	}
	if hb.Interval != 30 || hb.Timestamp == nil || *hb.Timestamp != "2025-06-01T08:00:00Z" {
		t.Fatalf("unexpected record %+v", hb)
	}
}

func TestStalenessIsDerived(t *testing.T) {
	r, c := newTestRegistry(t, "cloud")
	r.Beat("")
	c.Advance(61 * time.Second)
	if st := r.Status("cloud").Status; st != domain.AgentStale {
		t.Fatalf("expected stale, got %s", st)
	}
	// The file itself still says online.
	var raw domain.Heartbeat
	if err := vault.ReadJSON(filepath.Join(r.Layout.Updates(), "cloud_heartbeat.json"), &raw); err != nil {
		t.Fatalf("read: %v", err)
	}
	if raw.Status != domain.AgentOnline {
		t.Fatalf("stale must never be written, file says %s", raw.Status)
	}
}

func TestIsAliveUsesCallerTimeout(t *testing.T) {
	r, c := newTestRegistry(t, "cloud")
	r.Beat("")
	c.Advance(20 * time.Second)
	if !r.IsAlive("cloud", 60*time.Second) {
		t.Fatalf("expected alive within timeout")
	}
	if r.IsAlive("cloud", 10*time.Second) {
		t.Fatalf("expected dead past a 10s timeout even though the interval is 30s")
	}
	if r.Status("cloud").Status != domain.AgentOnline {
		t.Fatalf("custom timeout must not affect derived status")
	}
	if r.IsAlive("nobody", time.Hour) {
		t.Fatalf("unknown agent alive")
	}
}

func TestMissingAndCorruptRecords(t *testing.T) {
	r, _ := newTestRegistry(t, "cloud")
	if st := r.Status("ghost").Status; st != domain.AgentOffline {
		t.Fatalf("missing record = %s", st)
	}
	if err := os.MkdirAll(r.Layout.Updates(), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(r.Layout.Updates(), "broken_heartbeat.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if st := r.Status("broken").Status; st != domain.AgentError {
		t.Fatalf("corrupt record = %s", st)
	}
}

func TestAllAndSummary(t *testing.T) {
	ws := vault.New(t.TempDir(), "Platinum")
	c := &clock{t: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	cloud, _ := New(ws, "cloud", 30*time.Second)
	local, _ := New(ws, "local", 30*time.Second)
	cloud.Now, local.Now = c.Now, c.Now

	cloud.Beat("")
	c.Advance(90 * time.Second)
	local.Beat("DRAFT-1")

	all, err := local.All()
	if err != nil || len(all) != 2 || all[0].AgentName != "cloud" || all[0].Status != domain.AgentStale {
		t.Fatalf("unexpected all %+v (%v)", all, err)
	}
	sum, err := local.Summary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum["cloud"].Healthy || *sum["cloud"].AgeSeconds != 90 {
		t.Fatalf("unexpected cloud health %+v", sum["cloud"])
	}
	if !sum["local"].Healthy || *sum["local"].CurrentTask != "DRAFT-1" {
		t.Fatalf("unexpected local health %+v", sum["local"])
	}
}

func TestStartStopWithManualTicker(t *testing.T) {
	r, c := newTestRegistry(t, "cloud")
	ticks := make(chan time.Time)
	stopped := make(chan struct{})
	r.Ticker = func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() { close(stopped) }
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if st := r.Status("cloud").Status; st != domain.AgentOnline {
		t.Fatalf("start should beat immediately, got %s", st)
	}
	r.Beat("T9")
	c.Advance(45 * time.Second)
	ticks <- c.Now()
	// The unbuffered send returns once the loop has received the tick; a
	// second send guarantees the first write finished.
	c.Advance(time.Second)
	ticks <- c.Now()

	hb := r.Status("cloud")
	if hb.CurrentTask == nil || *hb.CurrentTask != "T9" {
		t.Fatalf("periodic beat dropped the current task: %+v", hb)
	}
	r.Stop()
	select {
	case <-stopped:
	default:
		t.Fatalf("ticker not stopped")
	}
	if st := r.Status("cloud").Status; st != domain.AgentOffline {
		t.Fatalf("stop should mark offline, got %s", st)
	}
	r.Stop()
}
