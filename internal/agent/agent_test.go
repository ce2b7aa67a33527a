package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"handoff/internal/claim"
	"handoff/internal/domain"
	"handoff/internal/drafts"
	"handoff/internal/guard"
	"handoff/internal/heartbeat"
	"handoff/internal/signals"
	"handoff/internal/vault"
)

type pair struct {
	layout   vault.Layout
	claims   claim.Registry
	producer *Producer
	executor *Executor
	inbox    *signals.FileTransport
}

func newPair(t *testing.T, autoApprove bool) pair {
	t.Helper()
	layout := vault.New(t.TempDir(), "Platinum")
	domains := []string{"email", "social", "accounting", "monitoring", "banking"}
	if err := layout.Ensure(domains, []string{"cloud", "local"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	cloudGuard, err := guard.New("cloud")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	localGuard, err := guard.New("local")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	transport := &signals.FileTransport{Layout: layout}
	claims := claim.Registry{Layout: layout, DefaultDomain: "email"}
	reg := drafts.Registry{Layout: layout}
	cloudHB, _ := heartbeat.New(layout, "cloud", 30*time.Second)
	localHB, _ := heartbeat.New(layout, "local", 30*time.Second)
	return pair{
		layout: layout,
		claims: claims,
		producer: &Producer{
			Name: "cloud", Executor: "local", Domains: domains,
			Claims: claims, Drafts: reg.WithGuard(cloudGuard), Guard: cloudGuard,
			Heartbeat: cloudHB, Transport: transport,
		},
		executor: &Executor{
			Name: "local", Producer: "cloud", Domains: domains, Layout: layout,
			Drafts: reg.WithGuard(localGuard), Guard: localGuard,
			Heartbeat: localHB, Transport: transport, AutoApprove: autoApprove,
		},
		inbox: transport,
	}
}

func TestEndToEndHandoff(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, true)
	ref, err := p.claims.Enqueue(ctx, domain.TaskItem{ID: "EMAIL-1", Domain: "email", Title: "Invoice question", Body: "When is it due?"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ids, err := p.producer.RunOnce(ctx)
	if err != nil || len(ids) != 1 {
		t.Fatalf("producer pass: %v %v", ids, err)
	}
	if _, err := os.Stat(p.layout.Abs(ref)); !os.IsNotExist(err) {
		t.Fatalf("task still queued")
	}
	if _, err := os.Stat(filepath.Join(p.layout.DoneTasks(), "EMAIL-1.json")); err != nil {
		t.Fatalf("task not archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.layout.Pending("email"), ids[0]+".json")); err != nil {
		t.Fatalf("draft not pending: %v", err)
	}
	pending, err := p.executor.Drafts.ListPending(ctx, "email")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != ids[0] || pending[0].DerivedStatus() != domain.DraftStatusPending {
		t.Fatalf("expected one pending draft %s, got %+v", ids[0], pending)
	}

	pass, err := p.executor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("executor pass: %v", err)
	}
	if len(pass.Messages) != 1 || pass.Messages[0].Payload["event"] != EventDraftSubmitted {
		t.Fatalf("submission not signalled: %+v", pass.Messages)
	}
	if len(pass.Executed) != 1 || pass.Executed[0].Details != "Email sent: Re: Invoice question" {
		t.Fatalf("unexpected executions %+v", pass.Executed)
	}

	d, err := p.executor.Drafts.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	var actions []string
	for _, e := range d.AuditTrail {
		actions = append(actions, e.Action)
	}
	if strings.Join(actions, ",") != "created,submitted_for_approval,approved" {
		t.Fatalf("unexpected audit trail %v", actions)
	}
	if _, err := os.Stat(filepath.Join(p.layout.Done(), ids[0]+".json")); err != nil {
		t.Fatalf("approved draft not in Done: %v", err)
	}

	recs, err := p.executor.Executions(10)
	if err != nil || len(recs) != 1 || recs[0].Status != StatusExecuted {
		t.Fatalf("execution log: %+v %v", recs, err)
	}
	back, _ := p.inbox.Receive(ctx, "cloud", 10)
	if len(back) != 1 || back[0].Payload["event"] != EventDraftExecuted {
		t.Fatalf("producer not notified: %+v", back)
	}
	if n, _ := p.inbox.PendingCount(ctx, "local"); n != 0 {
		t.Fatalf("executor inbox not drained: %d", n)
	}
	dash, err := os.ReadFile(filepath.Join(p.layout.Dir(), DashboardFile))
	if err != nil || !strings.Contains(string(dash), ids[0]) {
		t.Fatalf("dashboard missing execution: %v", err)
	}
}

func TestProducerSkipsSecretPaths(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, false)
	ref, err := p.claims.Enqueue(ctx, domain.TaskItem{ID: "PAY-1", Domain: "banking", Title: "Transfer"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ids, err := p.producer.RunOnce(ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("secret task processed: %v %v", ids, err)
	}
	if _, err := os.Stat(p.layout.Abs(ref)); err != nil {
		t.Fatalf("blocked task should stay queued: %v", err)
	}
}

func TestExecutorWithoutAutoApproveOnlyReviews(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, false)
	p.claims.Enqueue(ctx, domain.TaskItem{Domain: "social", Title: "Launch"})
	if _, err := p.producer.RunOnce(ctx); err != nil {
		t.Fatalf("producer: %v", err)
	}
	pass, err := p.executor.RunOnce(ctx)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	if len(pass.Pending) != 1 || len(pass.Executed) != 0 {
		t.Fatalf("unexpected pass %+v", pass)
	}
	d, err := p.executor.Reject(ctx, pass.Pending[0].ID, "tone")
	if err != nil || d.Status != domain.DraftStatusRejected {
		t.Fatalf("reject: %+v %v", d, err)
	}
	back, _ := p.inbox.Receive(ctx, "cloud", 10)
	if len(back) != 1 || back[0].Payload["event"] != EventDraftRejected {
		t.Fatalf("rejection not signalled: %+v", back)
	}
}

func TestProducerCannotApprove(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, false)
	p.claims.Enqueue(ctx, domain.TaskItem{Domain: "email", Title: "x"})
	ids, _ := p.producer.RunOnce(ctx)
	if len(ids) != 1 {
		t.Fatalf("expected one draft, got %v", ids)
	}
	_, err := p.producer.Drafts.Approve(ctx, ids[0], "cloud")
	var perr *guard.PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestFailingActionIsRecorded(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, true)
	p.executor.Actions = map[string]Action{
		"email": ActionFunc(func(context.Context, domain.Draft) (string, error) {
			return "", errors.New("smtp unavailable")
		}),
	}
	p.claims.Enqueue(ctx, domain.TaskItem{Domain: "email", Title: "x"})
	p.producer.RunOnce(ctx)
	pass, err := p.executor.RunOnce(ctx)
	if err != nil || len(pass.Executed) != 1 {
		t.Fatalf("executor: %+v %v", pass, err)
	}
	if rec := pass.Executed[0]; rec.Status != StatusFailed || rec.Details != "smtp unavailable" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestComposers(t *testing.T) {
	title, body, _ := ComposeEmailReply(domain.TaskItem{Title: "Hello", Body: strings.Repeat("x", 300)})
	if title != "Re: Hello" || !strings.HasSuffix(body, "Original: "+strings.Repeat("x", 200)) {
		t.Fatalf("unexpected email draft %q", title)
	}
	_, body, err := ComposeAccountingEntry(domain.TaskItem{Title: "Rent", Amount: 1200})
	if err != nil || !strings.Contains(body, `"amount": 1200`) || !strings.Contains(body, `"category": "general"`) {
		t.Fatalf("unexpected entry %s: %v", body, err)
	}
	title, _, _ = ComposeReport(domain.TaskItem{})
	if title != "Monitoring Report" {
		t.Fatalf("unexpected report title %q", title)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dir := t.TempDir()
	passes := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- Loop(ctx, LoopOptions{Poll: time.Hour, Watch: []string{dir}}, func(context.Context) error {
			passes <- struct{}{}
			return nil
		})
	}()
	<-passes
	if err := os.WriteFile(filepath.Join(dir, "T.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-passes:
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not trigger a pass")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("loop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not stop")
	}
}
