package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"handoff/internal/domain"
	"handoff/internal/drafts"
	"handoff/internal/events"
	"handoff/internal/guard"
	"handoff/internal/heartbeat"
	"handoff/internal/logging"
	"handoff/internal/signals"
	"handoff/internal/vault"
)

// Execution record statuses.
const (
	StatusExecuted = "executed"
	StatusFailed   = "failed"
)

// ExecutionLog is the append-only record of executed drafts.
const ExecutionLog = "execution_log.jsonl"

// Executor reviews pending drafts, approves them when configured to, runs
// their Action and reports back to the producer.
type Executor struct {
	Name        string
	Producer    string
	Domains     []string
	Layout      vault.Layout
	Drafts      drafts.Registry
	Guard       *guard.Guard
	Heartbeat   *heartbeat.Registry
	Transport   signals.Transport
	Actions     map[string]Action
	AutoApprove bool
	Events      events.Recorder
	Logger      *slog.Logger
	Now         func() time.Time
}

// Pass summarizes one RunOnce.
type Pass struct {
	Messages []domain.Envelope
	Pending  []domain.Draft
	Executed []domain.ExecutionRecord
}

func (e *Executor) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Executor) log() *slog.Logger {
	return logging.OrDiscard(e.Logger).With("component", "executor", "agent", e.Name)
}

// RunOnce drains the inbox, reviews pending drafts, approves and executes
// them when AutoApprove is set, and refreshes the dashboard.
func (e *Executor) RunOnce(ctx context.Context) (Pass, error) {
	e.beat("")
	var pass Pass
	msgs, err := e.Drain(ctx)
	if err != nil {
		e.log().Warn("inbox not drained", "err", err)
	}
	pass.Messages = msgs

	pending, err := e.Drafts.ListPending(ctx, "")
	if err != nil {
		return pass, fmt.Errorf("list pending: %w", err)
	}
	pass.Pending = pending
	e.log().Debug("review", "pending", len(pending), "messages", len(msgs))

	if e.AutoApprove {
		for _, d := range pending {
			if err := ctx.Err(); err != nil {
				return pass, err
			}
			rec, err := e.Approve(ctx, d.ID)
			if err != nil {
				e.log().Error("approve failed", "draft_id", d.ID, "err", err)
				continue
			}
			pass.Executed = append(pass.Executed, rec)
		}
	}
	if err := e.RenderDashboard(ctx); err != nil {
		e.log().Warn("dashboard not written", "err", err)
	}
	e.beat("")
	return pass, nil
}

// Drain receives and acknowledges everything in the executor's inbox.
func (e *Executor) Drain(ctx context.Context) ([]domain.Envelope, error) {
	out := []domain.Envelope{}
	if e.Transport == nil {
		return out, nil
	}
	for {
		batch, err := e.Transport.Receive(ctx, e.Name, signals.DefaultReceiveLimit)
		if err != nil {
			return out, err
		}
		acked := 0
		for _, env := range batch {
			e.log().Info("message received", "id", env.ID, "from", env.Sender, "type", env.Type, "payload", env.Payload)
			if ok, err := e.Transport.Acknowledge(ctx, env.ID); err != nil {
				return out, err
			} else if ok {
				acked++
			}
			out = append(out, env)
		}
		if len(batch) < signals.DefaultReceiveLimit || acked == 0 {
			return out, nil
		}
	}
}

// Approve approves a pending draft and executes it.
func (e *Executor) Approve(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	d, err := e.Drafts.Approve(ctx, id, e.Name)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	e.log().Info("draft approved", "draft_id", id)
	return e.Execute(ctx, d)
}

// Reject rejects a pending draft and tells the producer why.
func (e *Executor) Reject(ctx context.Context, id, reason string) (domain.Draft, error) {
	d, err := e.Drafts.Reject(ctx, id, e.Name, reason)
	if err != nil {
		return d, err
	}
	e.notify(ctx, EventDraftRejected, map[string]any{"draft_id": d.ID, "domain": d.Domain, "reason": reason})
	return d, nil
}

// Execute runs the draft's Action, appends the outcome to the execution
// log and notifies the producer. A failing Action is recorded, not
// returned; only a refused guard or an unwritable log is an error.
func (e *Executor) Execute(ctx context.Context, d domain.Draft) (domain.ExecutionRecord, error) {
	if e.Guard != nil {
		if err := e.Guard.Require("execute " + d.ID); err != nil {
			return domain.ExecutionRecord{}, err
		}
	}
	e.beat(d.ID)
	defer e.beat("")

	action, ok := e.Actions[d.Domain]
	if !ok {
		action = RecordOnly
	}
	rec := domain.ExecutionRecord{
		DraftID: d.ID,
		Domain:  d.Domain,
		Title:   d.Title,
		Action:  "execute_" + d.Domain,
		Status:  StatusExecuted,
	}
	details, err := action.Execute(ctx, d)
	if err != nil {
		rec.Status = StatusFailed
		details = err.Error()
		e.log().Error("action failed", "draft_id", d.ID, "domain", d.Domain, "err", err)
	}
	rec.Details = details
	rec.Timestamp = domain.FormatTime(e.now())
	if err := vault.AppendJSONL(e.logPath(), rec); err != nil {
		return rec, fmt.Errorf("write execution log: %w", err)
	}
	e.log().Info("draft executed", "draft_id", d.ID, "status", rec.Status, "details", details)
	if e.Events != nil {
		if err := e.Events.Record(ctx, events.DraftExecuted, "draft", d.ID, e.Name, events.EventPayload{"status": rec.Status, "details": details}); err != nil {
			e.log().Warn("event not recorded", "err", err)
		}
	}
	e.notify(ctx, EventDraftExecuted, map[string]any{"draft_id": d.ID, "domain": d.Domain, "status": rec.Status, "details": details})
	return rec, nil
}

// Executions returns the last n execution records, oldest first.
func (e *Executor) Executions(n int) ([]domain.ExecutionRecord, error) {
	return ReadExecutions(e.Layout, n)
}

// ReadExecutions returns the last n records of the execution log.
func ReadExecutions(layout vault.Layout, n int) ([]domain.ExecutionRecord, error) {
	lines, err := vault.TailJSONL(filepath.Join(layout.Logs(), ExecutionLog), n)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ExecutionRecord, 0, len(lines))
	for _, l := range lines {
		var rec domain.ExecutionRecord
		if err := json.Unmarshal(l, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Run beats in the background and reviews drafts until ctx ends.
func (e *Executor) Run(ctx context.Context, opts LoopOptions) error {
	if e.Heartbeat != nil {
		if err := e.Heartbeat.Start(ctx); err != nil {
			return err
		}
		defer e.Heartbeat.Stop()
	}
	if opts.Logger == nil {
		opts.Logger = e.log()
	}
	e.log().Info("executor started", "auto_approve", e.AutoApprove)
	defer e.log().Info("executor stopped")
	return Loop(ctx, opts, func(ctx context.Context) error {
		_, err := e.RunOnce(ctx)
		return err
	})
}

// WatchDirs are the approval queues and the executor's inbox.
func (e *Executor) WatchDirs() []string {
	dirs := []string{e.Layout.Signals(e.Name)}
	for _, d := range e.Domains {
		dirs = append(dirs, e.Layout.Pending(d))
	}
	return dirs
}

func (e *Executor) logPath() string {
	return filepath.Join(e.Layout.Logs(), ExecutionLog)
}

func (e *Executor) beat(task string) {
	if e.Heartbeat == nil {
		return
	}
	if err := e.Heartbeat.Beat(task); err != nil {
		e.log().Warn("heartbeat failed", "err", err)
	}
}

func (e *Executor) notify(ctx context.Context, event string, data map[string]any) {
	if e.Transport == nil || e.Producer == "" {
		return
	}
	if err := e.Transport.Send(ctx, signals.NewNotification(e.Name, e.Producer, event, data)); err != nil {
		e.log().Warn("notification not sent", "event", event, "err", err)
	}
}
