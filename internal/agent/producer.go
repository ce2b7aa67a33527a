package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"handoff/internal/claim"
	"handoff/internal/domain"
	"handoff/internal/drafts"
	"handoff/internal/guard"
	"handoff/internal/heartbeat"
	"handoff/internal/logging"
	"handoff/internal/signals"
	"handoff/internal/vault"
)

// Event names carried in notification envelopes.
const (
	EventDraftSubmitted = "draft_submitted"
	EventDraftExecuted  = "draft_executed"
	EventDraftRejected  = "draft_rejected"
)

// Producer claims queued tasks, drafts a response for each and submits it
// for approval. It never executes anything.
type Producer struct {
	Name      string
	Executor  string
	Domains   []string
	Claims    claim.Registry
	Drafts    drafts.Registry
	Guard     *guard.Guard
	Heartbeat *heartbeat.Registry
	Transport signals.Transport
	Composers map[string]Composer
	Logger    *slog.Logger
}

func (p *Producer) log() *slog.Logger {
	return logging.OrDiscard(p.Logger).With("component", "producer", "agent", p.Name)
}

// Available lists unclaimed task refs across the producer's domains.
func (p *Producer) Available() ([]string, error) {
	if len(p.Domains) == 0 {
		return p.Claims.ListAvailable("")
	}
	var refs []string
	for _, d := range p.Domains {
		r, err := p.Claims.ListAvailable(d)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r...)
	}
	return refs, nil
}

// RunOnce processes every available task and returns the submitted draft
// ids. A failing task is logged and skipped.
func (p *Producer) RunOnce(ctx context.Context) ([]string, error) {
	p.beat("")
	refs, err := p.Available()
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	p.log().Debug("scan", "available", len(refs))
	ids := []string{}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		id, err := p.Process(ctx, ref)
		if err != nil {
			p.log().Error("task failed", "ref", ref, "err", err)
			continue
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	p.beat("")
	return ids, nil
}

// Process claims one task and turns it into a submitted draft. An empty id
// with a nil error means the task was blocked or claimed by someone else.
func (p *Producer) Process(ctx context.Context, ref string) (string, error) {
	if p.Guard != nil && !p.Guard.CanAccess(ref) {
		p.log().Warn("task blocked by guard", "ref", ref)
		return "", nil
	}
	ok, err := p.Claims.Claim(ctx, ref, p.Name)
	if err != nil || !ok {
		if err == nil {
			p.log().Debug("claim lost", "ref", ref)
		}
		return "", err
	}
	p.beat(ref)

	claimed := path.Join(vault.InProgress, p.Name, path.Base(ref))
	item, err := p.Claims.Load(claimed)
	if err != nil {
		p.log().Warn("task unreadable, drafting from its name", "ref", claimed, "err", err)
		item = domain.TaskItem{Title: path.Base(ref)}
	}
	if item.Domain == "" {
		item.Domain = domainOf(ref)
	}

	title, body, err := p.composer(item.Domain)(item)
	if err != nil {
		p.release(ctx, claimed)
		return "", fmt.Errorf("compose %s: %w", ref, err)
	}
	d, err := p.Drafts.Create(ctx, item.Domain, title, body, p.Name)
	if err != nil {
		p.release(ctx, claimed)
		return "", err
	}
	// On failure the draft exists; the task stays claimed so it is not
	// drafted twice.
	if ok, err := p.Drafts.SubmitForApproval(ctx, d.ID); err != nil {
		return "", fmt.Errorf("submit %s: %w", d.ID, err)
	} else if !ok {
		return "", fmt.Errorf("submit %s: draft not submittable", d.ID)
	}
	p.notify(ctx, EventDraftSubmitted, map[string]any{"draft_id": d.ID, "domain": d.Domain, "title": d.Title, "task": ref})
	if _, err := p.Claims.Complete(ctx, claimed, p.Name); err != nil {
		p.log().Warn("task not archived", "ref", claimed, "err", err)
	}
	p.log().Info("draft submitted", "draft_id", d.ID, "domain", d.Domain, "task", ref)
	return d.ID, nil
}

// Run beats in the background and processes tasks until ctx ends.
func (p *Producer) Run(ctx context.Context, opts LoopOptions) error {
	if p.Heartbeat != nil {
		if err := p.Heartbeat.Start(ctx); err != nil {
			return err
		}
		defer p.Heartbeat.Stop()
	}
	if opts.Logger == nil {
		opts.Logger = p.log()
	}
	p.log().Info("producer started")
	defer p.log().Info("producer stopped")
	return Loop(ctx, opts, func(ctx context.Context) error {
		_, err := p.RunOnce(ctx)
		return err
	})
}

// WatchDirs are the queues the producer reacts to.
func (p *Producer) WatchDirs() []string {
	dirs := make([]string, 0, len(p.Domains))
	for _, d := range p.Domains {
		dirs = append(dirs, p.Claims.Layout.NeedsAction(d))
	}
	return dirs
}

// composer picks from Composers, or from DefaultComposers when unset.
func (p *Producer) composer(dom string) Composer {
	set := p.Composers
	if set == nil {
		set = DefaultComposers()
	}
	if c, ok := set[dom]; ok {
		return c
	}
	return ComposeReport
}

func (p *Producer) release(ctx context.Context, ref string) {
	if _, err := p.Claims.Release(ctx, ref, p.Name); err != nil {
		p.log().Warn("task not released", "ref", ref, "err", err)
	}
}

func (p *Producer) beat(task string) {
	if p.Heartbeat == nil {
		return
	}
	if err := p.Heartbeat.Beat(task); err != nil {
		p.log().Warn("heartbeat failed", "err", err)
	}
}

func (p *Producer) notify(ctx context.Context, event string, data map[string]any) {
	if p.Transport == nil || p.Executor == "" {
		return
	}
	if err := p.Transport.Send(ctx, signals.NewNotification(p.Name, p.Executor, event, data)); err != nil {
		p.log().Warn("notification not sent", "event", event, "err", err)
	}
}

// domainOf returns the domain segment of a Needs_Action/<domain>/<file> ref.
func domainOf(ref string) string {
	return path.Base(path.Dir(ref))
}
