package claim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"handoff/internal/domain"
	"handoff/internal/events"
	"handoff/internal/logging"
	"handoff/internal/vault"
)

// Registry hands out exclusive ownership of task items by relocating them
// from Needs_Action/<domain>/ into In_Progress/<owner>/. The rename is the
// only synchronisation point between competing agents.
type Registry struct {
	Layout        vault.Layout
	DefaultDomain string
	Events        events.Recorder
	Logger        *slog.Logger
	Now           func() time.Time
}

func (r Registry) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r Registry) log() *slog.Logger {
	return logging.OrDiscard(r.Logger).With("component", "claim")
}

// ListAvailable returns refs of unclaimed items, optionally for one domain.
func (r Registry) ListAvailable(dom string) ([]string, error) {
	var domains []string
	if dom != "" {
		if !singleSegment(dom) {
			return nil, nil
		}
		domains = []string{dom}
	} else {
		var err error
		if domains, err = vault.Subdirs(filepath.Join(r.Layout.Dir(), vault.NeedsAction)); err != nil {
			return nil, err
		}
	}
	var refs []string
	for _, d := range domains {
		names, err := vault.ListJSON(r.Layout.NeedsAction(d))
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			refs = append(refs, path.Join(vault.NeedsAction, d, n))
		}
	}
	return refs, nil
}

// Claim moves ref into owner's private area. Losing the race, or finding the
// item already gone or already present under the owner, is false with a nil
// error; only I/O failures are errors. An item already under the owner is
// never overwritten, even when two claims for the same name race.
func (r Registry) Claim(ctx context.Context, ref, owner string) (bool, error) {
	if !singleSegment(owner) {
		return false, fmt.Errorf("invalid owner %q", owner)
	}
	if !vault.IsLocalRef(ref) || !strings.HasPrefix(path.Clean(filepath.ToSlash(ref)), vault.NeedsAction+"/") {
		r.log().Warn("refusing claim outside Needs_Action", "ref", ref)
		return false, nil
	}
	src := r.Layout.Abs(ref)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	name := filepath.Base(src)
	dst := filepath.Join(r.Layout.InProgress(owner), name)
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	claimedAt := domain.FormatTime(r.now())
	var rewritten map[string]any
	if strings.HasSuffix(name, ".json") {
		rewritten = readFields(src, r.log())
		if rewritten != nil {
			rewritten["owner"] = owner
			rewritten["claimed_at"] = claimedAt
			rewritten["status"] = domain.TaskClaimed
		}
	}
	if err := relocate(src, dst, rewritten); err != nil {
		if errors.Is(err, vault.ErrSourceGone) || errors.Is(err, vault.ErrDestinationExists) {
			return false, nil
		}
		return false, fmt.Errorf("claim %s: %w", ref, err)
	}
	r.log().Info("task claimed", "ref", ref, "owner", owner)
	r.record(ctx, events.TaskClaimed, name, owner, events.EventPayload{"ref": ref, "claimed_at": claimedAt})
	return true, nil
}

// Release hands a claimed item back to Needs_Action under its declared
// domain, or the default domain when it has none.
func (r Registry) Release(ctx context.Context, ref, owner string) (bool, error) {
	if !singleSegment(owner) {
		return false, fmt.Errorf("invalid owner %q", owner)
	}
	name := path.Base(filepath.ToSlash(ref))
	if !singleSegment(name) {
		return false, nil
	}
	src := filepath.Join(r.Layout.InProgress(owner), name)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	dom := r.DefaultDomain
	fields := readFields(src, r.log())
	if fields != nil {
		if d, ok := fields["domain"].(string); ok && singleSegment(d) {
			dom = d
		}
		fields["owner"] = nil
		fields["claimed_at"] = nil
		fields["status"] = domain.TaskNeedsAction
	}
	if dom == "" {
		return false, fmt.Errorf("release %s: no domain declared and no default configured", name)
	}
	dst := filepath.Join(r.Layout.NeedsAction(dom), name)
	if _, err := os.Stat(dst); err == nil {
		r.log().Warn("release target already exists", "ref", path.Join(vault.NeedsAction, dom, name))
		return false, nil
	}
	if err := relocate(src, dst, fields); err != nil {
		if errors.Is(err, vault.ErrSourceGone) {
			return false, nil
		}
		if errors.Is(err, vault.ErrDestinationExists) {
			r.log().Warn("release target already exists", "ref", path.Join(vault.NeedsAction, dom, name))
			return false, nil
		}
		return false, fmt.Errorf("release %s: %w", name, err)
	}
	r.log().Info("task released", "file", name, "owner", owner, "domain", dom)
	r.record(ctx, events.TaskReleased, name, owner, events.EventPayload{"domain": dom})
	return true, nil
}

// Complete archives a claimed item into Done/tasks/.
func (r Registry) Complete(ctx context.Context, ref, owner string) (bool, error) {
	if !singleSegment(owner) {
		return false, fmt.Errorf("invalid owner %q", owner)
	}
	name := path.Base(filepath.ToSlash(ref))
	if !singleSegment(name) {
		return false, nil
	}
	src := filepath.Join(r.Layout.InProgress(owner), name)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	fields := readFields(src, r.log())
	if fields != nil {
		fields["status"] = domain.TaskCompleted
		fields["completed_at"] = domain.FormatTime(r.now())
	}
	dst := filepath.Join(r.Layout.DoneTasks(), name)
	if err := relocate(src, dst, fields); err != nil {
		if errors.Is(err, vault.ErrSourceGone) {
			return false, nil
		}
		return false, fmt.Errorf("complete %s: %w", name, err)
	}
	r.log().Info("task completed", "file", name, "owner", owner)
	r.record(ctx, events.TaskCompleted, name, owner, nil)
	return true, nil
}

// Enqueue writes a new unclaimed item and returns its ref.
func (r Registry) Enqueue(ctx context.Context, item domain.TaskItem) (string, error) {
	if item.Domain == "" {
		item.Domain = r.DefaultDomain
	}
	if !singleSegment(item.Domain) {
		return "", fmt.Errorf("invalid domain %q", item.Domain)
	}
	if item.ID == "" {
		item.ID = "TASK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	}
	if !singleSegment(item.ID) {
		return "", fmt.Errorf("invalid task id %q", item.ID)
	}
	item.Status = domain.TaskNeedsAction
	item.Owner = nil
	item.ClaimedAt = nil
	if item.CreatedAt == "" {
		item.CreatedAt = domain.FormatTime(r.now())
	}
	name := item.ID + ".json"
	ref := path.Join(vault.NeedsAction, item.Domain, name)
	dst := r.Layout.Abs(ref)
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("task %s already queued", ref)
	}
	if err := vault.WriteJSON(dst, item); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", ref, err)
	}
	r.record(ctx, events.TaskEnqueued, name, "", events.EventPayload{"ref": ref, "title": item.Title})
	return ref, nil
}

// Load reads a task item from either area.
func (r Registry) Load(ref string) (domain.TaskItem, error) {
	var item domain.TaskItem
	if !vault.IsLocalRef(ref) {
		return item, fmt.Errorf("ref %q escapes the vault", ref)
	}
	err := vault.ReadJSON(r.Layout.Abs(ref), &item)
	return item, err
}

// Owner returns the agent whose private area holds ref's file.
func (r Registry) Owner(ref string) (string, bool, error) {
	name := path.Base(filepath.ToSlash(ref))
	agents, err := vault.Subdirs(filepath.Join(r.Layout.Dir(), vault.InProgress))
	if err != nil {
		return "", false, err
	}
	for _, a := range agents {
		if _, err := os.Stat(filepath.Join(r.Layout.InProgress(a), name)); err == nil {
			return a, true, nil
		}
	}
	return "", false, nil
}

func (r Registry) IsClaimed(ref string) (bool, error) {
	_, ok, err := r.Owner(ref)
	return ok, err
}

// ListClaimedBy returns the file names held by owner.
func (r Registry) ListClaimedBy(owner string) ([]string, error) {
	if !singleSegment(owner) {
		return nil, nil
	}
	entries, err := os.ReadDir(r.Layout.InProgress(owner))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (r Registry) record(ctx context.Context, typ, entityID, actor string, payload events.EventPayload) {
	if r.Events == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	if err := r.Events.Record(ctx, typ, "task", strings.TrimSuffix(entityID, ".json"), actor, payload); err != nil {
		r.log().Warn("event not recorded", "type", typ, "err", err)
	}
}

// relocate keeps the untyped map nil-able: a nil map means move only.
func relocate(src, dst string, fields map[string]any) error {
	if fields == nil {
		return vault.Relocate(src, dst, nil)
	}
	return vault.Relocate(src, dst, fields)
}

// readFields decodes a task file generically so fields the registry does not
// know about survive the rewrite. Unreadable content yields nil and the item
// is moved as-is.
func readFields(p string, log *slog.Logger) map[string]any {
	var fields map[string]any
	if err := vault.ReadJSON(p, &fields); err != nil || fields == nil {
		log.Warn("task metadata not rewritten", "file", filepath.Base(p), "err", err)
		return nil
	}
	return fields
}

func singleSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
