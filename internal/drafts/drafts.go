package drafts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"handoff/internal/domain"
	"handoff/internal/events"
	"handoff/internal/guard"
	"handoff/internal/logging"
	"handoff/internal/repo"
	"handoff/internal/vault"
)

var (
	ErrNotFound          = errors.New("draft not found")
	ErrInvalidTransition = errors.New("invalid draft transition")
)

// Index maps draft ids onto their current file. repo.Repo implements it.
type Index interface {
	UpsertDraftLocation(ctx context.Context, loc repo.DraftLocation) error
	GetDraftLocation(ctx context.Context, id string) (repo.DraftLocation, error)
	DeleteDraftLocation(ctx context.Context, id string) error
}

// Registry stores drafts as files whose directory encodes their state:
// Plans/<domain>/ (draft), Pending_Approval/<domain>/ (pending or rejected)
// and Done/ (approved).
type Registry struct {
	Layout vault.Layout
	Index  Index
	Guard  *guard.Guard
	Events events.Recorder
	Logger *slog.Logger
	Now    func() time.Time
}

// WithGuard returns a copy of r that checks privileged operations against g.
func (r Registry) WithGuard(g *guard.Guard) Registry {
	r.Guard = g
	return r
}

func (r Registry) now() string {
	if r.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(r.Now())
}

func (r Registry) log() *slog.Logger {
	return logging.OrDiscard(r.Logger).With("component", "drafts")
}

var transitions = map[domain.DraftStatus][]domain.DraftStatus{
	domain.DraftStatusDraft:    {domain.DraftStatusPending},
	domain.DraftStatusPending:  {domain.DraftStatusApproved, domain.DraftStatusRejected},
	domain.DraftStatusRejected: {domain.DraftStatusPending},
}

func ensureTransition(from, to domain.DraftStatus) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// NewID allocates a DRAFT-XXXXXXXX identifier.
func NewID() string {
	return "DRAFT-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Create writes a new draft into Plans/<domain>/ with a single created entry.
func (r Registry) Create(ctx context.Context, dom, title, body, author string) (domain.Draft, error) {
	if !singleSegment(dom) {
		return domain.Draft{}, fmt.Errorf("invalid domain %q", dom)
	}
	if author == "" {
		return domain.Draft{}, fmt.Errorf("author is required")
	}
	now := r.now()
	d := domain.Draft{
		ID:        NewID(),
		Domain:    dom,
		Title:     title,
		Body:      body,
		Status:    domain.DraftStatusDraft,
		Author:    author,
		CreatedAt: now,
		UpdatedAt: now,
		AuditTrail: []domain.AuditEntry{
			{Action: domain.ActionCreated, Actor: author, Timestamp: now},
		},
	}
	path := filepath.Join(r.Layout.Plans(dom), d.ID+".json")
	if err := vault.WriteJSON(path, d); err != nil {
		return domain.Draft{}, fmt.Errorf("create draft: %w", err)
	}
	r.index(ctx, d, path)
	r.record(ctx, events.DraftCreated, d, author, events.EventPayload{"title": title})
	r.log().Info("draft created", "draft_id", d.ID, "domain", dom, "author", author)
	return d, nil
}

// SubmitForApproval moves a draft (or a rejected draft, in place) into
// Pending_Approval/<domain>/. Unknown ids and invalid transitions are false.
func (r Registry) SubmitForApproval(ctx context.Context, id string) (bool, error) {
	path, d, err := r.locate(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := ensureTransition(d.DerivedStatus(), domain.DraftStatusPending); err != nil {
		r.log().Warn("submit refused", "draft_id", id, "err", err)
		return false, nil
	}
	now := r.now()
	d.Status = domain.DraftStatusPending
	d.UpdatedAt = now
	d.AuditTrail = append(d.AuditTrail, domain.AuditEntry{Action: domain.ActionSubmitted, Actor: d.Author, Timestamp: now})

	dst := filepath.Join(r.Layout.Pending(d.Domain), d.ID+".json")
	if err := r.move(path, dst, d); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	r.index(ctx, d, dst)
	r.record(ctx, events.DraftSubmitted, d, d.Author, nil)
	r.log().Info("draft submitted", "draft_id", d.ID, "domain", d.Domain)
	return true, nil
}

// Approve moves a pending draft into Done/.
func (r Registry) Approve(ctx context.Context, id, approver string) (domain.Draft, error) {
	if err := r.require("approve draft"); err != nil {
		return domain.Draft{}, err
	}
	path, d, err := r.locate(ctx, id)
	if err != nil {
		return domain.Draft{}, err
	}
	if err := ensureTransition(d.DerivedStatus(), domain.DraftStatusApproved); err != nil {
		return domain.Draft{}, err
	}
	now := r.now()
	d.Status = domain.DraftStatusApproved
	d.Approver = &approver
	d.UpdatedAt = now
	d.AuditTrail = append(d.AuditTrail, domain.AuditEntry{Action: domain.ActionApproved, Actor: approver, Timestamp: now})

	dst := filepath.Join(r.Layout.Done(), d.ID+".json")
	if err := r.move(path, dst, d); err != nil {
		return domain.Draft{}, err
	}
	r.index(ctx, d, dst)
	r.record(ctx, events.DraftApproved, d, approver, nil)
	r.log().Info("draft approved", "draft_id", d.ID, "approver", approver)
	return d, nil
}

// Reject records the reason and leaves the draft where it is so it can be
// resubmitted.
func (r Registry) Reject(ctx context.Context, id, approver, reason string) (domain.Draft, error) {
	if err := r.require("reject draft"); err != nil {
		return domain.Draft{}, err
	}
	path, d, err := r.locate(ctx, id)
	if err != nil {
		return domain.Draft{}, err
	}
	if err := ensureTransition(d.DerivedStatus(), domain.DraftStatusRejected); err != nil {
		return domain.Draft{}, err
	}
	now := r.now()
	d.Status = domain.DraftStatusRejected
	d.Approver = &approver
	d.RejectReason = &reason
	d.UpdatedAt = now
	d.AuditTrail = append(d.AuditTrail, domain.AuditEntry{Action: domain.ActionRejected, Actor: approver, Timestamp: now, Reason: reason})

	if err := r.move(path, path, d); err != nil {
		return domain.Draft{}, err
	}
	r.index(ctx, d, path)
	r.record(ctx, events.DraftRejected, d, approver, events.EventPayload{"reason": reason})
	r.log().Info("draft rejected", "draft_id", d.ID, "approver", approver)
	return d, nil
}

func (r Registry) Get(ctx context.Context, id string) (domain.Draft, error) {
	_, d, err := r.locate(ctx, id)
	return d, err
}

// Ref returns the vault ref of the draft's current file.
func (r Registry) Ref(ctx context.Context, id string) (string, error) {
	path, _, err := r.locate(ctx, id)
	if err != nil {
		return "", err
	}
	return r.Layout.Ref(path)
}

// AuditTrail returns the draft's history, or an empty trail for unknown ids.
func (r Registry) AuditTrail(ctx context.Context, id string) ([]domain.AuditEntry, error) {
	d, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return []domain.AuditEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return d.AuditTrail, nil
}

// ListPending returns drafts awaiting a decision, optionally for one domain.
func (r Registry) ListPending(ctx context.Context, dom string) ([]domain.Draft, error) {
	return r.List(ctx, domain.DraftStatusPending, dom)
}

// List scans the bucket that holds drafts in status. Malformed files are
// skipped with a warning.
func (r Registry) List(ctx context.Context, status domain.DraftStatus, dom string) ([]domain.Draft, error) {
	if dom != "" && !singleSegment(dom) {
		return nil, nil
	}
	var dirs []string
	switch status {
	case domain.DraftStatusApproved:
		dirs = []string{r.Layout.Done()}
	case domain.DraftStatusDraft, domain.DraftStatusPending, domain.DraftStatusRejected:
		root := filepath.Join(r.Layout.Dir(), vault.PendingApproval)
		if status == domain.DraftStatusDraft {
			root = filepath.Join(r.Layout.Dir(), vault.Plans)
		}
		if dom != "" {
			dirs = []string{filepath.Join(root, dom)}
		} else {
			subs, err := vault.Subdirs(root)
			if err != nil {
				return nil, err
			}
			for _, s := range subs {
				dirs = append(dirs, filepath.Join(root, s))
			}
		}
	default:
		return nil, fmt.Errorf("unknown draft status %q", status)
	}
	out := []domain.Draft{}
	for _, dir := range dirs {
		names, err := vault.ListJSON(dir)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if !strings.HasPrefix(n, "DRAFT-") {
				continue
			}
			var d domain.Draft
			if err := vault.ReadJSON(filepath.Join(dir, n), &d); err != nil {
				r.log().Warn("skipping unreadable draft", "file", n, "err", err)
				continue
			}
			if d.DerivedStatus() != status || (dom != "" && d.Domain != dom) {
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func (r Registry) require(op string) error {
	if r.Guard == nil {
		return nil
	}
	return r.Guard.Require(op)
}

// move relocates src to dst with d as the new content, or rewrites in place
// when both are the same file. Either way a file that a concurrent
// transition already moved is ErrInvalidTransition and is not recreated.
func (r Registry) move(src, dst string, d domain.Draft) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		if err := vault.Rewrite(dst, d); err != nil {
			if errors.Is(err, vault.ErrSourceGone) {
				return fmt.Errorf("%w: %s moved concurrently", ErrInvalidTransition, d.ID)
			}
			return fmt.Errorf("rewrite %s: %w", d.ID, err)
		}
		return nil
	}
	if err := vault.Relocate(src, dst, d); err != nil {
		switch {
		case errors.Is(err, vault.ErrSourceGone):
			return fmt.Errorf("%w: %s moved concurrently", ErrInvalidTransition, d.ID)
		case errors.Is(err, vault.ErrDestinationExists):
			return fmt.Errorf("%w: %s already exists at %s", ErrInvalidTransition, d.ID, filepath.Base(filepath.Dir(dst)))
		}
		return fmt.Errorf("move %s: %w", d.ID, err)
	}
	return nil
}

var searchBuckets = []string{vault.Plans, vault.PendingApproval, vault.Done, vault.NeedsAction, vault.InProgress}

// locate finds the draft's file. An index hit is trusted only when the file
// is there and carries the same id; otherwise every bucket is scanned and
// the index repaired.
func (r Registry) locate(ctx context.Context, id string) (string, domain.Draft, error) {
	if !singleSegment(id) {
		return "", domain.Draft{}, ErrNotFound
	}
	if r.Index != nil {
		loc, err := r.Index.GetDraftLocation(ctx, id)
		switch {
		case err == nil && vault.IsLocalRef(loc.Ref):
			path := r.Layout.Abs(loc.Ref)
			var d domain.Draft
			if rerr := vault.ReadJSON(path, &d); rerr == nil && d.ID == id {
				return path, d, nil
			}
			r.log().Debug("stale draft index entry", "draft_id", id, "ref", loc.Ref)
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			r.log().Warn("draft index unavailable, scanning", "err", err)
		}
	}
	path, err := r.scan(id)
	if err != nil {
		return "", domain.Draft{}, err
	}
	if path == "" {
		if r.Index != nil {
			_ = r.Index.DeleteDraftLocation(ctx, id)
		}
		return "", domain.Draft{}, ErrNotFound
	}
	var d domain.Draft
	if err := vault.ReadJSON(path, &d); err != nil {
		return "", domain.Draft{}, fmt.Errorf("read draft %s: %w", id, err)
	}
	r.index(ctx, d, path)
	return path, d, nil
}

var errFound = errors.New("found")

func (r Registry) scan(id string) (string, error) {
	name := id + ".json"
	for _, b := range searchBuckets {
		var hit string
		err := filepath.WalkDir(filepath.Join(r.Layout.Dir(), b), func(p string, e fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fs.SkipDir
				}
				return err
			}
			if !e.IsDir() && e.Name() == name {
				hit = p
				return errFound
			}
			return nil
		})
		if hit != "" {
			return hit, nil
		}
		if err != nil && !errors.Is(err, errFound) && !errors.Is(err, fs.SkipDir) {
			return "", err
		}
	}
	return "", nil
}

func (r Registry) index(ctx context.Context, d domain.Draft, path string) {
	if r.Index == nil {
		return
	}
	ref, err := r.Layout.Ref(path)
	if err != nil {
		return
	}
	loc := repo.DraftLocation{DraftID: d.ID, Domain: d.Domain, Status: d.DerivedStatus(), Ref: ref, UpdatedAt: d.UpdatedAt}
	if err := r.Index.UpsertDraftLocation(ctx, loc); err != nil {
		r.log().Warn("draft index not updated", "draft_id", d.ID, "err", err)
	}
}

func (r Registry) record(ctx context.Context, typ string, d domain.Draft, actor string, payload events.EventPayload) {
	if r.Events == nil {
		return
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["domain"] = d.Domain
	payload["status"] = string(d.Status)
	if err := r.Events.Record(ctx, typ, "draft", d.ID, actor, payload); err != nil {
		r.log().Warn("event not recorded", "type", typ, "err", err)
	}
}

func singleSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
