package vaultsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"handoff/internal/domain"
	"handoff/internal/events"
	"handoff/internal/guard"
	"handoff/internal/logging"
)

// DefaultAllowedExtensions are the file types that may leave the machine.
// Files without an extension are allowed too.
var DefaultAllowedExtensions = []string{".md", ".json", ".txt", ".yaml", ".yml", ".toml", ".cfg", ".log"}

const (
	defaultTimeout = 30 * time.Second
	defaultLogSize = 100
	commitLayout   = "2006-01-02 15:04:05"
)

// Options configures a Syncer. Zero values fall back to origin/main, a 30s
// per-command timeout and a 100 entry log.
type Options struct {
	Remote            string
	Branch            string
	Timeout           time.Duration
	LogSize           int
	AllowedExtensions []string
	Agent             string
	Guard             *guard.Guard
	Events            events.Recorder
	Logger            *slog.Logger
	Now               func() time.Time
}

// Syncer replicates the work tree at Dir with a git remote. Dir must be the
// repository top level: porcelain paths are reported relative to it.
type Syncer struct {
	dir     string
	runner  GitRunner
	remote  string
	branch  string
	timeout time.Duration
	allowed map[string]struct{}
	agent   string
	guard   *guard.Guard
	events  events.Recorder
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	ring []domain.SyncEvent
	size int
}

// Status lists locally changed paths. Modified includes staged, unstaged
// and deleted tracked files.
type Status struct {
	Modified  []string `json:"modified"`
	Untracked []string `json:"untracked"`
}

func New(dir string, runner GitRunner, opts Options) *Syncer {
	if runner == nil {
		runner = &ExecGitRunner{}
	}
	s := &Syncer{
		dir:     dir,
		runner:  runner,
		remote:  opts.Remote,
		branch:  opts.Branch,
		timeout: opts.Timeout,
		size:    opts.LogSize,
		agent:   opts.Agent,
		guard:   opts.Guard,
		events:  opts.Events,
		logger:  logging.OrDiscard(opts.Logger).With("component", "sync"),
		now:     opts.Now,
		allowed: map[string]struct{}{},
	}
	if s.remote == "" {
		s.remote = "origin"
	}
	if s.branch == "" {
		s.branch = "main"
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.size <= 0 {
		s.size = defaultLogSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	exts := opts.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultAllowedExtensions
	}
	for _, e := range exts {
		s.allowed[strings.ToLower(e)] = struct{}{}
	}
	return s
}

// Remote returns "<remote>/<branch>".
func (s *Syncer) Remote() string { return s.remote + "/" + s.branch }

func (s *Syncer) git(ctx context.Context, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stdout, stderr, err := s.runner.Run(ctx, s.dir, args...)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		stderr = fmt.Sprintf("git %s timed out after %s", args[0], s.timeout)
	}
	return strings.TrimSpace(stdout), strings.TrimSpace(stderr), err
}

func (s *Syncer) result(ok bool, status, msg string, files []string) domain.SyncResult {
	if files == nil {
		files = []string{}
	}
	return domain.SyncResult{
		Success:      ok,
		Status:       status,
		Message:      msg,
		FilesChanged: files,
		Timestamp:    domain.FormatTime(s.now()),
	}
}

// Pull fetches and merges the remote branch. A merge conflict yields a
// failed result with status "conflict" listing the conflicted paths.
func (s *Syncer) Pull(ctx context.Context) domain.SyncResult {
	out, errOut, err := s.git(ctx, "pull", s.remote, s.branch)
	var res domain.SyncResult
	switch {
	case err == nil:
		msg := out
		if msg == "" {
			msg = "Already up to date"
		}
		files := changedFiles(out)
		s.flagInbound(files)
		res = s.result(true, domain.SyncPulled, "Pull successful: "+msg, files)
	case strings.Contains(out+errOut, "CONFLICT"):
		res = s.result(false, domain.SyncConflict, "Pull conflict: "+firstLine(out, errOut), s.Conflicts(ctx))
	default:
		res = s.result(false, domain.SyncError, "Pull failed: "+firstLine(errOut, out, err.Error()), nil)
	}
	s.logOp(ctx, "pull", res)
	return res
}

// flagInbound warns about pulled files this vault would never push itself.
// The remote may be written by peers with a looser filter.
func (s *Syncer) flagInbound(files []string) {
	for _, f := range files {
		if guard.IsSecretFile(f) || (s.guard != nil && !s.guard.CanAccess(f)) {
			s.logger.Warn("pulled file matches secret patterns", "file", f)
		}
	}
}

// Push stages the changed files that pass ValidateSyncFiles, commits them
// and pushes. Nothing to push is a successful no-op.
func (s *Syncer) Push(ctx context.Context, message string) domain.SyncResult {
	if message == "" {
		message = "Vault sync"
	}
	st, err := s.Status(ctx)
	if err != nil {
		res := s.result(false, domain.SyncError, "Status failed: "+err.Error(), nil)
		s.logOp(ctx, "push", res)
		return res
	}
	files := s.ValidateSyncFiles(append(st.Modified, st.Untracked...))
	if len(files) == 0 {
		res := s.result(true, domain.SyncPushed, "No allowed files to push", nil)
		s.logOp(ctx, "push", res)
		return res
	}

	s.unstageDenied(ctx, files)
	if _, errOut, err := s.git(ctx, append([]string{"add", "--"}, files...)...); err != nil {
		res := s.result(false, domain.SyncError, "Stage failed: "+firstLine(errOut, err.Error()), nil)
		s.logOp(ctx, "push", res)
		return res
	}
	// The pathspec limits the commit to the validated files whatever else
	// sits in the index.
	commitMsg := fmt.Sprintf("%s [%s]", message, s.now().UTC().Format(commitLayout))
	commitArgs := append([]string{"commit", "-m", commitMsg, "--"}, files...)
	if out, errOut, err := s.git(ctx, commitArgs...); err != nil && !strings.Contains(out+errOut, "nothing to commit") {
		res := s.result(false, domain.SyncError, "Commit failed: "+firstLine(errOut, out, err.Error()), nil)
		s.logOp(ctx, "push", res)
		return res
	}
	var res domain.SyncResult
	if _, errOut, err := s.git(ctx, "push", s.remote, s.branch); err != nil {
		res = s.result(false, domain.SyncError, "Push failed: "+firstLine(errOut, err.Error()), nil)
	} else {
		res = s.result(true, domain.SyncPushed, fmt.Sprintf("Pushed %d files", len(files)), files)
	}
	s.logOp(ctx, "push", res)
	return res
}

// unstageDenied resets every staged path outside allowed, so files staged
// by hand never ride along with a sync commit.
func (s *Syncer) unstageDenied(ctx context.Context, allowed []string) {
	out, errOut, err := s.git(ctx, "diff", "--cached", "--name-only", "-z")
	if err != nil {
		s.logger.Warn("cannot list staged files", "err", firstLine(errOut, err.Error()))
		return
	}
	keep := make(map[string]bool, len(allowed))
	for _, f := range allowed {
		keep[f] = true
	}
	var denied []string
	for _, f := range strings.Split(out, "\x00") {
		if f != "" && !keep[f] {
			denied = append(denied, f)
		}
	}
	if len(denied) == 0 {
		return
	}
	if _, errOut, err := s.git(ctx, append([]string{"reset", "-q", "--"}, denied...)...); err != nil {
		s.logger.Warn("cannot unstage denied files", "files", denied, "err", firstLine(errOut, err.Error()))
		return
	}
	s.logger.Warn("unstaged files denied for sync", "files", denied)
}

// Sync pulls then pushes. A failed pull other than a conflict stops the
// cycle and is returned as is.
func (s *Syncer) Sync(ctx context.Context, message string) domain.SyncResult {
	pull := s.Pull(ctx)
	if !pull.Success && pull.Status != domain.SyncConflict {
		return pull
	}
	push := s.Push(ctx, message)
	status := domain.SyncSynced
	if !push.Success {
		status = domain.SyncError
	}
	files := append(append([]string{}, pull.FilesChanged...), push.FilesChanged...)
	res := s.result(pull.Success && push.Success, status, "Sync: "+pull.Message+" | "+push.Message, files)
	s.logOp(ctx, "sync", res)
	return res
}

// Status reports modified and untracked paths, untracked directories
// expanded to their files.
func (s *Syncer) Status(ctx context.Context) (Status, error) {
	st := Status{Modified: []string{}, Untracked: []string{}}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, errOut, err := s.runner.Run(ctx, s.dir, "status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return st, fmt.Errorf("git status: %s", firstLine(strings.TrimSpace(errOut), err.Error()))
	}
	recs := strings.Split(out, "\x00")
	for i := 0; i < len(recs); i++ {
		rec := recs[i]
		if len(rec) < 4 {
			continue
		}
		code, p := rec[:2], rec[3:]
		switch {
		case code == "??":
			st.Untracked = append(st.Untracked, p)
		case code == "!!":
		default:
			st.Modified = append(st.Modified, p)
			// Renames and copies carry the original path as the next record.
			if code[0] == 'R' || code[0] == 'C' {
				i++
			}
		}
	}
	return st, nil
}

// Conflicts lists paths with unresolved merge conflicts.
func (s *Syncer) Conflicts(ctx context.Context) []string {
	out, _, err := s.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return []string{}
	}
	return strings.Split(out, "\n")
}

// ResolveConflict checks out one side of a conflicted path and stages it.
// strategy is "ours" or "theirs".
func (s *Syncer) ResolveConflict(ctx context.Context, file, strategy string) bool {
	if strategy != "ours" && strategy != "theirs" {
		return false
	}
	if _, errOut, err := s.git(ctx, "checkout", "--"+strategy, "--", file); err != nil {
		s.logger.Warn("conflict resolution failed", "file", file, "strategy", strategy, "err", firstLine(errOut, err.Error()))
		return false
	}
	if _, errOut, err := s.git(ctx, "add", "--", file); err != nil {
		s.logger.Warn("staging resolved file failed", "file", file, "err", firstLine(errOut, err.Error()))
		return false
	}
	s.logger.Info("conflict resolved", "file", file, "strategy", strategy)
	return true
}

// ValidateSyncFiles keeps, in order, the files whose extension is allowed
// and that match no secret pattern. A configured guard filters the rest.
func (s *Syncer) ValidateSyncFiles(files []string) []string {
	out := []string{}
	for _, f := range files {
		if s.extensionAllowed(f) && !guard.IsSecretFile(f) {
			out = append(out, f)
		}
	}
	if s.guard != nil {
		out = s.guard.ValidateSyncFiles(out)
	}
	return out
}

func (s *Syncer) extensionAllowed(file string) bool {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(file, "\\", "/")))
	if ext == "" {
		return true
	}
	_, ok := s.allowed[ext]
	return ok
}

// Log returns up to limit of the most recent sync events, oldest first.
func (s *Syncer) Log(limit int) []domain.SyncEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.ring)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.SyncEvent, n)
	copy(out, s.ring[len(s.ring)-n:])
	return out
}

func (s *Syncer) logOp(ctx context.Context, op string, res domain.SyncResult) {
	ev := domain.SyncEvent{
		Operation:    op,
		Success:      res.Success,
		Status:       res.Status,
		Message:      res.Message,
		FilesChanged: len(res.FilesChanged),
		Timestamp:    res.Timestamp,
	}
	s.mu.Lock()
	s.ring = append(s.ring, ev)
	if len(s.ring) > s.size {
		s.ring = append(s.ring[:0:0], s.ring[len(s.ring)-s.size:]...)
	}
	s.mu.Unlock()

	level := slog.LevelInfo
	if !res.Success {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "sync "+op, "status", res.Status, "files", len(res.FilesChanged), "message", res.Message)
	if s.events != nil {
		actor := s.agent
		if actor == "" {
			actor = "system"
		}
		_ = s.events.Record(ctx, events.SyncRun, "sync", op, actor, events.EventPayload{
			"status":        res.Status,
			"success":       res.Success,
			"files_changed": len(res.FilesChanged),
			"remote":        s.Remote(),
		})
	}
}

// changedFiles extracts paths from a pull diffstat (" path | 3 ++-").
func changedFiles(out string) []string {
	files := []string{}
	for _, line := range strings.Split(out, "\n") {
		if name, _, ok := strings.Cut(line, "|"); ok {
			if name = strings.TrimSpace(name); name != "" {
				files = append(files, name)
			}
		}
	}
	return files
}

func firstLine(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			line, _, _ := strings.Cut(c, "\n")
			return line
		}
	}
	return ""
}
