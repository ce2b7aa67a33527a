package vault

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Bucket directory names under the vault base.
const (
	NeedsAction     = "Needs_Action"
	InProgress      = "In_Progress"
	Plans           = "Plans"
	PendingApproval = "Pending_Approval"
	Done            = "Done"
	Updates         = "Updates"
	Signals         = "Signals"
	Logs            = "Logs"
)

// DoneTasks holds archived task items, separate from approved drafts.
const DoneTasks = "tasks"

// ErrSourceGone reports that a relocation lost the race for its source.
var ErrSourceGone = errors.New("relocation source no longer exists")

// ErrDestinationExists reports that a relocation would have replaced a file.
var ErrDestinationExists = errors.New("relocation destination already exists")

// Layout resolves bucket paths under <root>/<base>.
type Layout struct {
	Root string
	Base string
}

func New(root, base string) Layout {
	if root == "" {
		root = "."
	}
	return Layout{Root: root, Base: base}
}

// Dir is the vault base directory every ref is relative to.
func (l Layout) Dir() string { return filepath.Join(l.Root, l.Base) }

func (l Layout) NeedsAction(domain string) string {
	return filepath.Join(l.Dir(), NeedsAction, domain)
}

func (l Layout) InProgress(agent string) string {
	return filepath.Join(l.Dir(), InProgress, agent)
}

func (l Layout) Plans(domain string) string {
	return filepath.Join(l.Dir(), Plans, domain)
}

func (l Layout) Pending(domain string) string {
	return filepath.Join(l.Dir(), PendingApproval, domain)
}

func (l Layout) Done() string { return filepath.Join(l.Dir(), Done) }

func (l Layout) DoneTasks() string { return filepath.Join(l.Dir(), Done, DoneTasks) }

func (l Layout) Updates() string { return filepath.Join(l.Dir(), Updates) }

func (l Layout) Signals(agent string) string {
	return filepath.Join(l.Dir(), Signals, agent)
}

func (l Layout) Logs() string { return filepath.Join(l.Dir(), Logs) }

// Abs resolves a slash-separated ref relative to the vault base.
func (l Layout) Abs(ref string) string {
	return filepath.Join(l.Dir(), filepath.FromSlash(ref))
}

// Ref converts an absolute path under the vault base into a slash-separated ref.
func (l Layout) Ref(path string) (string, error) {
	rel, err := filepath.Rel(l.Dir(), path)
	if err != nil {
		return "", err
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %s is outside the vault", path)
	}
	return filepath.ToSlash(rel), nil
}

// IsLocalRef reports whether ref stays inside the vault base.
func IsLocalRef(ref string) bool {
	return ref != "" && filepath.IsLocal(filepath.FromSlash(ref))
}

// Ensure creates every bucket directory the agents rely on.
func (l Layout) Ensure(domains, agents []string) error {
	dirs := []string{l.Done(), l.DoneTasks(), l.Updates(), l.Logs()}
	for _, d := range domains {
		dirs = append(dirs, l.NeedsAction(d), l.Plans(d), l.Pending(d))
	}
	for _, a := range agents {
		dirs = append(dirs, l.InProgress(a), l.Signals(a))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// Subdirs lists the immediate child directories of dir, sorted.
func Subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// ListJSON returns the .json file names in dir in lexicographic order.
// A missing directory is an empty listing.
func ListJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// ReadJSON decodes the file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteJSON replaces path whole-file: readers see either the old or the new
// content, never a partial write.
func WriteJSON(path string, v any) error {
	tmp, err := prepare(filepath.Dir(path), filepath.Base(path), v)
	if err != nil {
		return err
	}
	return replace(tmp, path)
}

// WriteFile is WriteJSON for raw content.
func WriteFile(path string, data []byte) error {
	tmp, err := stage(filepath.Dir(path), filepath.Base(path), data)
	if err != nil {
		return err
	}
	return replace(tmp, path)
}

func replace(tmp, path string) error {
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Relocate moves src to dst and, when v is non-nil, replaces dst with v.
//
// v is encoded into a temp file next to dst before src is touched, so the
// move of src is the only contended step. A missing src at that point is
// ErrSourceGone and an existing dst is ErrDestinationExists; dst is never
// clobbered by the move. If the final replacement fails the move is undone.
func Relocate(src, dst string, v any) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	var tmp string
	if v != nil {
		var err error
		if tmp, err = prepare(filepath.Dir(dst), filepath.Base(dst), v); err != nil {
			return err
		}
	}
	if err := moveNoReplace(src, dst); err != nil {
		if tmp != "" {
			_ = os.Remove(tmp)
		}
		return err
	}
	if tmp == "" {
		return nil
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		if rbErr := os.Rename(dst, src); rbErr != nil {
			return fmt.Errorf("rewrite %s: %w (rollback failed: %v)", dst, err, rbErr)
		}
		return fmt.Errorf("rewrite %s: %w", dst, err)
	}
	return nil
}

// moveNoReplace links src at dst, then unlinks src. Of several movers racing
// for one src, only the one whose unlink succeeds keeps its link.
func moveNoReplace(src, dst string) error {
	err := os.Link(src, dst)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrExist):
		return ErrDestinationExists
	case errors.Is(err, fs.ErrNotExist):
		return ErrSourceGone
	default:
		// No hard links on this filesystem: fall back to a checked rename.
		if _, serr := os.Lstat(dst); serr == nil {
			return ErrDestinationExists
		}
		if rerr := os.Rename(src, dst); rerr != nil {
			if errors.Is(rerr, fs.ErrNotExist) {
				return ErrSourceGone
			}
			return fmt.Errorf("move %s: %w", filepath.Base(src), rerr)
		}
		return nil
	}
	if err := os.Remove(src); err != nil {
		_ = os.Remove(dst)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrSourceGone
		}
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	return nil
}

// Rewrite replaces the existing file at path with v. The file is first
// moved aside, so a path that a concurrent mover already took is
// ErrSourceGone and is never recreated.
func Rewrite(path string, v any) error {
	dir, name := filepath.Dir(path), filepath.Base(path)
	tmp, err := prepare(dir, name, v)
	if err != nil {
		return err
	}
	held := filepath.Join(dir, "."+name+".held")
	if err := os.Rename(path, held); err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrSourceGone
		}
		return fmt.Errorf("hold %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		if rbErr := os.Rename(held, path); rbErr != nil {
			return fmt.Errorf("rewrite %s: %w (rollback failed: %v)", path, err, rbErr)
		}
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	_ = os.Remove(held)
	return nil
}

// AppendJSONL appends v as one line to path.
func AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// TailJSONL returns the last n non-empty lines of a JSON-lines file.
func TailJSONL(path string, n int) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var lines []json.RawMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, json.RawMessage(line))
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, sc.Err()
}

func prepare(dir, name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	return stage(dir, name, append(data, '\n'))
}

func stage(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
