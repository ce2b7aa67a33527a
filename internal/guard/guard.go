package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/logging"
)

// ErrInvalidRole is returned by New for anything but cloud or local.
var ErrInvalidRole = errors.New("invalid agent role")

// PermissionError reports a restricted role attempting a privileged operation.
type PermissionError struct {
	Role      string
	Operation string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("role %s is not permitted to %s", e.Role, e.Operation)
}

// Deny patterns, evaluated in order against the slash-separated resource.
var blockedPatterns = []string{
	`\.env$`,
	`\.env\..+$`,
	`.*\.key$`,
	`.*\.pem$`,
	`.*\.p12$`,
	`.*\.pfx$`,
	`.*\.jks$`,
	`.*\.secret$`,
	`.*\.token$`,
	`.*\.credentials$`,
	`whatsapp_session(/.*)?$`,
	`banking(/.*)?$`,
	`payment_tokens(/.*)?$`,
	`secrets(/.*)?$`,
	`private(/.*)?$`,
	`odoo_admin(/.*)?$`,
	`imap_credentials(/.*)?$`,
	`smtp_credentials(/.*)?$`,
}

var compiled = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(blockedPatterns))
	for i, p := range blockedPatterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}()

// Resource labels any role may touch.
var safeResources = map[string]struct{}{
	"email_draft":       {},
	"social_draft":      {},
	"accounting_draft":  {},
	"monitoring_report": {},
	"task_file":         {},
	"plan_file":         {},
	"heartbeat":         {},
	"status_update":     {},
	"audit_log":         {},
	"markdown":          {},
	"json_config":       {},
}

const defaultAuditLimit = 10000

// AccessRecord is one audited decision.
type AccessRecord struct {
	Role      string `json:"agent_role"`
	Resource  string `json:"resource"`
	Allowed   bool   `json:"allowed"`
	Timestamp string `json:"timestamp"`
}

// Guard decides what a role may read or replicate. Unmatched resources are
// allowed for the restricted role as well.
type Guard struct {
	role   string
	logger *slog.Logger
	now    func() time.Time
	limit  int

	mu    sync.Mutex
	audit []AccessRecord
}

type Option func(*Guard)

// WithLogger sends every decision to l (normally the audit logger).
func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.logger = l } }

func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// WithAuditLimit caps the in-memory audit log; the oldest records are dropped.
func WithAuditLimit(n int) Option { return func(g *Guard) { g.limit = n } }

func New(role string, opts ...Option) (*Guard, error) {
	if role != config.RoleCloud && role != config.RoleLocal {
		return nil, fmt.Errorf("%w: %q (must be %s or %s)", ErrInvalidRole, role, config.RoleCloud, config.RoleLocal)
	}
	g := &Guard{role: role, now: time.Now, limit: defaultAuditLimit}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrDiscard(g.logger).With("component", "guard", "role", role)
	return g, nil
}

func (g *Guard) Role() string { return g.role }

func (g *Guard) Privileged() bool { return g.role == config.RoleLocal }

// CanAccess reports whether the guard's role may access resource, which is a
// label, a file name or a path.
func (g *Guard) CanAccess(resource string) bool {
	allowed := g.decide(resource)
	g.record(resource, allowed)
	return allowed
}

func (g *Guard) decide(resource string) bool {
	if g.Privileged() {
		return true
	}
	if _, ok := safeResources[strings.ToLower(resource)]; ok {
		return true
	}
	return !IsSecretFile(resource)
}

// ValidateSyncFiles keeps the entries CanAccess approves, in order.
func (g *Guard) ValidateSyncFiles(files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		if g.CanAccess(f) {
			out = append(out, f)
		}
	}
	return out
}

// BlockedPatterns lists the deny patterns in force for this role.
func (g *Guard) BlockedPatterns() []string {
	if g.Privileged() {
		return []string{}
	}
	return append([]string(nil), blockedPatterns...)
}

// Require returns a *PermissionError unless the role is privileged.
func (g *Guard) Require(operation string) error {
	if g.Privileged() {
		return nil
	}
	g.logger.Warn("privileged operation refused", "operation", operation)
	return &PermissionError{Role: g.role, Operation: operation}
}

// AuditLog returns a copy of the recorded decisions, oldest first.
func (g *Guard) AuditLog() []AccessRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]AccessRecord(nil), g.audit...)
}

func (g *Guard) record(resource string, allowed bool) {
	rec := AccessRecord{Role: g.role, Resource: resource, Allowed: allowed, Timestamp: domain.FormatTime(g.now())}
	g.mu.Lock()
	g.audit = append(g.audit, rec)
	if g.limit > 0 && len(g.audit) > g.limit {
		g.audit = append(g.audit[:0:0], g.audit[len(g.audit)-g.limit:]...)
	}
	g.mu.Unlock()
	g.logger.Info("access decision", "resource", resource, "allowed", allowed)
}

// IsSecretFile matches path against the deny patterns regardless of role.
func IsSecretFile(path string) bool {
	p := strings.ReplaceAll(filepath.ToSlash(path), `\`, "/")
	for _, re := range compiled {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

// IsSecretFile is the role-independent pattern match.
func (g *Guard) IsSecretFile(path string) bool { return IsSecretFile(path) }
