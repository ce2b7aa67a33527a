package guard

import (
	"errors"
	"reflect"
	"testing"
)

func mustGuard(t *testing.T, role string, opts ...Option) *Guard {
	t.Helper()
	g, err := New(role, opts...)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	return g
}

func TestNewRejectsUnknownRole(t *testing.T) {
	if _, err := New("admin"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestPrivilegedRoleSeesEverything(t *testing.T) {
	g := mustGuard(t, "local")
	for _, r := range []string{".env", "*.key", "banking/anything", "secrets", "email_draft", "x.pem"} {
		if !g.CanAccess(r) {
			t.Fatalf("local should access %s", r)
		}
	}
	if len(g.BlockedPatterns()) != 0 {
		t.Fatalf("local should have no blocked patterns")
	}
	if err := g.Require("approve"); err != nil {
		t.Fatalf("local require: %v", err)
	}
}

func TestRestrictedRoleDeniesSecretShapes(t *testing.T) {
	g := mustGuard(t, "cloud")
	denied := []string{
		".env", ".env.production", "*.key", "id.pem", "cert.P12", "store.jks",
		"api.token", "bank.credentials", "banking/anything", "BANKING/stmt.csv",
		"payment_tokens/visa", "whatsapp_session", "config/secrets/db.json",
		"private", "odoo_admin/pw", "imap_credentials", `smtp_credentials\pw`,
	}
	for _, r := range denied {
		if g.CanAccess(r) {
			t.Fatalf("cloud should be denied %s", r)
		}
	}
	for _, r := range []string{"email_draft", "EMAIL_DRAFT", "monitoring_report", "Plans/email/DRAFT-1.json", "README.md"} {
		if !g.CanAccess(r) {
			t.Fatalf("cloud should access %s", r)
		}
	}
}

// Unmatched labels are allowed for the restricted role. This pins the
// current default-allow policy; flip the expectation if the policy moves to
// default-deny.
func TestRestrictedRoleDefaultAllowsUnknownResources(t *testing.T) {
	g := mustGuard(t, "cloud")
	if !g.CanAccess("some_unknown_resource") {
		t.Fatalf("default-allow policy changed")
	}
}

func TestValidateSyncFilesPreservesOrder(t *testing.T) {
	g := mustGuard(t, "cloud")
	got := g.ValidateSyncFiles([]string{"README.md", ".env", "notes.txt", "id.key"})
	want := []string{"README.md", "notes.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestIsSecretFileIgnoresRole(t *testing.T) {
	g := mustGuard(t, "local")
	if !g.IsSecretFile("deploy.pem") || g.IsSecretFile("notes.md") {
		t.Fatalf("unexpected IsSecretFile result")
	}
}

func TestRequireReturnsPermissionError(t *testing.T) {
	g := mustGuard(t, "cloud")
	err := g.Require("approve draft")
	var perr *PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PermissionError, got %v", err)
	}
	if perr.Role != "cloud" || perr.Operation != "approve draft" {
		t.Fatalf("unexpected error fields %+v", perr)
	}
}

func TestAuditLogRecordsEveryDecisionAndIsACopy(t *testing.T) {
	g := mustGuard(t, "cloud", WithAuditLimit(2))
	g.CanAccess("a.md")
	g.CanAccess(".env")
	g.CanAccess("b.md")
	log := g.AuditLog()
	if len(log) != 2 {
		t.Fatalf("expected capped log of 2, got %d", len(log))
	}
	if log[0].Resource != ".env" || log[0].Allowed || log[1].Resource != "b.md" {
		t.Fatalf("unexpected audit log %+v", log)
	}
	log[0].Resource = "mutated"
	if g.AuditLog()[0].Resource != ".env" {
		t.Fatalf("audit log copy shares storage")
	}
}
