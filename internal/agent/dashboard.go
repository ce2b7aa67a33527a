package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"handoff/internal/domain"
	"handoff/internal/vault"
)

// DashboardFile lives at the vault base. Only the executor writes it.
const DashboardFile = "DASHBOARD.md"

const dashboardRecent = 10

// RenderDashboard rewrites DASHBOARD.md with agent status, pending drafts
// and recent executions.
func (e *Executor) RenderDashboard(ctx context.Context) error {
	var agents []domain.Heartbeat
	if e.Heartbeat != nil {
		var err error
		if agents, err = e.Heartbeat.All(); err != nil {
			return err
		}
	}
	pending, err := e.Drafts.ListPending(ctx, "")
	if err != nil {
		return err
	}
	executed, err := e.Executions(dashboardRecent)
	if err != nil {
		return err
	}
	return writeDashboard(filepath.Join(e.Layout.Dir(), DashboardFile), domain.FormatTime(e.now()), agents, pending, executed)
}

func writeDashboard(path, updated string, agents []domain.Heartbeat, pending []domain.Draft, executed []domain.ExecutionRecord) error {
	var b strings.Builder
	b.WriteString("# Handoff Dashboard\n\n")
	fmt.Fprintf(&b, "**Last Updated**: %s\n\n", updated)

	b.WriteString("## Agent Status\n\n")
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Agent", "Status", "Current Task", "Last Beat"})
	for _, a := range agents {
		tw.AppendRow(table.Row{a.AgentName, a.Status, deref(a.CurrentTask), deref(a.Timestamp)})
	}
	b.WriteString(tw.RenderMarkdown())

	fmt.Fprintf(&b, "\n\n## Pending Approvals: %d\n\n", len(pending))
	tw = table.NewWriter()
	tw.AppendHeader(table.Row{"Draft ID", "Domain", "Title", "Author"})
	for _, d := range pending {
		tw.AppendRow(table.Row{d.ID, d.Domain, d.Title, d.Author})
	}
	b.WriteString(tw.RenderMarkdown())

	fmt.Fprintf(&b, "\n\n## Recent Executions: %d\n\n", len(executed))
	tw = table.NewWriter()
	tw.AppendHeader(table.Row{"Draft ID", "Domain", "Action", "Status", "Timestamp"})
	for _, r := range executed {
		tw.AppendRow(table.Row{r.DraftID, r.Domain, r.Action, r.Status, r.Timestamp})
	}
	b.WriteString(tw.RenderMarkdown())
	b.WriteString("\n")

	return vault.WriteFile(path, []byte(b.String()))
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
