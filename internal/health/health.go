package health

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"handoff/internal/claim"
	"handoff/internal/domain"
	"handoff/internal/events"
	"handoff/internal/heartbeat"
	"handoff/internal/logging"
	"handoff/internal/vault"
	"handoff/internal/vaultsync"
)

// MonitoringDomain is where alert tasks are queued.
const MonitoringDomain = "monitoring"

const statusFile = "health_status.json"

type Check struct {
	Name      string `json:"name"`
	Target    string `json:"target"`
	Healthy   bool   `json:"healthy"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

// Status is the content of Updates/health_status.json.
type Status struct {
	OverallHealthy bool     `json:"overall_healthy"`
	Checks         []Check  `json:"checks"`
	Alerts         []string `json:"alerts"`
	Timestamp      string   `json:"timestamp" format:"date-time"`
}

// Monitor checks agent liveness and the last sync cycle. Every agent that
// fails its check gets one open monitoring task, named HEALTH-<agent>.
type Monitor struct {
	Layout     vault.Layout
	Heartbeats *heartbeat.Registry
	Claims     claim.Registry
	// Expected agents are reported offline when they have never beaten.
	Expected []string
	Events   events.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

func (m *Monitor) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Monitor) log() *slog.Logger {
	return logging.OrDiscard(m.Logger).With("component", "health")
}

// StatusPath is where Run writes its report.
func (m *Monitor) StatusPath() string {
	return filepath.Join(m.Layout.Updates(), statusFile)
}

// Check runs every check without side effects.
func (m *Monitor) Check(ctx context.Context) (Status, []string, error) {
	ts := domain.FormatTime(m.now())
	summary, err := m.Heartbeats.Summary()
	if err != nil {
		return Status{}, nil, fmt.Errorf("heartbeat summary: %w", err)
	}
	for _, a := range m.Expected {
		if _, ok := summary[a]; !ok {
			summary[a] = domain.AgentHealth{Status: domain.AgentOffline}
		}
	}
	names := make([]string, 0, len(summary))
	for a := range summary {
		names = append(names, a)
	}
	sort.Strings(names)

	st := Status{OverallHealthy: true, Checks: []Check{}, Alerts: []string{}, Timestamp: ts}
	var unhealthy []string
	for _, a := range names {
		h := summary[a]
		c := Check{
			Name:      "heartbeat:" + a,
			Target:    path.Join(vault.Updates, a+"_heartbeat.json"),
			Healthy:   h.Healthy,
			Message:   describe(h),
			Timestamp: ts,
		}
		st.Checks = append(st.Checks, c)
		if !h.Healthy {
			unhealthy = append(unhealthy, a)
		}
	}
	if len(names) == 0 {
		st.Checks = append(st.Checks, Check{
			Name:      "heartbeat",
			Target:    vault.Updates,
			Healthy:   true,
			Message:   "No agent heartbeats found",
			Timestamp: ts,
		})
	}
	if c, ok := m.syncCheck(ts); ok {
		st.Checks = append(st.Checks, c)
	}
	for _, c := range st.Checks {
		if !c.Healthy {
			st.OverallHealthy = false
			st.Alerts = append(st.Alerts, fmt.Sprintf("[ALERT] %s: %s", c.Name, c.Message))
		}
	}
	return st, unhealthy, nil
}

// Run checks, writes the report and opens alert tasks for unhealthy agents.
func (m *Monitor) Run(ctx context.Context) (Status, error) {
	st, unhealthy, err := m.Check(ctx)
	if err != nil {
		return st, err
	}
	for _, alert := range st.Alerts {
		m.log().Warn(alert)
	}
	for _, a := range unhealthy {
		if _, err := m.openAlert(ctx, a, st); err != nil {
			m.log().Error("alert task not created", "agent", a, "err", err)
		}
	}
	if err := vault.WriteJSON(m.StatusPath(), st); err != nil {
		return st, fmt.Errorf("write health status: %w", err)
	}
	m.log().Info("health check complete", "healthy", st.OverallHealthy, "checks", len(st.Checks), "alerts", len(st.Alerts))
	return st, nil
}

// AlertRef is the fixed ref of agent's alert task while unclaimed.
func AlertRef(agent string) string {
	return path.Join(vault.NeedsAction, MonitoringDomain, alertID(agent)+".json")
}

func alertID(agent string) string { return "HEALTH-" + agent }

// openAlert queues an alert task unless one is already queued or claimed.
func (m *Monitor) openAlert(ctx context.Context, agent string, st Status) (bool, error) {
	ref := AlertRef(agent)
	if _, err := os.Stat(m.Layout.Abs(ref)); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if claimed, err := m.Claims.IsClaimed(ref); err != nil || claimed {
		return false, err
	}
	var body []string
	for _, a := range st.Alerts {
		if strings.Contains(a, "heartbeat:"+agent+":") {
			body = append(body, a)
		}
	}
	_, err := m.Claims.Enqueue(ctx, domain.TaskItem{
		ID:     alertID(agent),
		Domain: MonitoringDomain,
		Title:  "Health Alert: " + agent,
		Body:   strings.Join(body, "\n"),
	})
	if err != nil {
		return false, err
	}
	m.log().Info("health alert created", "agent", agent, "ref", ref)
	if m.Events != nil {
		_ = m.Events.Record(ctx, events.HealthAlert, "agent", agent, "system", events.EventPayload{"ref": ref})
	}
	return true, nil
}

func (m *Monitor) syncCheck(ts string) (Check, bool) {
	cs, err := vaultsync.ReadStatus(m.Layout)
	if err != nil {
		return Check{}, false
	}
	c := Check{Name: "sync", Target: cs.Remote, Healthy: cs.Pull.Success && cs.Push.Success, Timestamp: ts}
	if c.Healthy {
		c.Message = "Last sync at " + cs.LastSync
	} else {
		c.Message = fmt.Sprintf("Last sync failed (pull %s, push %s)", cs.Pull.Status, cs.Push.Status)
	}
	return c, true
}

func describe(h domain.AgentHealth) string {
	msg := "status " + h.Status
	if h.AgeSeconds != nil {
		msg += fmt.Sprintf(", last beat %.1fs ago", *h.AgeSeconds)
	}
	return msg
}
