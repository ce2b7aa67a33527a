package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"handoff/internal/agent"
	"handoff/internal/claim"
	"handoff/internal/config"
	"handoff/internal/db"
	"handoff/internal/drafts"
	"handoff/internal/events"
	"handoff/internal/guard"
	"handoff/internal/health"
	"handoff/internal/heartbeat"
	"handoff/internal/logging"
	"handoff/internal/migrate"
	"handoff/internal/repo"
	"handoff/internal/signals"
	"handoff/internal/vault"
	"handoff/internal/vaultsync"
)

// Overrides are applied over handoff.yml before anything is built.
type Overrides struct {
	Agent    string
	Role     string
	LogLevel string
}

// ResolveConfig loads the workspace config (or the defaults when none
// exists), applies overrides and validates the result.
func ResolveConfig(workspace string, o Overrides) (*config.Config, error) {
	base, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	cfg := base.Clone()
	if o.Agent != "" {
		cfg.Agent.Name = o.Agent
	}
	if o.Role != "" {
		cfg.Agent.Role = strings.ToLower(o.Role)
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Context holds every component of one agent process, built from a single
// resolved config. Components never mutate the config.
type Context struct {
	Workspace string
	Config    *config.Config
	Loggers   *logging.Loggers
	Logger    *slog.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Layout    vault.Layout
	Guard     *guard.Guard
	Claims    claim.Registry
	Drafts    drafts.Registry
	Heartbeat *heartbeat.Registry
	Transport signals.Transport
	Syncer    *vaultsync.Syncer
}

// Open wires the components for cfg. The vault directories are created and
// the database migrated; logs go to w (stderr when nil).
func Open(ctx context.Context, workspace string, cfg *config.Config, w io.Writer) (*Context, error) {
	if workspace == "" {
		workspace = "."
	}
	audit := cfg.Log.Audit
	if audit != "" && !filepath.IsAbs(audit) {
		audit = filepath.Join(workspace, audit)
	}
	loggers, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, AuditPath: audit}, w)
	if err != nil {
		return nil, err
	}
	c := &Context{Workspace: workspace, Config: cfg, Loggers: loggers}
	c.Logger = loggers.Logger.With("agent", cfg.Agent.Name, "role", cfg.Agent.Role)
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	c.Layout = vault.New(workspace, cfg.Vault.Base)
	agents := []string{cfg.Agent.Name, cfg.Agents.Producer, cfg.Agents.Executor}
	if err := c.Layout.Ensure(cfg.Domains, dedupe(agents)); err != nil {
		return nil, fmt.Errorf("prepare vault: %w", err)
	}

	if c.DB, err = db.Open(db.Config{Workspace: workspace}); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, c.DB); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	c.Repo = repo.Repo{DB: c.DB}
	c.Events = events.Writer{DB: c.DB}

	if c.Guard, err = guard.New(cfg.Agent.Role, guard.WithLogger(loggers.Audit.With("component", "guard", "agent", cfg.Agent.Name))); err != nil {
		return nil, err
	}
	c.Claims = claim.Registry{
		Layout:        c.Layout,
		DefaultDomain: cfg.DefaultDomain(),
		Events:        c.Events,
		Logger:        c.Logger,
	}
	c.Drafts = drafts.Registry{
		Layout: c.Layout,
		Index:  c.Repo,
		Guard:  c.Guard,
		Events: c.Events,
		Logger: c.Logger,
	}
	if c.Heartbeat, err = heartbeat.New(c.Layout, cfg.Agent.Name, cfg.HeartbeatInterval()); err != nil {
		return nil, err
	}
	c.Heartbeat.Logger = c.Logger
	if c.Transport, err = signals.New(ctx, cfg, c.Layout, c.Logger); err != nil {
		return nil, fmt.Errorf("message transport: %w", err)
	}
	c.Syncer = vaultsync.New(workspace, &vaultsync.ExecGitRunner{SSHKey: cfg.Sync.SSHKey}, vaultsync.Options{
		Remote:            cfg.Sync.Remote,
		Branch:            cfg.Sync.Branch,
		Timeout:           cfg.SyncTimeout(),
		LogSize:           cfg.Sync.LogSize,
		AllowedExtensions: cfg.Sync.AllowedExtensions,
		Agent:             cfg.Agent.Name,
		Guard:             c.Guard,
		Events:            c.Events,
		Logger:            c.Logger,
	})
	ok = true
	return c, nil
}

// Close releases the transport, database and log files.
func (c *Context) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.Transport != nil {
		keep(c.Transport.Close())
	}
	if c.DB != nil {
		keep(c.DB.Close())
	}
	if c.Loggers != nil {
		keep(c.Loggers.Close())
	}
	return first
}

// Producer builds the drafting loop for this agent.
func (c *Context) Producer() *agent.Producer {
	return &agent.Producer{
		Name:      c.Config.Agent.Name,
		Executor:  c.Config.Agents.Executor,
		Domains:   c.Config.Domains,
		Claims:    c.Claims,
		Drafts:    c.Drafts,
		Guard:     c.Guard,
		Heartbeat: c.Heartbeat,
		Transport: c.Transport,
		Logger:    c.Logger,
	}
}

// Executor builds the approval loop for this agent.
func (c *Context) Executor() *agent.Executor {
	return &agent.Executor{
		Name:        c.Config.Agent.Name,
		Producer:    c.Config.Agents.Producer,
		Domains:     c.Config.Domains,
		Layout:      c.Layout,
		Drafts:      c.Drafts,
		Guard:       c.Guard,
		Heartbeat:   c.Heartbeat,
		Transport:   c.Transport,
		AutoApprove: c.Config.Loop.AutoApprove,
		Events:      c.Events,
		Logger:      c.Logger,
	}
}

// LoopOptions returns the poll/watch settings for dirs.
func (c *Context) LoopOptions(dirs []string) agent.LoopOptions {
	opts := agent.LoopOptions{Poll: c.Config.PollInterval(), Logger: c.Logger}
	if c.Config.Loop.Watch {
		opts.Watch = dirs
	}
	return opts
}

// SyncDaemon builds the periodic replication loop.
func (c *Context) SyncDaemon() *vaultsync.Daemon {
	msg := "Vault sync"
	if c.Config.Agent.Name != "" {
		msg = strings.ToUpper(c.Config.Agent.Name[:1]) + c.Config.Agent.Name[1:] + " sync"
	}
	return &vaultsync.Daemon{
		Syncer:   c.Syncer,
		Layout:   c.Layout,
		Interval: c.Config.SyncInterval(),
		Message:  msg,
		Logger:   c.Logger,
	}
}

// Health builds the monitor expecting both configured agents.
func (c *Context) Health() *health.Monitor {
	return &health.Monitor{
		Layout:     c.Layout,
		Heartbeats: c.Heartbeat,
		Claims:     c.Claims,
		Expected:   dedupe([]string{c.Config.Agents.Producer, c.Config.Agents.Executor}),
		Events:     c.Events,
		Logger:     c.Logger,
	}
}

func dedupe(names []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
