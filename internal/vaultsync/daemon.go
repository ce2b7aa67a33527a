package vaultsync

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"handoff/internal/domain"
	"handoff/internal/logging"
	"handoff/internal/vault"
)

const statusFile = "sync_status.json"

// LegStatus summarizes one half of a cycle in sync_status.json.
type LegStatus struct {
	Success      bool   `json:"success"`
	Status       string `json:"status"`
	FilesChanged int    `json:"files_changed"`
}

// CycleStatus is the content of Updates/sync_status.json.
type CycleStatus struct {
	LastSync string    `json:"last_sync" format:"date-time"`
	Pull     LegStatus `json:"pull"`
	Push     LegStatus `json:"push"`
	Remote   string    `json:"remote"`
}

// Daemon runs a pull+push cycle every Interval and records the outcome.
type Daemon struct {
	Syncer   *Syncer
	Layout   vault.Layout
	Interval time.Duration
	Message  string
	Logger   *slog.Logger
}

func (d *Daemon) log() *slog.Logger {
	return logging.OrDiscard(d.Logger).With("component", "sync-daemon")
}

// StatusPath is where each cycle's summary is written.
func (d *Daemon) StatusPath() string {
	return filepath.Join(d.Layout.Updates(), statusFile)
}

// RunOnce performs one cycle. Git failures are reported in the returned
// status; only writing the status file can fail.
func (d *Daemon) RunOnce(ctx context.Context) (CycleStatus, error) {
	start := time.Now()
	pull := d.Syncer.Pull(ctx)
	push := d.Syncer.Push(ctx, d.Message)
	st := CycleStatus{
		LastSync: domain.FormatTime(d.Syncer.now()),
		Pull:     leg(pull),
		Push:     leg(push),
		Remote:   d.Syncer.Remote(),
	}
	d.log().Info("sync cycle complete",
		"files", st.Pull.FilesChanged+st.Push.FilesChanged,
		"pull", pull.Status, "push", push.Status,
		"elapsed", time.Since(start).Round(100*time.Millisecond))
	return st, vault.WriteJSON(d.StatusPath(), st)
}

// Run cycles until ctx is cancelled, starting immediately.
func (d *Daemon) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	d.log().Info("sync daemon started", "interval", interval, "remote", d.Syncer.Remote())
	defer d.log().Info("sync daemon stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil {
			d.log().Error("write sync status", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReadStatus loads the last cycle summary.
func ReadStatus(layout vault.Layout) (CycleStatus, error) {
	var st CycleStatus
	err := vault.ReadJSON(filepath.Join(layout.Updates(), statusFile), &st)
	return st, err
}

func leg(r domain.SyncResult) LegStatus {
	return LegStatus{Success: r.Success, Status: r.Status, FilesChanged: len(r.FilesChanged)}
}
