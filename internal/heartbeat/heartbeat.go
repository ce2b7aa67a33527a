package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"handoff/internal/domain"
	"handoff/internal/logging"
	"handoff/internal/vault"
)

const fileSuffix = "_heartbeat.json"

// TickerFunc starts a periodic tick and returns its channel and stop func.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Registry writes this agent's presence record and reads everyone's.
// Records are replaced whole-file on every beat.
type Registry struct {
	Layout   vault.Layout
	Agent    string
	Interval time.Duration
	Now      func() time.Time
	Ticker   TickerFunc
	Logger   *slog.Logger

	mu      sync.Mutex
	task    string
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func New(layout vault.Layout, agent string, interval time.Duration) (*Registry, error) {
	if agent == "" || strings.ContainsAny(agent, `/\`) {
		return nil, fmt.Errorf("invalid agent name %q", agent)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}
	return &Registry{Layout: layout, Agent: agent, Interval: interval}, nil
}

func (r *Registry) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Registry) log() *slog.Logger {
	return logging.OrDiscard(r.Logger).With("component", "heartbeat", "agent", r.Agent)
}

func (r *Registry) path(agent string) string {
	return filepath.Join(r.Layout.Updates(), agent+fileSuffix)
}

// Beat marks the agent online. The task is remembered so periodic beats keep
// reporting it; pass "" to clear it.
func (r *Registry) Beat(task string) error {
	r.mu.Lock()
	r.task = task
	r.mu.Unlock()
	return r.write(domain.AgentOnline)
}

func (r *Registry) write(status string) error {
	r.mu.Lock()
	task := r.task
	r.mu.Unlock()
	ts := domain.FormatTime(r.now())
	hb := domain.Heartbeat{
		AgentName: r.Agent,
		Status:    status,
		Timestamp: &ts,
		Interval:  int(r.Interval / time.Second),
	}
	if task != "" {
		hb.CurrentTask = &task
	}
	if err := vault.WriteJSON(r.path(r.Agent), hb); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// IsAlive reports whether agent beat less than timeout ago.
func (r *Registry) IsAlive(agent string, timeout time.Duration) bool {
	hb, err := r.read(agent)
	if err != nil || hb.Timestamp == nil {
		return false
	}
	ts, err := domain.ParseTime(*hb.Timestamp)
	if err != nil {
		return false
	}
	return r.now().Sub(ts) < timeout
}

// Status returns agent's record with status stale once its age passes twice
// the interval the record declares. Missing records come back offline and
// unreadable ones as error.
func (r *Registry) Status(agent string) domain.Heartbeat {
	hb, _ := r.status(agent)
	return hb
}

func (r *Registry) status(agent string) (domain.Heartbeat, *float64) {
	hb, err := r.read(agent)
	if err != nil {
		st := domain.AgentError
		if errors.Is(err, errMissing) {
			st = domain.AgentOffline
		}
		return domain.Heartbeat{AgentName: agent, Status: st}, nil
	}
	ts, err := domain.ParseTime(*hb.Timestamp)
	if err != nil {
		return domain.Heartbeat{AgentName: agent, Status: domain.AgentError}, nil
	}
	age := r.now().Sub(ts)
	if age > 2*r.declared(hb) {
		hb.Status = domain.AgentStale
	}
	secs := math.Round(age.Seconds()*10) / 10
	return hb, &secs
}

func (r *Registry) declared(hb domain.Heartbeat) time.Duration {
	if hb.Interval > 0 {
		return time.Duration(hb.Interval) * time.Second
	}
	return r.Interval
}

var errMissing = errors.New("no heartbeat")

func (r *Registry) read(agent string) (domain.Heartbeat, error) {
	var hb domain.Heartbeat
	if agent == "" || strings.ContainsAny(agent, `/\`) {
		return hb, errMissing
	}
	if err := vault.ReadJSON(r.path(agent), &hb); err != nil {
		if isNotExist(err) {
			return hb, errMissing
		}
		return hb, err
	}
	if hb.Timestamp == nil {
		return hb, fmt.Errorf("heartbeat for %s has no timestamp", agent)
	}
	if hb.AgentName == "" {
		hb.AgentName = agent
	}
	return hb, nil
}

// Agents lists the agent names that have a record, sorted.
func (r *Registry) Agents() ([]string, error) {
	names, err := vault.ListJSON(r.Layout.Updates())
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		if strings.HasSuffix(n, fileSuffix) {
			out = append(out, strings.TrimSuffix(n, fileSuffix))
		}
	}
	sort.Strings(out)
	return out, nil
}

// All returns Status for every agent with a record.
func (r *Registry) All() ([]domain.Heartbeat, error) {
	agents, err := r.Agents()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Heartbeat, 0, len(agents))
	for _, a := range agents {
		out = append(out, r.Status(a))
	}
	return out, nil
}

// Summary reports per-agent health: healthy means online and not stale.
func (r *Registry) Summary() (map[string]domain.AgentHealth, error) {
	agents, err := r.Agents()
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.AgentHealth, len(agents))
	for _, a := range agents {
		hb, age := r.status(a)
		out[a] = domain.AgentHealth{
			Status:        hb.Status,
			CurrentTask:   hb.CurrentTask,
			LastHeartbeat: hb.Timestamp,
			AgeSeconds:    age,
			Healthy:       hb.Status == domain.AgentOnline,
		}
	}
	return out, nil
}

// Start beats once and then on every interval until ctx ends or Stop is
// called. Starting twice is a no-op.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.stopped = false
	r.mu.Unlock()

	if err := r.write(domain.AgentOnline); err != nil {
		cancel()
		close(r.done)
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		return err
	}
	tick := r.Ticker
	if tick == nil {
		tick = realTicker
	}
	c, stop := tick(r.Interval)
	go func(done chan struct{}) {
		defer close(done)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c:
				if err := r.write(domain.AgentOnline); err != nil {
					r.log().Warn("heartbeat failed", "err", err)
				}
			}
		}
	}(r.done)
	return nil
}

// Stop ends the loop and, as its last act, marks the record offline.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if err := r.write(domain.AgentOffline); err != nil {
		r.log().Warn("offline marker not written", "err", err)
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
