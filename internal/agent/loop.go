package agent

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"handoff/internal/logging"
)

const debounce = 250 * time.Millisecond

// LoopOptions drives Loop. Watch lists directories whose changes trigger
// an early pass; polling continues regardless.
type LoopOptions struct {
	Poll   time.Duration
	Watch  []string
	Logger *slog.Logger
}

// Loop calls pass immediately, then on every poll tick and after each
// debounced burst of filesystem events, until ctx ends. Pass errors are
// logged and the loop continues.
func Loop(ctx context.Context, opts LoopOptions, pass func(context.Context) error) error {
	poll := opts.Poll
	if poll <= 0 {
		poll = 10 * time.Second
	}
	logger := logging.OrDiscard(opts.Logger)

	var changes <-chan struct{}
	if len(opts.Watch) > 0 {
		if w := initWatcher(opts.Watch, logger); w != nil {
			defer w.Close()
			changes = runWatcher(ctx, w, logger)
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if err := pass(ctx); err != nil && ctx.Err() == nil {
			logger.Error("agent pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-changes:
			logger.Debug("change detected")
		}
	}
}

// initWatcher watches every existing directory in dirs. Nil means polling
// only.
func initWatcher(dirs []string, logger *slog.Logger) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify unavailable, polling only", "err", err)
		return nil
	}
	added := 0
	for _, d := range dirs {
		if _, err := os.Stat(d); err != nil {
			continue
		}
		if err := watcher.Add(d); err != nil {
			logger.Warn("cannot watch directory", "dir", d, "err", err)
			continue
		}
		added++
	}
	if added == 0 {
		_ = watcher.Close()
		return nil
	}
	return watcher
}

// runWatcher emits one signal per burst of events. The channel is buffered
// so a burst during a pass is not lost.
func runWatcher(ctx context.Context, watcher *fsnotify.Watcher, logger *slog.Logger) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		timer := newDebounceTimer()
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				resetDebounceTimer(timer)
			case <-timer.C:
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("fsnotify error", "err", err)
			}
		}
	}()
	return out
}

func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounce)
}
