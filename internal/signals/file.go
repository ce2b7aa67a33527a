package signals

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"handoff/internal/domain"
	"handoff/internal/logging"
	"handoff/internal/vault"
)

const filePrefix = "MSG-"

// FileTransport keeps each inbox as Signals/<agent>/MSG-<id>.json. Files are
// read in name order; with UUIDv7 ids that is send order.
type FileTransport struct {
	Layout vault.Layout
	Logger *slog.Logger
	Now    func() time.Time
}

func (t *FileTransport) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

func (t *FileTransport) log() *slog.Logger {
	return logging.OrDiscard(t.Logger).With("component", "signals", "backend", "file")
}

func fileName(id string) string { return filePrefix + id + ".json" }

func (t *FileTransport) Send(ctx context.Context, env domain.Envelope) error {
	if err := validate(&env); err != nil {
		return err
	}
	if env.Timestamp == "" {
		env.Timestamp = domain.FormatTime(t.now())
	}
	path := filepath.Join(t.Layout.Signals(env.Recipient), fileName(env.ID))
	if err := vault.WriteJSON(path, env); err != nil {
		return fmt.Errorf("send %s: %w", env.ID, err)
	}
	t.log().Info("message sent", "id", env.ID, "sender", env.Sender, "recipient", env.Recipient, "type", env.Type)
	return nil
}

// Receive returns up to limit live envelopes, deleting expired ones it passes.
func (t *FileTransport) Receive(ctx context.Context, agent string, limit int) ([]domain.Envelope, error) {
	if limit <= 0 {
		limit = DefaultReceiveLimit
	}
	out := []domain.Envelope{}
	err := t.walk(agent, func(path string, env domain.Envelope, expired bool) (bool, error) {
		if expired {
			t.remove(path, env.ID)
			return true, nil
		}
		out = append(out, env)
		return len(out) < limit, nil
	})
	return out, err
}

// Acknowledge deletes the envelope from whichever inbox holds it.
func (t *FileTransport) Acknowledge(ctx context.Context, id string) (bool, error) {
	if !singleSegment(id) {
		return false, nil
	}
	inboxes, err := vault.Subdirs(filepath.Join(t.Layout.Dir(), vault.Signals))
	if err != nil {
		return false, err
	}
	for _, agent := range inboxes {
		err := os.Remove(filepath.Join(t.Layout.Signals(agent), fileName(id)))
		if err == nil {
			t.log().Debug("message acknowledged", "id", id, "inbox", agent)
			return true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("acknowledge %s: %w", id, err)
		}
	}
	return false, nil
}

// PendingCount counts live envelopes without deleting anything.
func (t *FileTransport) PendingCount(ctx context.Context, agent string) (int, error) {
	n := 0
	err := t.walk(agent, func(_ string, _ domain.Envelope, expired bool) (bool, error) {
		if !expired {
			n++
		}
		return true, nil
	})
	return n, err
}

// CleanupExpired sweeps every inbox and returns how many envelopes it deleted.
func (t *FileTransport) CleanupExpired(ctx context.Context) (int, error) {
	inboxes, err := vault.Subdirs(filepath.Join(t.Layout.Dir(), vault.Signals))
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, agent := range inboxes {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		err := t.walk(agent, func(path string, env domain.Envelope, expired bool) (bool, error) {
			if expired && t.remove(path, env.ID) {
				deleted++
			}
			return true, nil
		})
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (t *FileTransport) Close() error { return nil }

// walk visits agent's inbox in name order until fn returns false. Malformed
// files are skipped with a warning.
func (t *FileTransport) walk(agent string, fn func(path string, env domain.Envelope, expired bool) (bool, error)) error {
	if !singleSegment(agent) {
		return nil
	}
	dir := t.Layout.Signals(agent)
	names, err := vault.ListJSON(dir)
	if err != nil {
		return err
	}
	now := t.now()
	for _, n := range names {
		if !strings.HasPrefix(n, filePrefix) {
			continue
		}
		path := filepath.Join(dir, n)
		var env domain.Envelope
		if err := vault.ReadJSON(path, &env); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			t.log().Warn("skipping malformed message", "file", n, "err", err)
			continue
		}
		more, err := fn(path, env, env.ExpiredAt(now))
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (t *FileTransport) remove(path, id string) bool {
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.log().Warn("expired message not deleted", "id", id, "err", err)
		}
		return false
	}
	t.log().Debug("expired message deleted", "id", id)
	return true
}
