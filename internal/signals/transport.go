package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/vault"
)

// Transport moves envelopes between per-agent inboxes. Expired envelopes are
// treated as absent by every read.
type Transport interface {
	Send(ctx context.Context, env domain.Envelope) error
	Receive(ctx context.Context, agent string, limit int) ([]domain.Envelope, error)
	Acknowledge(ctx context.Context, id string) (bool, error)
	PendingCount(ctx context.Context, agent string) (int, error)
	CleanupExpired(ctx context.Context) (int, error)
	Close() error
}

// DefaultReceiveLimit applies when Receive is called with limit <= 0.
const DefaultReceiveLimit = 10

var ErrInvalidEnvelope = errors.New("invalid envelope")

// New builds the transport selected by signals.backend.
func New(ctx context.Context, cfg *config.Config, layout vault.Layout, logger *slog.Logger) (Transport, error) {
	switch cfg.Signals.Backend {
	case "", "file":
		return &FileTransport{Layout: layout, Logger: logger}, nil
	case "redis":
		return NewRedisTransport(ctx, RedisConfig{
			Address:  cfg.Signals.Redis.Address,
			Password: cfg.Signals.Redis.Password,
			DB:       cfg.Signals.Redis.DB,
			Prefix:   cfg.Signals.Redis.Prefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown signals backend %q", cfg.Signals.Backend)
	}
}

func validate(env *domain.Envelope) error {
	if !singleSegment(env.Recipient) {
		return fmt.Errorf("%w: recipient %q", ErrInvalidEnvelope, env.Recipient)
	}
	if env.Sender == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidEnvelope)
	}
	if env.ID == "" {
		env.ID = NewID()
	}
	if !singleSegment(env.ID) {
		return fmt.Errorf("%w: id %q", ErrInvalidEnvelope, env.ID)
	}
	switch env.Type {
	case "":
		env.Type = domain.MessageRequest
	case domain.MessageRequest, domain.MessageResponse, domain.MessageNotification:
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidEnvelope, env.Type)
	}
	if env.TTLSeconds <= 0 {
		env.TTLSeconds = domain.DefaultTTLSeconds
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return nil
}

func singleSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
