package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"handoff/internal/domain"
	"handoff/internal/logging"
)

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisTransport stores each envelope under <prefix>:msg:<id> with a Redis
// expiry and indexes it in the sorted set <prefix>:inbox:<agent>, scored by
// send time in milliseconds.
type RedisTransport struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
	Now    func() time.Time
}

// NewRedisTransport connects and pings the server.
func NewRedisTransport(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisTransport, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Address, err)
	}
	return NewRedisTransportWithClient(client, cfg.Prefix, logger), nil
}

// NewRedisTransportWithClient wraps an existing client.
func NewRedisTransportWithClient(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisTransport {
	if prefix == "" {
		prefix = "handoff"
	}
	return &RedisTransport{
		client: client,
		prefix: prefix,
		logger: logging.OrDiscard(logger).With("component", "signals", "backend", "redis"),
	}
}

func (t *RedisTransport) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

func (t *RedisTransport) msgKey(id string) string     { return t.prefix + ":msg:" + id }
func (t *RedisTransport) inboxKey(agent string) string { return t.prefix + ":inbox:" + agent }

func (t *RedisTransport) Send(ctx context.Context, env domain.Envelope) error {
	if err := validate(&env); err != nil {
		return err
	}
	now := t.now()
	if env.Timestamp == "" {
		env.Timestamp = domain.FormatTime(now)
	}
	sent, err := domain.ParseTime(env.Timestamp)
	if err != nil {
		sent = now
	}
	ttl := time.Duration(env.TTLSeconds)*time.Second - now.Sub(sent)
	if ttl <= 0 {
		t.logger.Debug("dropping envelope expired before send", "id", env.ID)
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, t.msgKey(env.ID), data, ttl)
		p.ZAdd(ctx, t.inboxKey(env.Recipient), redis.Z{Score: float64(sent.UnixMilli()), Member: env.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", env.ID, err)
	}
	t.logger.Info("message sent", "id", env.ID, "sender", env.Sender, "recipient", env.Recipient, "type", env.Type)
	return nil
}

func (t *RedisTransport) Receive(ctx context.Context, agent string, limit int) ([]domain.Envelope, error) {
	if limit <= 0 {
		limit = DefaultReceiveLimit
	}
	out := []domain.Envelope{}
	err := t.walk(ctx, agent, func(env domain.Envelope, expired bool) bool {
		if expired {
			t.drop(ctx, agent, env.ID)
			return true
		}
		out = append(out, env)
		return len(out) < limit
	})
	return out, err
}

func (t *RedisTransport) Acknowledge(ctx context.Context, id string) (bool, error) {
	if !singleSegment(id) {
		return false, nil
	}
	data, err := t.client.Get(ctx, t.msgKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acknowledge %s: %w", id, err)
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, fmt.Errorf("acknowledge %s: %w", id, err)
	}
	n, err := t.client.Del(ctx, t.msgKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("acknowledge %s: %w", id, err)
	}
	if err := t.client.ZRem(ctx, t.inboxKey(env.Recipient), id).Err(); err != nil {
		t.logger.Warn("inbox index not trimmed", "id", id, "err", err)
	}
	return n > 0, nil
}

func (t *RedisTransport) PendingCount(ctx context.Context, agent string) (int, error) {
	n := 0
	err := t.walk(ctx, agent, func(_ domain.Envelope, expired bool) bool {
		if !expired {
			n++
		}
		return true
	})
	return n, err
}

func (t *RedisTransport) CleanupExpired(ctx context.Context) (int, error) {
	deleted := 0
	iter := t.client.Scan(ctx, 0, t.inboxKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		agent := strings.TrimPrefix(iter.Val(), t.inboxKey(""))
		err := t.walk(ctx, agent, func(env domain.Envelope, expired bool) bool {
			if expired && t.drop(ctx, agent, env.ID) {
				deleted++
			}
			return true
		})
		if err != nil {
			return deleted, err
		}
	}
	return deleted, iter.Err()
}

func (t *RedisTransport) Close() error { return t.client.Close() }

// walk visits the inbox in score order. Members whose body already expired
// in Redis are trimmed from the index silently.
func (t *RedisTransport) walk(ctx context.Context, agent string, fn func(env domain.Envelope, expired bool) bool) error {
	if !singleSegment(agent) {
		return nil
	}
	ids, err := t.client.ZRange(ctx, t.inboxKey(agent), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list inbox %s: %w", agent, err)
	}
	now := t.now()
	for _, id := range ids {
		data, err := t.client.Get(ctx, t.msgKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			t.client.ZRem(ctx, t.inboxKey(agent), id)
			continue
		}
		if err != nil {
			return fmt.Errorf("read message %s: %w", id, err)
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("skipping malformed message", "id", id, "err", err)
			continue
		}
		if !fn(env, env.ExpiredAt(now)) {
			return nil
		}
	}
	return nil
}

func (t *RedisTransport) drop(ctx context.Context, agent, id string) bool {
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, t.msgKey(id))
		p.ZRem(ctx, t.inboxKey(agent), id)
		return nil
	})
	if err != nil {
		t.logger.Warn("expired message not deleted", "id", id, "err", err)
		return false
	}
	return true
}
