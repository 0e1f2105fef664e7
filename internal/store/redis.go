package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/jobtalk/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements SessionStore on Redis. Records are JSON blobs under
// SessionKeyPrefix with a native expiry; ActiveSessionsKey is a set of ids.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions builds client options from a redis:// URL.
func RedisOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second
	return opts, nil
}

// NewRedis connects to url and verifies the connection.
func NewRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := RedisOptions(url)
	if err != nil {
		return nil, err
	}
	s := NewRedisWithClient(redis.NewClient(opts))
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return s, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get loads a record. Undecodable data is deleted and reported as missing.
func (s *RedisStore) Get(ctx context.Context, id string) (*domain.SessionRecord, error) {
	data, err := s.client.Get(ctx, SessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var rec domain.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Error("Deleting corrupt session record", "session_id", id, "error", err)
		if delErr := s.Delete(ctx, id); delErr != nil {
			slog.Warn("Failed to delete corrupt session record", "session_id", id, "error", delErr)
		}
		return nil, nil
	}
	if rec.SessionID == "" {
		rec.SessionID = id
	}
	return &rec, nil
}

// Set writes rec with expiry ttl and marks it active.
func (s *RedisStore) Set(ctx context.Context, rec *domain.SessionRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, SessionKey(rec.SessionID), data, ttl)
		pipe.SAdd(ctx, ActiveSessionsKey, rec.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// Delete removes the record and its active-set entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, SessionKey(id))
		pipe.SRem(ctx, ActiveSessionsKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListActiveIDs returns members of the active set whose record still exists.
func (s *RedisStore) ListActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, ActiveSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	live, _, err := s.partition(ctx, ids)
	return live, err
}

// CleanupExpired removes active-set members whose record has expired.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int64, error) {
	ids, err := s.client.SMembers(ctx, ActiveSessionsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	_, lapsed, err := s.partition(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(lapsed) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(lapsed))
	for i, id := range lapsed {
		members[i] = id
	}
	removed, err := s.client.SRem(ctx, ActiveSessionsKey, members...).Result()
	if err != nil {
		return 0, fmt.Errorf("prune active sessions: %w", err)
	}
	return removed, nil
}

// partition splits ids into those with and without a live record.
func (s *RedisStore) partition(ctx context.Context, ids []string) ([]string, []string, error) {
	cmds := make([]*redis.IntCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Exists(ctx, SessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("check session keys: %w", err)
	}

	var live, lapsed []string
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			live = append(live, ids[i])
		} else {
			lapsed = append(lapsed, ids[i])
		}
	}
	return live, lapsed, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
