package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/facereg/internal/logging"
	"github.com/example/facereg/internal/retry"
)

const keyPrefix = "facereg:session:"

// KV abstracts the Redis operations used by RedisStore to make testing easier.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

// RedisKV is a concrete KV backed by go-redis.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV constructs a new Redis-backed KV adapter.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// Set writes a value to Redis.
func (c *RedisKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from Redis. Missing keys yield redis.Nil.
func (c *RedisKV) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Del removes a key from Redis.
func (c *RedisKV) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// RedisStore keeps sessions as JSON documents with a sliding TTL.
type RedisStore struct {
	kv     KV
	ttl    time.Duration
	policy retry.Policy
	logger *zap.Logger
}

// NewRedisStore creates a store whose entries expire ttl after their last save.
func NewRedisStore(kv KV, ttl time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		kv:     kv,
		ttl:    ttl,
		policy: retry.DefaultPolicy(),
		logger: logger.Named("session_store"),
	}
}

func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return logging.NewOperationError("session.encode", s.ID, err)
	}
	return retry.Do(ctx, r.logger, r.policy, "session.save", s.ID, func() error {
		return r.kv.Set(ctx, keyPrefix+s.ID, string(payload), r.ttl)
	})
}

func (r *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	var raw string
	err := retry.Do(ctx, r.logger, r.policy, "session.load", id, func() error {
		value, err := r.kv.Get(ctx, keyPrefix+id)
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		logging.WithOperation(r.logger, "session.load", id).Warn("failed to decode session", zap.Error(err))
		return nil, logging.NewOperationError("session.decode", id, err)
	}
	if err := s.Validate(); err != nil {
		return nil, logging.NewOperationError("session.decode", id, err)
	}
	return &s, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return retry.Do(ctx, r.logger, r.policy, "session.delete", id, func() error {
		return r.kv.Del(ctx, keyPrefix+id)
	})
}
