package installation

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// KV abstracts the Redis commands used by RedisStore to make testing easier.
type KV interface {
	Set(ctx context.Context, key string, value string) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisKV is a concrete KV backed by go-redis.
type RedisKV struct {
	client redis.UniversalClient
}

// NewRedisKV wraps a go-redis client.
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

// Set writes a value without expiry; installation ids never expire on the client side.
func (r *RedisKV) Set(ctx context.Context, key string, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

// Get reads a value, returning redis.Nil when the key is absent.
func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

// RedisStore keeps identifiers in Redis so several gateway replicas share one installation.
type RedisStore struct {
	kv     KV
	logger *zap.Logger
	retry  retryPolicy
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(kv KV, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		kv:     kv,
		logger: logger.Named("installation_redis"),
		retry:  defaultRetryPolicy(),
	}
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, key string) (string, bool, error) {
	var id string
	err := s.retry.do(ctx, func() error {
		value, err := s.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		id = value
		return nil
	}, s.logRetry("get", key))
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		s.logger.Error("redis get failed", zap.Error(err), zap.String("key", key))
		return "", false, fmt.Errorf("load installation %s: %w", key, err)
	}
	return id, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key, id string) error {
	err := s.retry.do(ctx, func() error {
		return s.kv.Set(ctx, key, id)
	}, s.logRetry("set", key))
	if err != nil {
		s.logger.Error("redis set failed", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("save installation %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) logRetry(command, key string) func(int, error) {
	return func(attempt int, err error) {
		s.logger.Warn("transient redis error",
			zap.String("command", command),
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
