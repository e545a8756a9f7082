package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/NikhilSetiya/apiguard/pkg/errors"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
)

// DefaultPrefix namespaces cache keys in a shared Redis.
const DefaultPrefix = "apiguard:cache:"

// RedisConfig configures a Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
	TTL      time.Duration
	Logger   *logging.Logger
}

// Redis is a Store shared between processes. Expiry is enforced by Redis.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logging.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, apperrors.NewValidationError("Redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, apperrors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient wraps an existing client. cfg.Addr and the pool options
// are ignored.
func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &Redis{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
	}
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		r.misses.Add(1)
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, apperrors.NewInternalError("failed to get cache value").WithCause(err)
	}
	r.hits.Add(1)
	return data, true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return apperrors.NewInternalError("failed to set cache value").WithCause(err)
	}
	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return apperrors.NewInternalError("failed to delete cache key").WithCause(err)
	}
	return nil
}

// Clear implements Store. Only keys under the prefix are removed.
func (r *Redis) Clear(ctx context.Context) error {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += 500 {
		end := start + 500
		if end > len(keys) {
			end = len(keys)
		}
		if err := r.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return apperrors.NewInternalError("failed to delete cache keys").WithCause(err)
		}
	}
	return nil
}

// Stats implements Store. Entry counts come from a prefix scan; a failed
// scan is logged and reported as zero entries.
func (r *Redis) Stats(ctx context.Context) Stats {
	stats := Stats{
		Backend: "redis",
		Keys:    []string{},
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
		TTL:     r.ttl,
	}

	keys, err := r.scanKeys(ctx)
	if err != nil {
		r.logger.Warn("Failed to scan cache keys", "error", err)
		return stats
	}
	for _, key := range keys {
		stats.Keys = append(stats.Keys, strings.TrimPrefix(key, r.prefix))
	}
	sort.Strings(stats.Keys)
	stats.Entries = len(stats.Keys)
	return stats
}

// Health pings the Redis server.
func (r *Redis) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return apperrors.NewInternalError("Redis health check failed").WithCause(err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to scan cache keys").WithCause(err)
	}
	return keys, nil
}
