package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/roomline/msgcache/pkg/config"
	"github.com/roomline/msgcache/pkg/logging"
)

var (
	// ErrCacheDisabled is returned when cache operations are attempted but cache is disabled
	ErrCacheDisabled = errors.New("cache is disabled")
)

// Cache owns the Redis connection shared by the message, pinned and
// reaction stores.
type Cache struct {
	client *redis.Client
}

// New creates a new Redis cache client. A nil Cache is returned when Redis
// is not configured; every store built on it degrades to empty results.
func New(cfg *config.RedisConfig) (*Cache, error) {
	if !cfg.Enabled {
		logging.GetLogger().Info("Redis cache disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Timeout > 0 {
		opt.DialTimeout = cfg.Timeout
		opt.ReadTimeout = cfg.Timeout
		opt.WriteTimeout = cfg.Timeout
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A cache that is down at boot is not fatal: the engine reads through
	// to the durable store until Redis comes back.
	if err := client.Ping(ctx).Err(); err != nil {
		logging.GetLogger().Warn("Redis not reachable at startup", zap.String("addr", opt.Addr), zap.Error(err))
	} else {
		logging.GetLogger().Info("Redis connection established", zap.String("addr", opt.Addr))
	}

	return &Cache{client: client}, nil
}

// Client returns the command handle for the stores, or nil when disabled.
func (c *Cache) Client() redis.Cmdable {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Health checks Redis health
func (c *Cache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return ErrCacheDisabled
	}
	return c.client.Ping(ctx).Err()
}
