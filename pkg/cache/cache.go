package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"autoloc/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const vehicleKeyFmt = "fleet:vehicle:%d"

// VehicleKey is the cache key of a fleet vehicle.
func VehicleKey(id uint) string {
	return fmt.Sprintf(vehicleKeyFmt, id)
}

// Cache is a JSON cache in Redis. A Cache without a client misses every
// lookup and drops every write, so callers never depend on Redis being up.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// New connects to cfg.Addr. When the address is empty or Redis does not
// answer, the returned cache is disabled and the ping error is returned
// alongside it.
func New(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{ttl: cfg.TTL, log: log}
	if cfg.Addr == "" {
		return c, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return c, err
	}
	c.client = client
	return c, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, log: log}
}

func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// GetJSON decodes the value under key into dst and reports a hit.
func (c *Cache) GetJSON(ctx context.Context, key string, dst interface{}) bool {
	if !c.Enabled() {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.log.Warn("cache entry is not valid json", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *Cache) SetJSON(ctx context.Context, key string, v interface{}) {
	if !c.Enabled() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("cache value not encodable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if !c.Enabled() || len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// Healthy reports whether Redis answers a ping.
func (c *Cache) Healthy(ctx context.Context) bool {
	if !c.Enabled() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}

func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}
