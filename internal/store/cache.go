package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meridianfi/lending-backend/internal/metrics"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache key prefixes
const (
	KeyOraclePrice = "lnd:oracle:price"
	KeyTickHistory = "lnd:ticks"
	KeyBankState   = "lnd:bank:state"
)

// PriceChannel is the pubsub channel carrying live ticks for a feed symbol.
func PriceChannel(symbol string) string {
	return fmt.Sprintf("%s:%s", KeyOraclePrice, symbol)
}

// Cache is a JSON cache over Redis. When Redis is unreachable at startup it
// degrades to a process-local store with an in-memory pubsub hub, which keeps
// dev mode and tests running without infrastructure.
type Cache struct {
	client    *redis.Client
	fallback  *memoryStore
	pubsubHub *PubSubHub

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCache(addr string, logger *zap.SugaredLogger, metrics *metrics.Metrics) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if logger != nil {
			logger.Warnw("Redis unavailable; using in-memory cache with local pubsub", "error", err)
		}
		return &Cache{
			fallback:  newMemoryStore(),
			pubsubHub: NewPubSubHub(),
			logger:    logger,
			metrics:   metrics,
		}, nil
	}

	return &Cache{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// NewMemoryCache builds a cache that never touches Redis. Used by tests.
func NewMemoryCache(logger *zap.SugaredLogger) *Cache {
	return &Cache{
		fallback:  newMemoryStore(),
		pubsubHub: NewPubSubHub(),
		logger:    logger,
	}
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	var data []byte

	if c.client != nil {
		val, err := c.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				c.recordMiss(ctx, key)
				return ErrCacheMiss
			}
			if c.logger != nil {
				c.logger.Errorw("Cache get error", "key", key, "error", err)
			}
			return fmt.Errorf("cache get error: %w", err)
		}
		data = []byte(val)
	} else {
		val, ok := c.fallback.get(key)
		if !ok {
			c.recordMiss(ctx, key)
			return ErrCacheMiss
		}
		data = val
	}

	if c.metrics != nil {
		c.metrics.RecordCacheHit(ctx, key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if c.client != nil {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Cache set error", "key", key, "error", err)
			}
			return fmt.Errorf("cache set error: %w", err)
		}
		return nil
	}
	c.fallback.set(key, data, ttl)
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if c.client != nil {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Cache delete error", "keys", keys, "error", err)
			}
			return fmt.Errorf("cache delete error: %w", err)
		}
		return nil
	}
	c.fallback.del(keys...)
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if c.client != nil {
		count, err := c.client.Exists(ctx, key).Result()
		if err != nil {
			return false, fmt.Errorf("cache exists error: %w", err)
		}
		return count > 0, nil
	}
	_, ok := c.fallback.get(key)
	return ok, nil
}

// GetOraclePrice reads the cached tick for a feed symbol.
func (c *Cache) GetOraclePrice(ctx context.Context, symbol string, dest interface{}) error {
	return c.Get(ctx, fmt.Sprintf("%s:%s", KeyOraclePrice, symbol), dest)
}

// SetOraclePrice caches a tick under the feed symbol with ttl equal to the
// staleness bound.
func (c *Cache) SetOraclePrice(ctx context.Context, symbol string, value interface{}, ttl time.Duration) error {
	return c.Set(ctx, fmt.Sprintf("%s:%s", KeyOraclePrice, symbol), value, ttl)
}

// Publish broadcasts a JSON message on a channel.
func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Publish error", "channel", channel, "error", err)
			}
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	if c.pubsubHub != nil {
		c.pubsubHub.Publish(channel, string(data))
	}
	return nil
}

// Subscribe returns the Redis subscription, or nil in in-memory mode;
// callers then use SubscribeInMemory.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if c.client != nil {
		return c.client.Subscribe(ctx, channels...)
	}
	return nil
}

// SubscribeInMemory subscribes on the local hub when Redis is unavailable.
func (c *Cache) SubscribeInMemory(ctx context.Context, channels ...string) *LocalPubSub {
	if c.pubsubHub != nil {
		return c.pubsubHub.Subscribe(ctx, channels...)
	}
	return nil
}

func (c *Cache) IsInMemoryMode() bool {
	return c.client == nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.client != nil {
		return c.client.Ping(ctx).Err()
	}
	return nil
}

func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Cache) recordMiss(ctx context.Context, key string) {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(ctx, key)
	}
}
