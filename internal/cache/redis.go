package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/talon/internal/domain"
)

// invalidationChannel carries L1 evictions between two-phase nodes.
const invalidationChannel = "talon:cache:invalidate"

// incrementScript increments a counter and starts its window on first use.
var incrementScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisCache implements Cache on Redis. It is the pro tier cache and the L2
// of the two-phase cache. Keys carry the tenant as a hash tag, so one
// tenant's keys share a cluster slot.
type RedisCache struct {
	client *redis.Client
}

// invalidation names one L1 entry another node must drop.
type invalidation struct {
	Node     string `json:"node"`
	TenantID string `json:"tenantId"`
	Key      string `json:"key"`
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	timeout := cfg.RedisTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value. A missing key is nil, nil.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	val, err := c.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value with a TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Set(ctx, redisKey(tenantID, key), value, ttl).Err()
}

// Delete removes a value.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Del(ctx, redisKey(tenantID, key)).Err()
}

// SetIfAbsent uses SET NX so concurrent nodes agree on the first writer.
func (c *RedisCache) SetIfAbsent(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("tenantID is required")
	}
	return c.client.SetNX(ctx, redisKey(tenantID, key), value, ttl).Result()
}

// IncrementCounter increments a windowed counter atomically.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}
	return incrementScript.Run(ctx, c.client, []string{redisKey(tenantID, "counter:"+key)}, window.Milliseconds()).Int64()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) publishInvalidation(ctx context.Context, inv invalidation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, invalidationChannel, payload).Err()
}

// subscribeInvalidations calls fn for every invalidation until ctx ends.
// The subscription is confirmed before it returns.
func (c *RedisCache) subscribeInvalidations(ctx context.Context, fn func(invalidation)) error {
	pubsub := c.client.Subscribe(ctx, invalidationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", invalidationChannel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					slog.Warn("ignoring malformed cache invalidation", "error", err)
					continue
				}
				fn(inv)
			}
		}
	}()
	return nil
}

func redisKey(tenantID, key string) string {
	return "talon:{" + tenantID + "}:" + key
}
