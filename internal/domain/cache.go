package domain

import (
	"context"
	"time"
)

// Cache holds short-lived, tenant-scoped state: idempotent results, FX
// rates, device sightings and rate counters. Nothing in it is authoritative;
// the repository remains the record. Every method rejects an empty tenantID.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value only when no live entry exists and reports
	// whether it did. All nodes sharing the cache agree on one winner.
	SetIfAbsent(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, tenantID string, key string) error

	// IncrementCounter counts within a fixed window opened by the first
	// increment and returns the new count.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the cache.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string `json:"type" env:"TALON_CACHE_TYPE"`

	LocalMaxSize int           `json:"localMaxSize" env:"TALON_CACHE_LOCAL_MAX_SIZE"`
	LocalTTL     time.Duration `json:"localTtl" env:"TALON_CACHE_LOCAL_TTL"`

	RedisAddr     string `json:"redisAddr" env:"TALON_REDIS_ADDR"`
	RedisPassword string `json:"-" env:"TALON_REDIS_PASSWORD"`
	RedisDB       int    `json:"redisDb" env:"TALON_REDIS_DB"`

	RedisPoolSize int           `json:"redisPoolSize" env:"TALON_REDIS_POOL_SIZE"`
	RedisTimeout  time.Duration `json:"redisTimeout" env:"TALON_REDIS_TIMEOUT"`

	// If true, check local first, then Redis. Writes invalidate the other
	// nodes' local copies over Redis pub/sub.
	EnableTwoPhase bool `json:"enableTwoPhase" env:"TALON_CACHE_TWO_PHASE"`
}
