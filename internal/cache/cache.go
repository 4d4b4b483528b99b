package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/talon/internal/domain"
)

// New creates a cache from configuration: "memory" for a single node,
// "redis" for shared state, optionally fronted by a local LRU.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache fronts Redis (L2) with a local LRU (L1). Writes publish an
// invalidation so other nodes drop their L1 copy; counters and SetIfAbsent
// are decided by L2 alone.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
	node   string
	stop   context.CancelFunc
}

// NewTwoPhaseCache creates a two-phase cache and starts listening for
// invalidations from other nodes.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}

	ctx, stop := context.WithCancel(context.Background())
	c := &TwoPhaseCache{
		local:  NewLRUCache(cfg.LocalMaxSize),
		remote: remote,
		l1TTL:  l1TTL,
		node:   uuid.NewString(),
		stop:   stop,
	}

	if err := remote.subscribeInvalidations(ctx, c.evict); err != nil {
		stop()
		remote.Close()
		return nil, err
	}
	return c, nil
}

func (c *TwoPhaseCache) evict(inv invalidation) {
	if inv.Node == c.node {
		return
	}
	_ = c.local.Delete(context.Background(), inv.TenantID, inv.Key)
}

func (c *TwoPhaseCache) invalidate(ctx context.Context, tenantID, key string) {
	inv := invalidation{Node: c.node, TenantID: tenantID, Key: key}
	if err := c.remote.publishInvalidation(ctx, inv); err != nil {
		slog.Warn("failed to publish cache invalidation", "tenant_id", tenantID, "key", key, "error", err)
	}
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	// Check L1 first
	val, err := c.local.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	// Check L2
	val, err = c.remote.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		// Populate L1 for future reads
		_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	}

	return val, nil
}

// Set writes to both L1 and L2.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	// Write to L1 with shorter TTL
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, tenantID, key, value, l1TTL); err != nil {
		return err
	}

	// Write to L2 with full TTL
	if err := c.remote.Set(ctx, tenantID, key, value, ttl); err != nil {
		return err
	}
	c.invalidate(ctx, tenantID, key)
	return nil
}

// Delete removes from both L1 and L2.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	if err := c.remote.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	c.invalidate(ctx, tenantID, key)
	return nil
}

// SetIfAbsent is decided by L2 so every node sees the same winner.
// L1 is populated only for the winner.
func (c *TwoPhaseCache) SetIfAbsent(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.remote.SetIfAbsent(ctx, tenantID, key, value, ttl)
	if err != nil || !ok {
		return ok, err
	}
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	_ = c.local.Set(ctx, tenantID, key, value, l1TTL)
	return true, nil
}

// IncrementCounter uses Redis for distributed atomic counters.
// L1 is not used for counters to ensure accuracy across nodes.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, tenantID, key, window)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close stops the invalidation listener and closes both layers.
func (c *TwoPhaseCache) Close() error {
	c.stop()
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
