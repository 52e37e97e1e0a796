package tier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/send-throttle/internal/clock"
	"github.com/notifyhub/send-throttle/internal/domain"
)

// Cache holds resolved tiers per tenant. Invalidate must take effect
// before it returns so a plan change is never served stale.
type Cache interface {
	Get(ctx context.Context, tenantID string) (domain.Tier, bool)
	Set(ctx context.Context, tenantID string, t domain.Tier)
	Invalidate(ctx context.Context, tenantID string) error
}

// MemoryCache is a per-process TTL cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clock   clock.Clock
}

type cacheEntry struct {
	tier      domain.Tier
	expiresAt time.Time
}

func NewMemoryCache(ttl time.Duration, c clock.Clock) *MemoryCache {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		clock:   c,
	}
}

func (m *MemoryCache) Get(_ context.Context, tenantID string) (domain.Tier, bool) {
	m.mu.RLock()
	e, ok := m.entries[tenantID]
	m.mu.RUnlock()
	if !ok {
		return domain.Tier{}, false
	}
	if !m.clock.Now().Before(e.expiresAt) {
		m.mu.Lock()
		// Only evict if nobody refreshed it in between.
		if cur, ok := m.entries[tenantID]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(m.entries, tenantID)
		}
		m.mu.Unlock()
		return domain.Tier{}, false
	}
	return e.tier, true
}

func (m *MemoryCache) Set(_ context.Context, tenantID string, t domain.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tenantID] = cacheEntry{tier: t, expiresAt: m.clock.Now().Add(m.ttl)}
}

func (m *MemoryCache) Invalidate(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, tenantID)
	return nil
}

// RedisCache shares resolved tiers across every engine process, so an
// invalidation from one process is seen by all of them.
type RedisCache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisCache(rdb redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "throttle:tier:"}
}

func (r *RedisCache) Get(ctx context.Context, tenantID string) (domain.Tier, bool) {
	raw, err := r.rdb.Get(ctx, r.prefix+tenantID).Bytes()
	if err != nil {
		return domain.Tier{}, false
	}
	var t domain.Tier
	if err := json.Unmarshal(raw, &t); err != nil {
		return domain.Tier{}, false
	}
	return t, true
}

func (r *RedisCache) Set(ctx context.Context, tenantID string, t domain.Tier) {
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	// A failed write only costs a later miss.
	_ = r.rdb.Set(ctx, r.prefix+tenantID, raw, r.ttl).Err()
}

func (r *RedisCache) Invalidate(ctx context.Context, tenantID string) error {
	if err := r.rdb.Del(ctx, r.prefix+tenantID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("invalidate tier cache: %w", err)
	}
	return nil
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
