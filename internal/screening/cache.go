package screening

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veloxpay/sentinel/internal/clock"
	"github.com/veloxpay/sentinel/pkg/models"
)

// Cache stores screening results per (tenant, identity hash, provider, list)
// with a TTL. Results past their TTL are never served.
type Cache interface {
	Get(ctx context.Context, tenantID, identityHash, provider string, list models.ListKind) (*models.ScreeningResult, bool)
	Put(ctx context.Context, tenantID string, res *models.ScreeningResult)
}

func cacheKey(tenantID, identityHash, provider string, list models.ListKind) string {
	return fmt.Sprintf("screen:%s:%s:%s:%s", tenantID, identityHash, provider, list)
}

// MemoryCache is a copy-on-write in-process cache. Reads are lock-free; each
// write replaces the map, so concurrent readers never block on writers.
type MemoryCache struct {
	clock clock.Clock
	m     atomic.Value // map[string]*models.ScreeningResult
	writeMu chan struct{}
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.System()
	}
	c := &MemoryCache{clock: clk, writeMu: make(chan struct{}, 1)}
	c.m.Store(make(map[string]*models.ScreeningResult))
	return c
}

func (c *MemoryCache) Get(_ context.Context, tenantID, identityHash, provider string, list models.ListKind) (*models.ScreeningResult, bool) {
	m := c.m.Load().(map[string]*models.ScreeningResult)
	res, ok := m[cacheKey(tenantID, identityHash, provider, list)]
	if !ok || res.Expired(c.clock.Now()) {
		return nil, false
	}
	return res, true
}

func (c *MemoryCache) Put(_ context.Context, tenantID string, res *models.ScreeningResult) {
	c.writeMu <- struct{}{}
	defer func() { <-c.writeMu }()
	old := c.m.Load().(map[string]*models.ScreeningResult)
	next := make(map[string]*models.ScreeningResult, len(old)+1)
	now := c.clock.Now()
	for k, v := range old {
		if v.Expired(now) {
			continue
		}
		next[k] = v
	}
	next[cacheKey(tenantID, res.IdentityHash, res.Provider, res.List)] = res
	c.m.Store(next)
}

// RedisCache layers a shared Redis tier behind the memory cache so multiple
// engine nodes reuse screening results. Redis errors degrade to a miss.
type RedisCache struct {
	logger *zap.Logger
	client *redis.Client
	local  *MemoryCache
}

// NewRedisCache creates a cache backed by the given Redis client.
func NewRedisCache(logger *zap.Logger, client *redis.Client, local *MemoryCache) *RedisCache {
	return &RedisCache{logger: logger, client: client, local: local}
}

func (c *RedisCache) Get(ctx context.Context, tenantID, identityHash, provider string, list models.ListKind) (*models.ScreeningResult, bool) {
	if res, ok := c.local.Get(ctx, tenantID, identityHash, provider, list); ok {
		return res, true
	}
	raw, err := c.client.Get(ctx, cacheKey(tenantID, identityHash, provider, list)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("screening cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var res models.ScreeningResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false
	}
	if res.Expired(c.local.clock.Now()) {
		return nil, false
	}
	c.local.Put(ctx, tenantID, &res)
	return &res, true
}

func (c *RedisCache) Put(ctx context.Context, tenantID string, res *models.ScreeningResult) {
	c.local.Put(ctx, tenantID, res)
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	ttl := res.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := c.client.Set(ctx, cacheKey(tenantID, res.IdentityHash, res.Provider, res.List), raw, ttl).Err(); err != nil {
		c.logger.Warn("screening cache write failed", zap.Error(err))
	}
}
