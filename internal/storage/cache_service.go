package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/wallet-dashboard/internal/errors"
	"github.com/wallet-dashboard/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyPortfolio is for committed portfolio snapshots
	CacheKeyPortfolio CacheKeyType = "portfolio"
)

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, string(keyType))
	for _, p := range params {
		parts = append(parts, strings.ToLower(p))
	}
	return strings.Join(parts, ":")
}

// GeneratePortfolioKey generates the snapshot key for a wallet
// Format: portfolio:<chainId>:<address>
func GeneratePortfolioKey(address string, chainID types.ChainID) string {
	return GenerateCacheKey(CacheKeyPortfolio, chainID.String(), address)
}

// CacheService stores JSON values in Redis
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// SetJSON stores value under key. A non-positive ttl uses the service default.
func (c *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := c.redis.Set(ctx, key, data, ttl); err != nil {
		return apperrors.NewCacheError("set", err).WithDetail("key", key)
	}
	return nil
}

// GetJSON loads key into dest and reports whether it was present
func (c *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, apperrors.NewCacheError("get", err).WithDetail("key", key)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}

// TTL returns the configured default TTL
func (c *CacheService) TTL() time.Duration {
	return c.ttl
}
