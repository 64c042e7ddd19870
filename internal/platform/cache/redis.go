// Package cache provides a Redis read-through cache for carts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanko-field/reconciler/internal/services"
)

const (
	defaultCartTTL = 15 * time.Minute
	maxJitter      = 5
)

// RedisCartCache stores JSON encoded carts under cart:<ownerKey>.
type RedisCartCache struct {
	client  redis.UniversalClient
	baseTTL time.Duration
	jitter  func() time.Duration
}

// NewRedisCartCache wraps client. A non-positive ttl falls back to fifteen minutes.
func NewRedisCartCache(client redis.UniversalClient, ttl time.Duration) (*RedisCartCache, error) {
	if client == nil {
		return nil, errors.New("cart cache: redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultCartTTL
	}
	return &RedisCartCache{
		client:  client,
		baseTTL: ttl,
		jitter:  func() time.Duration { return time.Duration(rand.IntN(maxJitter)) * time.Minute },
	}, nil
}

var _ services.CartCache = (*RedisCartCache)(nil)

// Get returns the cached cart. A miss reports ok=false without error.
func (c *RedisCartCache) Get(ctx context.Context, ownerKey string) (services.Cart, bool, error) {
	data, err := c.client.Get(ctx, cacheKey(ownerKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return services.Cart{}, false, nil
	}
	if err != nil {
		return services.Cart{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	var cart services.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return services.Cart{}, false, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return cart, true, nil
}

// Set caches cart with a jittered ttl so entries written together do not expire together.
func (c *RedisCartCache) Set(ctx context.Context, cart services.Cart) error {
	owner := strings.TrimSpace(cart.OwnerKey)
	if owner == "" {
		return errors.New("cart cache: owner key is required")
	}
	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(owner), data, c.baseTTL+c.jitter()).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete evicts the owner's cart.
func (c *RedisCartCache) Delete(ctx context.Context, ownerKey string) error {
	if err := c.client.Del(ctx, cacheKey(ownerKey)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Ping checks Redis reachability.
func (c *RedisCartCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func cacheKey(ownerKey string) string {
	return "cart:" + strings.TrimSpace(ownerKey)
}
