package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tip-ledger/internal/config"
)

// Cache is the explicit cache component for hot lookups: balances,
// handle resolution, and deposit addresses. Entries carry a TTL and are
// invalidated write-through by the services that mutate the underlying
// rows; the database stays the source of truth.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a new Redis-backed cache.
func NewCache(cfg *config.RedisConfig, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client, ttl: ttl}, nil
}

// NewCacheWithClient wires an existing client; used by tests with miniredis.
func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func balanceKey(userID int64) string { return fmt.Sprintf("balance:%d", userID) }
func addressKey(userID int64) string { return fmt.Sprintf("deposit_address:%d", userID) }

// Handle resolution is case-insensitive in the database, so the cache
// key folds case too.
func handleKey(handle string) string { return "handle:" + strings.ToLower(handle) }

// GetBalance returns a cached balance in lites. ok is false on miss or
// any cache error; callers fall through to the database.
func (c *Cache) GetBalance(ctx context.Context, userID int64) (int64, bool) {
	val, err := c.client.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		return 0, false
	}
	balance, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return balance, true
}

// SetBalance caches a balance with the configured TTL.
func (c *Cache) SetBalance(ctx context.Context, userID, balance int64) error {
	return c.client.Set(ctx, balanceKey(userID), strconv.FormatInt(balance, 10), c.ttl).Err()
}

// InvalidateBalances drops cached balances after a balance-affecting
// write commits.
func (c *Cache) InvalidateBalances(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = balanceKey(id)
	}
	return c.client.Del(ctx, keys...).Err()
}

// GetHandleUser resolves a cached handle to a user id.
func (c *Cache) GetHandleUser(ctx context.Context, handle string) (int64, bool) {
	val, err := c.client.Get(ctx, handleKey(handle)).Result()
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SetHandleUser caches a handle resolution.
func (c *Cache) SetHandleUser(ctx context.Context, handle string, userID int64) error {
	return c.client.Set(ctx, handleKey(handle), strconv.FormatInt(userID, 10), c.ttl).Err()
}

// InvalidateHandle drops a cached handle resolution (handle change).
func (c *Cache) InvalidateHandle(ctx context.Context, handle string) error {
	return c.client.Del(ctx, handleKey(handle)).Err()
}

// GetDepositAddress returns the cached receiving address for a user.
func (c *Cache) GetDepositAddress(ctx context.Context, userID int64) (string, bool) {
	val, err := c.client.Get(ctx, addressKey(userID)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

// SetDepositAddress caches a user's receiving address. Addresses are
// stable once assigned, so these entries get double the normal TTL.
func (c *Cache) SetDepositAddress(ctx context.Context, userID int64, address string) error {
	return c.client.Set(ctx, addressKey(userID), address, 2*c.ttl).Err()
}

// Ping checks if Redis is reachable
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
