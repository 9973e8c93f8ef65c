package cutoff

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache memoizes discovered cutoffs per market tag in Redis. It is an
// optimization only: any cache failure reads as a miss.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache builds a cache with the given TTL per entry.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

func key(market string) string { return "cutoff:" + market }

// Get returns the cached cutoff for a market, if present.
func (c *Cache) Get(ctx context.Context, market string) (time.Time, bool) {
	if c == nil || c.client == nil {
		return time.Time{}, false
	}
	v, err := c.client.Get(ctx, key(market)).Result()
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Put stores a discovered cutoff. Failures are ignored.
func (c *Cache) Put(ctx context.Context, market string, ts time.Time) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Set(ctx, key(market), ts.UTC().Format(time.RFC3339), c.ttl).Err()
}
