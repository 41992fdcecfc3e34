package prompt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is used when a cache is created with a non-positive TTL.
const DefaultCacheTTL = 5 * time.Minute

// MemCache is a process-local [Cache] with a fixed TTL.
type MemCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	text    string
	expires time.Time
}

var _ Cache = (*MemCache)(nil)

// NewMemCache returns an empty in-memory cache.
func NewMemCache(ttl time.Duration) *MemCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemCache{ttl: ttl, now: time.Now, entries: make(map[string]memEntry)}
}

// Get implements [Cache]. Expired entries are evicted on access.
func (c *MemCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.text, true, nil
}

// Set implements [Cache].
func (c *MemCache) Set(_ context.Context, key, instructions string) error {
	c.mu.Lock()
	c.entries[key] = memEntry{text: instructions, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Purge drops every entry, e.g. after the prompt table was reloaded.
func (c *MemCache) Purge() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// RedisClient is the subset of the go-redis API used by [RedisCache].
// *redis.Client and *redis.ClusterClient satisfy it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisCache is a [Cache] shared between instances through Redis.
type RedisCache struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps client. Keys are stored as prefix + lookup key.
func NewRedisCache(client RedisClient, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if prefix == "" {
		prefix = "callbridge:prompt:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		// Plain host:port.
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("prompt: redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Get implements [Cache].
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	text, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("prompt: redis get: %w", err)
	}
	return text, true, nil
}

// Set implements [Cache].
func (c *RedisCache) Set(ctx context.Context, key, instructions string) error {
	if err := c.client.Set(ctx, c.prefix+key, instructions, c.ttl).Err(); err != nil {
		return fmt.Errorf("prompt: redis set: %w", err)
	}
	return nil
}
