package prompt

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis implements [RedisClient] over a map.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = value.(string)
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func TestRedisCache(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	c := NewRedisCache(fake, "", 0)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("Get on empty = %v, %v", ok, err)
	}
	if err := c.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, ok, err := c.Get(ctx, "k"); !ok || err != nil || got != "v" {
		t.Errorf("Get = %q, %v, %v", got, ok, err)
	}
	if _, ok := fake.data["callbridge:prompt:k"]; !ok {
		t.Errorf("keys = %v, want default prefix", fake.data)
	}
	if ttl := fake.ttls["callbridge:prompt:k"]; ttl != DefaultCacheTTL {
		t.Errorf("ttl = %v, want %v", ttl, DefaultCacheTTL)
	}

	fake.err = errors.New("READONLY")
	if _, _, err := c.Get(ctx, "k"); err == nil {
		t.Error("Get should surface client errors")
	}
	if err := c.Set(ctx, "k", "v"); err == nil {
		t.Error("Set should surface client errors")
	}
}

func TestRedisCache_Integration(t *testing.T) {
	addr := os.Getenv("CALLBRIDGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CALLBRIDGE_TEST_REDIS_ADDR not set, skipping Redis integration tests")
	}
	ctx := context.Background()

	client, err := DialRedis(ctx, addr)
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	prefix := "callbridge:test:" + t.Name() + ":"
	c := NewRedisCache(client, prefix, time.Minute)
	t.Cleanup(func() { client.Del(context.Background(), prefix+"k") })

	if err := c.Set(ctx, "k", "cached instructions"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || got != "cached instructions" {
		t.Errorf("Get = %q, %v, %v", got, ok, err)
	}
}
