package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGate is a best-effort, expiring mutual exclusion keyed by string.
// The TTL bounds how long a crashed holder can block the key.
type RedisGate struct {
	client *redis.Client
	prefix string
}

func NewRedisGate(client *redis.Client, prefix string) *RedisGate {
	return &RedisGate{client: client, prefix: prefix}
}

func (g *RedisGate) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+key, "1", ttl).Result()
}

func (g *RedisGate) Release(ctx context.Context, key string) {
	_, _ = g.client.Del(ctx, g.prefix+key).Result()
}

// LocalGate is the single-process counterpart of RedisGate.
type LocalGate struct {
	mu      sync.Mutex
	held    map[string]time.Time
	nowFunc func() time.Time
}

func NewLocalGate() *LocalGate {
	return &LocalGate{held: map[string]time.Time{}, nowFunc: time.Now}
}

func (g *LocalGate) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowFunc()
	if until, ok := g.held[key]; ok && now.Before(until) {
		return false, nil
	}
	g.held[key] = now.Add(ttl)
	return true, nil
}

func (g *LocalGate) Release(_ context.Context, key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, key)
}
