package httpx

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// ResponseCache stores raw upstream response bodies keyed by request URL.
// Implementations must treat failures as misses; callers never see cache
// errors, only slower responses.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

type memoryResponseCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	body      []byte
	expiresAt time.Time
}

// NewMemoryResponseCache returns an in-process cache for single-node runs
// and tests.
func NewMemoryResponseCache() ResponseCache {
	return &memoryResponseCache{entries: make(map[string]memoryEntry)}
}

func (c *memoryResponseCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.body, true
}

func (c *memoryResponseCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{body: value, expiresAt: time.Now().Add(ttl)}
}

type redisResponseCache struct {
	client *redis.Client
}

// NewRedisResponseCache wraps an existing redis client. Get/Set errors are
// logged at debug and degrade to cache misses.
func NewRedisResponseCache(client *redis.Client) ResponseCache {
	return &redisResponseCache{client: client}
}

func (c *redisResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	body, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("response cache get failed")
		}
		return nil, false
	}
	return body, true
}

func (c *redisResponseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("response cache set failed")
	}
}

// NewAutoResponseCache picks redis when an address is configured and falls
// back to the in-process cache otherwise.
func NewAutoResponseCache(addr, password string, db int) ResponseCache {
	if addr == "" {
		return NewMemoryResponseCache()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unreachable, using in-memory response cache")
		return NewMemoryResponseCache()
	}
	return &redisResponseCache{client: client}
}
