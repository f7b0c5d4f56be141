package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corpusworks/corpus/model"
)

// responseKeyPrefix namespaces cached completions in Redis.
const responseKeyPrefix = "corpus:llm:"

type (
	// ResponseStore is the storage contract of the response cache. Get
	// returns ok=false on a miss.
	ResponseStore interface {
		Get(ctx context.Context, key string) ([]byte, bool, error)
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	}

	// ResponseCache is a model.Client middleware that replays completions for
	// requests carrying the same CacheKey. Activities derive the key
	// deterministically from the request content, so a retried attempt after
	// a worker crash replays the original completion instead of paying for a
	// second provider call.
	//
	// The cache is strictly best-effort: store failures degrade to a
	// passthrough and never fail the completion.
	ResponseCache struct {
		store ResponseStore
		ttl   time.Duration
	}

	cachedClient struct {
		next  model.Client
		cache *ResponseCache
	}

	// RedisStore implements ResponseStore on a Redis client.
	RedisStore struct {
		rdb *redis.Client
	}

	// MemoryStore implements ResponseStore in process memory, for tests and
	// single-process deployments without Redis.
	MemoryStore struct {
		mu      sync.Mutex
		entries map[string]memoryEntry
	}

	memoryEntry struct {
		value     []byte
		expiresAt time.Time
	}
)

// NewResponseCache builds the caching middleware. A zero TTL caches entries
// for one hour.
func NewResponseCache(store ResponseStore, ttl time.Duration) (*ResponseCache, error) {
	if store == nil {
		return nil, errors.New("response store is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResponseCache{store: store, ttl: ttl}, nil
}

// Middleware returns a model.Client middleware that consults the cache before
// delegating to the wrapped client.
func (rc *ResponseCache) Middleware() model.Middleware {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &cachedClient{next: next, cache: rc}
	}
}

// Complete replays a cached completion when one exists for the request's
// CacheKey, otherwise delegates and stores the result.
func (c *cachedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if req.CacheKey == "" {
		return c.next.Complete(ctx, req)
	}
	key := responseKeyPrefix + req.CacheKey
	if data, ok, err := c.cache.store.Get(ctx, key); err == nil && ok {
		var resp model.Response
		if err := json.Unmarshal(data, &resp); err == nil {
			return resp, nil
		}
		// A corrupt entry falls through to the provider and is overwritten.
	}
	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		return resp, err
	}
	if data, merr := json.Marshal(resp); merr == nil {
		_ = c.cache.store.Set(ctx, key, data, c.cache.ttl)
	}
	return resp, nil
}

// NewRedisStore wraps a Redis client as a ResponseStore.
func NewRedisStore(rdb *redis.Client) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisStore{rdb: rdb}, nil
}

// Get implements ResponseStore.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set implements ResponseStore.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// NewMemoryStore builds an empty in-memory ResponseStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Get implements ResponseStore.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set implements ResponseStore.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: exp}
	return nil
}
