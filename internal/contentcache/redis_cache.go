// Package contentcache caches fetched mind-map artifacts in Redis.
package contentcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mindspark/api/internal/fetch"
)

// ErrMiss is returned by Get when no entry exists for the URL.
var ErrMiss = errors.New("content not cached")

// entry is the value stored for each artifact URL
type entry struct {
	URL       string    `json:"url"`
	Content   string    `json:"content"`
	FetchedAt time.Time `json:"fetched_at"`
}

// RedisCache stores artifact bodies keyed by URL hash
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient wraps an existing Redis client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{
		client: client,
		prefix: "mindmap:content:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return c.prefix + hex.EncodeToString(sum[:])
}

// Put stores content for url with the cache TTL
func (c *RedisCache) Put(ctx context.Context, url, content string) error {
	data, err := json.Marshal(entry{URL: url, Content: content, FetchedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(url), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache content: %w", err)
	}
	return nil
}

// Get returns cached content or ErrMiss
func (c *RedisCache) Get(ctx context.Context, url string) (string, error) {
	raw, err := c.client.Get(ctx, c.key(url)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("lookup cached content: %w", err)
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return "", fmt.Errorf("unmarshal cache entry: %w", err)
	}
	// Guard against hash collisions.
	if e.URL != url {
		return "", ErrMiss
	}
	return e.Content, nil
}

// Invalidate drops the entry for url
func (c *RedisCache) Invalidate(ctx context.Context, url string) error {
	if err := c.client.Del(ctx, c.key(url)).Err(); err != nil {
		return fmt.Errorf("invalidate cached content: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// CachedFetcher serves artifacts from the cache and fills it on successful
// fetches. Failures are never cached, and a cache outage falls through to
// the underlying fetcher.
type CachedFetcher struct {
	next   fetch.Fetcher
	cache  *RedisCache
	logger *zap.Logger
}

func NewCachedFetcher(next fetch.Fetcher, cache *RedisCache, logger *zap.Logger) *CachedFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedFetcher{next: next, cache: cache, logger: logger}
}

func (f *CachedFetcher) Fetch(ctx context.Context, url string) (string, error) {
	content, err := f.cache.Get(ctx, url)
	if err == nil {
		return content, nil
	}
	if !errors.Is(err, ErrMiss) {
		f.logger.Warn("content cache unavailable", zap.String("url", url), zap.Error(err))
	}

	content, err = f.next.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	if putErr := f.cache.Put(ctx, url, content); putErr != nil {
		f.logger.Warn("content cache write failed", zap.String("url", url), zap.Error(putErr))
	}
	return content, nil
}
