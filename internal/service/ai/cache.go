package ai

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zeebo/blake3"

	"github.com/jc2409/jsonify/internal/logger"
	"github.com/jc2409/jsonify/internal/models"
	"github.com/jc2409/jsonify/internal/redis"
)

const cacheKeyPrefix = "infer:"

// Cache stores conforming records by context key.
type Cache interface {
	Get(ctx context.Context, key string) (*models.FileMetadataRecord, bool)
	Set(ctx context.Context, key string, rec *models.FileMetadataRecord)
}

// CacheKey hashes the model namespace together with the canonical context encoding.
func CacheKey(namespace string, fc *models.FileContext) string {
	data, _ := json.Marshal(fc)
	h := blake3.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write(data)
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// CachedClient answers repeated contexts from a cache. Only successful records are stored.
type CachedClient struct {
	next      Client
	cache     Cache
	namespace string
}

func NewCachedClient(next Client, cache Cache, namespace string) *CachedClient {
	return &CachedClient{next: next, cache: cache, namespace: namespace}
}

func (c *CachedClient) Infer(ctx context.Context, fc *models.FileContext) (*models.FileMetadataRecord, error) {
	if fc == nil {
		return c.next.Infer(ctx, fc)
	}
	key := CacheKey(c.namespace, fc)
	if rec, ok := c.cache.Get(ctx, key); ok {
		return rec, nil
	}
	rec, err := c.next.Infer(ctx, fc)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, key, rec)
	return rec, nil
}

// MemoryCache is an in-process LRU with expiry.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 512
	}
	return &MemoryCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Records are stored encoded so callers never share a mutable value.
func (m *MemoryCache) Get(_ context.Context, key string) (*models.FileMetadataRecord, bool) {
	data, ok := m.lru.Get(key)
	if !ok {
		return nil, false
	}
	var rec models.FileMetadataRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		m.lru.Remove(key)
		return nil, false
	}
	return &rec, true
}

func (m *MemoryCache) Set(_ context.Context, key string, rec *models.FileMetadataRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	m.lru.Add(key, data)
}

// RedisCache shares records between processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    logger.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisCache {
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, log: log}
}

func (r *RedisCache) Get(ctx context.Context, key string) (*models.FileMetadataRecord, bool) {
	var rec models.FileMetadataRecord
	if err := r.client.GetJSON(ctx, key, &rec); err != nil {
		if !errors.Is(err, redis.ErrMiss) {
			r.log.Warn("inference cache read failed", logger.Error(err))
			_ = r.client.Del(ctx, key)
		}
		return nil, false
	}
	if rec.Validate() != nil {
		_ = r.client.Del(ctx, key)
		return nil, false
	}
	return &rec, true
}

func (r *RedisCache) Set(ctx context.Context, key string, rec *models.FileMetadataRecord) {
	if err := r.client.SetJSON(ctx, key, rec, r.ttl); err != nil {
		r.log.Warn("inference cache write failed", logger.Error(err))
	}
}
