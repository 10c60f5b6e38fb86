// Package querycache memoizes encoded read results per entity type. A
// Notify for a type makes every cached result for that type unreachable.
package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"

	"recall/internal/metrics"
	"recall/internal/models"
)

// Config sizes the cache.
type Config struct {
	LifeWindow    time.Duration
	MaxEntryBytes int
}

// Cache is a reader cache keyed by entity type and query.
type Cache struct {
	cache *bigcache.BigCache
	log   *slog.Logger

	mu          sync.RWMutex
	generations map[models.EntityType]uint64
}

// New creates a cache. Entries also expire after cfg.LifeWindow.
func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = 10 * time.Minute
	}
	bc := bigcache.DefaultConfig(cfg.LifeWindow)
	bc.Shards = 64
	bc.CleanWindow = cfg.LifeWindow / 2
	if cfg.MaxEntryBytes > 0 {
		bc.MaxEntrySize = cfg.MaxEntryBytes
	}
	bc.Verbose = false
	cache, err := bigcache.New(context.Background(), bc)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &Cache{
		cache:       cache,
		log:         logger.With("component", "querycache"),
		generations: map[models.EntityType]uint64{},
	}, nil
}

// Close releases the cache.
func (c *Cache) Close() error {
	return c.cache.Close()
}

// Notify invalidates every cached result for entityType.
func (c *Cache) Notify(entityType models.EntityType) {
	c.mu.Lock()
	c.generations[entityType]++
	c.mu.Unlock()
}

func (c *Cache) key(entityType models.EntityType, query string) string {
	c.mu.RLock()
	gen := c.generations[entityType]
	c.mu.RUnlock()
	return fmt.Sprintf("%s/%d/%s", entityType, gen, query)
}

// Get returns the cached bytes for query, if present.
func (c *Cache) Get(entityType models.EntityType, query string) ([]byte, bool) {
	data, err := c.cache.Get(c.key(entityType, query))
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			c.log.Warn("cache get failed", "entity_type", entityType, "query", query, "err", err)
		}
		metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues(metrics.CacheHit).Inc()
	return data, true
}

// Set stores bytes for query under the current generation.
func (c *Cache) Set(entityType models.EntityType, query string, data []byte) {
	if err := c.cache.Set(c.key(entityType, query), data); err != nil {
		c.log.Warn("cache set failed", "entity_type", entityType, "query", query, "err", err)
	}
}

// Load returns the cached value for query or computes and caches it. The
// generation is read before load runs, so a result computed concurrently
// with an invalidation is never served after it.
func Load[T any](c *Cache, entityType models.EntityType, query string, load func() (T, error)) (T, error) {
	var zero T
	if c == nil {
		return load()
	}
	key := c.key(entityType, query)
	if data, err := c.cache.Get(key); err == nil {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			metrics.CacheLookups.WithLabelValues(metrics.CacheHit).Inc()
			return v, nil
		}
	}
	metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
	v, err := load()
	if err != nil {
		return zero, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v, nil
	}
	if err := c.cache.Set(key, data); err != nil {
		c.log.Warn("cache set failed", "entity_type", entityType, "query", query, "err", err)
	}
	return v, nil
}
