// Package cache provides caching for encoded node payloads, rendered query results and
// reclaimable decoded subtrees.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	NodeCacheSizeMB int
	NodeTTL         time.Duration
	QueryCacheSize  int
}

// Manager manages node payload and query caches.
type Manager struct {
	nodeCache  *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.NodeTTL <= 0 {
		cfg.NodeTTL = 30 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 256
	}

	// Point frames of a full node are ~140KB, keep shards large enough to hold them.
	nodeCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.NodeTTL,
		CleanWindow:        cfg.NodeTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       160 * 1024,
		HardMaxCacheSize:   cfg.NodeCacheSizeMB,
		Verbose:            false,
	}

	nodeCache, err := bigcache.New(context.Background(), nodeCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create node cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		nodeCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		nodeCache:  nodeCache,
		queryCache: queryCache,
	}, nil
}

// GetNode retrieves an encoded node payload from cache.
func (m *Manager) GetNode(key string) ([]byte, bool) {
	data, err := m.nodeCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetNode stores an encoded node payload in cache.
func (m *Manager) SetNode(key string, data []byte) error {
	return m.nodeCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// NodeKey generates a cache key for a node payload.
func NodeKey(dataset, node string) string {
	return fmt.Sprintf("node:%s/%s", dataset, node)
}

// QueryKey generates a cache key for a query result. Parameters are hashed in key order
// so equal parameter sets map to the same key.
func QueryKey(kind, dataset string, params map[string]interface{}) string {
	base := fmt.Sprintf("%s:%s", kind, dataset)
	if len(params) == 0 {
		return base
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range keys {
		h.Write([]byte(fmt.Sprintf("%s=%v;", k, params[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.nodeCache.Stats()
	return map[string]interface{}{
		"node_cache_len":    m.nodeCache.Len(),
		"node_cache_cap":    m.nodeCache.Capacity(),
		"node_cache_hits":   stats.Hits,
		"node_cache_misses": stats.Misses,
		"query_cache_len":   m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.nodeCache.Close()
}
