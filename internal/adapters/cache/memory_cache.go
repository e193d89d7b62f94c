package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
)

type memoryEntry struct {
	classification *core.Classification
	expiresAt      time.Time
}

// MemoryCache is a bounded in-memory LRU implementation of core.ClassificationCache
type MemoryCache struct {
	entries     *lru.Cache[core.CacheKey, memoryEntry]
	mu          sync.Mutex
	ttl         time.Duration
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewMemoryCache creates a new in-memory cache holding at most maxEntries classifications
func NewMemoryCache(maxEntries int, ttl time.Duration, logger *zap.Logger, cleanupFreq time.Duration) (*MemoryCache, error) {
	entries, err := lru.New[core.CacheKey, memoryEntry](maxEntries)
	if err != nil {
		return nil, err
	}

	cache := &MemoryCache{
		entries:     entries,
		ttl:         ttl,
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}

	if cleanupFreq > 0 {
		go cache.startCleanupTask()
	}

	return cache, nil
}

// Get retrieves the live classification for a key
func (c *MemoryCache) Get(_ context.Context, key core.CacheKey) (*core.Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, core.ErrCacheMiss
	}
	if c.expired(entry) {
		c.entries.Remove(key)
		return nil, core.ErrCacheMiss
	}
	return entry.classification.Clone(), nil
}

// Add stores a classification unless a live one exists for its key and returns the live entry
func (c *MemoryCache) Add(_ context.Context, classification *core.Classification) (*core.Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := classification.Key()
	if existing, ok := c.entries.Peek(key); ok && !c.expired(existing) {
		return existing.classification.Clone(), nil
	}

	entry := memoryEntry{classification: classification.Clone()}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	if evicted := c.entries.Add(key, entry); evicted {
		c.logger.Debug("Evicted least recently used classification")
	}
	return classification.Clone(), nil
}

// InvalidateBefore removes entries produced by older preferences versions
func (c *MemoryCache) InvalidateBefore(_ context.Context, version uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.entries.Keys() {
		if key.PreferencesVersion < version {
			c.entries.Remove(key)
			removed++
		}
	}

	c.logger.Debug("Invalidated stale classifications",
		zap.Uint64("preferences_version", version),
		zap.Int("removed", removed))
	return nil
}

// Cleanup removes expired entries
func (c *MemoryCache) Cleanup(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiredCount := 0
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok && c.expired(entry) {
			c.entries.Remove(key)
			expiredCount++
		}
	}

	c.logger.Debug("Cleaned up expired cache entries", zap.Int("expired_count", expiredCount))
	return nil
}

// Len returns the number of stored entries
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}

func (c *MemoryCache) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt)
}

// startCleanupTask starts a background task to clean up expired entries
func (c *MemoryCache) startCleanupTask() {
	ticker := time.NewTicker(c.cleanupFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Cleanup(context.Background()); err != nil {
				c.logger.Error("Failed to clean up cache", zap.Error(err))
			}
		case <-c.stopCh:
			return
		}
	}
}

// Stop stops the background cleanup task
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
