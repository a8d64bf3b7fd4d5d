package partition

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Cache bounds: entries live at most 10 seconds; each read has a 10% chance
// of sweeping expired entries, and a sweep is forced once the cache holds
// more than 100 entries.
const (
	maxCacheTTL     = 10 * time.Second
	cleanupChance   = 0.10
	forcedCleanupAt = 100
)

// SettingsSource loads the live partition settings (from the settings
// versioning layer or directly from storage).
type SettingsSource interface {
	LoadPartitionSettings(ctx context.Context) (*Settings, error)
}

type cacheEntry struct {
	settings  *Settings
	expiresAt time.Time
}

// SettingsCache is a small TTL cache in front of the settings source so the
// hot routing path does not hit storage on every registration.
type SettingsCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
	chance  func() float64
}

// NewSettingsCache creates the cache. TTLs above 10 seconds are clamped.
func NewSettingsCache(ttl time.Duration) *SettingsCache {
	if ttl <= 0 || ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	return &SettingsCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
		chance:  rand.Float64,
	}
}

// Get returns the cached settings for key if present and fresh.
func (c *SettingsCache) Get(key string) (*Settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeCleanup()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.settings, true
}

// Put stores settings under key.
func (c *SettingsCache) Put(key string, s *Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{settings: s, expiresAt: c.now().Add(c.ttl)}
}

// Len reports the current entry count.
func (c *SettingsCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// maybeCleanup sweeps expired entries probabilistically, always when the
// cache has grown past the forced threshold. Caller holds the lock.
func (c *SettingsCache) maybeCleanup() {
	if len(c.entries) <= forcedCleanupAt && c.chance() >= cleanupChance {
		return
	}
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// Router resolves partitions with cached settings.
type Router struct {
	source SettingsSource
	cache  *SettingsCache
}

// NewRouter creates a router over the settings source.
func NewRouter(source SettingsSource, cacheTTL time.Duration) *Router {
	return &Router{source: source, cache: NewSettingsCache(cacheTTL)}
}

const settingsCacheKey = "partition_settings"

// Settings returns the live settings, from cache when fresh.
func (r *Router) Settings(ctx context.Context) (*Settings, error) {
	if s, ok := r.cache.Get(settingsCacheKey); ok {
		return s, nil
	}
	s, err := r.source.LoadPartitionSettings(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.Put(settingsCacheKey, s)
	return s, nil
}

// Resolve picks the partition for a new user using the cached settings.
func (r *Router) Resolve(ctx context.Context, user UserContext) (Decision, error) {
	s, err := r.Settings(ctx)
	if err != nil {
		return Decision{}, err
	}
	return Resolve(s, user), nil
}
