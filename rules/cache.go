package rules

import (
	"sync"
	"time"
)

// RuleSetCache caches the active rule set list so session creation does not
// hit the RuleSetStore every time.
type RuleSetCache interface {
	// Get retrieves cached rule sets, returns nil if cache miss or expired
	Get() []*RuleSet

	// Set stores rule sets in cache
	Set(ruleSets []*RuleSet)

	// Invalidate clears the cache, forcing a refresh on next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (manual invalidation only).
	TTL time.Duration
}

// DefaultCacheConfig returns the default: no TTL, invalidate on mutations only
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

// InMemoryRuleSetCache is a thread-safe in-memory RuleSetCache
type InMemoryRuleSetCache struct {
	ruleSets []*RuleSet
	cachedAt time.Time
	config   CacheConfig
	isValid  bool
	mu       sync.RWMutex

	now func() time.Time
}

// NewInMemoryRuleSetCache creates a new in-memory rule set cache
func NewInMemoryRuleSetCache(config CacheConfig) *InMemoryRuleSetCache {
	return &InMemoryRuleSetCache{
		config: config,
		now:    time.Now,
	}
}

// Get returns a copy of the cached rule sets, or nil if invalid or expired
func (c *InMemoryRuleSetCache) Get() []*RuleSet {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil
	}

	out := make([]*RuleSet, len(c.ruleSets))
	copy(out, c.ruleSets)
	return out
}

// Set stores a copy of ruleSets
func (c *InMemoryRuleSetCache) Set(ruleSets []*RuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ruleSets = make([]*RuleSet, len(ruleSets))
	copy(c.ruleSets, ruleSets)
	c.cachedAt = c.now()
	c.isValid = true
}

// Invalidate clears the cache
func (c *InMemoryRuleSetCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.ruleSets = nil
}

// IsValid returns true if cache contains valid, unexpired data
func (c *InMemoryRuleSetCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fresh()
}

func (c *InMemoryRuleSetCache) fresh() bool {
	if !c.isValid {
		return false
	}
	if c.config.TTL > 0 && c.now().Sub(c.cachedAt) > c.config.TTL {
		return false
	}
	return true
}
