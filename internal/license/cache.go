package license

import (
	"sync"
	"time"
)

// CacheEntry represents a cached validation outcome
type CacheEntry struct {
	Outcome  ValidationOutcome `json:"outcome"`
	CachedAt time.Time         `json:"cached_at"`
	StaleAt  time.Time         `json:"stale_at"`
	HitCount int               `json:"hit_count"`
}

// ValidationCache bounds the cost of rapid repeated validate calls: a
// successful outcome within the TTL short-circuits to a cached result
// without re-deriving the token or contacting the authority. Rollback
// checks are never cached; the validator runs them on every call.
type ValidationCache struct {
	entries   map[string]CacheEntry
	mutex     sync.RWMutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	stopChan  chan struct{}
}

// NewValidationCache creates a validation cache with the given TTL
func NewValidationCache(ttl time.Duration, maxSize int) *ValidationCache {
	cache := &ValidationCache{
		entries:  make(map[string]CacheEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

// Get retrieves a cached outcome for a license key
func (c *ValidationCache) Get(licenseKey string) (*ValidationOutcome, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[licenseKey]
	if !exists || time.Now().After(entry.StaleAt) {
		c.missCount++
		return nil, false
	}

	entry.HitCount++
	c.entries[licenseKey] = entry
	c.hitCount++

	outcome := entry.Outcome
	return &outcome, true
}

// Set stores a validation outcome. Only successful outcomes should be
// cached; failures must be re-derived every time.
func (c *ValidationCache) Set(licenseKey string, outcome ValidationOutcome) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 {
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[licenseKey] = CacheEntry{
		Outcome:  outcome,
		CachedAt: time.Now(),
		StaleAt:  time.Now().Add(c.ttl),
	}
}

// Invalidate removes a cached outcome
func (c *ValidationCache) Invalidate(licenseKey string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, licenseKey)
}

// GetStats returns cache statistics
func (c *ValidationCache) GetStats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	totalRequests := c.hitCount + c.missCount
	hitRatio := float64(0)
	if totalRequests > 0 {
		hitRatio = float64(c.hitCount) / float64(totalRequests)
	}

	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   hitRatio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *ValidationCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Stop gracefully stops the cache cleanup goroutine
func (c *ValidationCache) Stop() {
	close(c.stopChan)
}

func (c *ValidationCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now()
			for key, entry := range c.entries {
				if now.After(entry.StaleAt) {
					delete(c.entries, key)
				}
			}
			c.mutex.Unlock()
		case <-c.stopChan:
			return
		}
	}
}
