package dedup

import (
	"fmt"
	"sync"
	"time"

	"github.com/ObiAU/alertrelay/internal/models"
)

// Cache remembers dedup keys this process has already claimed so repeat
// polls can skip them without a store round trip. Entries expire after the
// retention window.
type Cache struct {
	mu            sync.RWMutex
	claimed       map[string]time.Time
	hits          int64
	misses        int64
	retention     time.Duration
	now           func() time.Time
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
}

func NewCache(retention time.Duration) *Cache {
	c := &Cache{
		claimed:   make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}

	c.cleanupTicker = time.NewTicker(1 * time.Hour)
	go c.cleanup()

	return c
}

func cacheKey(tc models.TenantContext, ref models.SourceRef, key string) string {
	return fmt.Sprintf("%d\x1f%s\x1f%d\x1f%s", tc.ID, ref.Kind, ref.ID, key)
}

func (c *Cache) Remember(tc models.TenantContext, ref models.SourceRef, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.claimed[cacheKey(tc, ref, key)] = c.now()
}

func (c *Cache) Has(tc models.TenantContext, ref models.SourceRef, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.claimed[cacheKey(tc, ref, key)]
	if ok && c.now().Sub(at) > c.retention {
		delete(c.claimed, cacheKey(tc, ref, key))
		ok = false
	}
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return ok
}

func (c *Cache) cleanup() {
	for {
		select {
		case <-c.cleanupTicker.C:
			c.performCleanup()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Cache) performCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.retention)

	for key, at := range c.claimed {
		if at.Before(cutoff) {
			delete(c.claimed, key)
		}
	}
}

func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		c.cleanupTicker.Stop()
		close(c.stopChan)
	})
}

type Stats struct {
	Keys      int    `json:"keys"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Retention string `json:"retention"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Keys:      len(c.claimed),
		Hits:      c.hits,
		Misses:    c.misses,
		Retention: c.retention.String(),
	}
}
