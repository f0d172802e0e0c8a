package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/wayl-ai/wayl/metrics"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is the in-process fallback used when Redis is not configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	tags    map[string]map[string]struct{}
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		tags:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		if ok {
			delete(c.entries, key)
		}
		metrics.CacheMiss("memory")
		return nil, false, nil
	}
	metrics.CacheHit("memory")
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	c.entries[key] = memoryEntry{value: stored, expires: c.now().Add(effectiveTTL(ttl))}
	for _, tag := range tags {
		set, ok := c.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tags[tag] = set
		}
		set[key] = struct{}{}
	}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) DeleteByTag(_ context.Context, tag string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.tags[tag]
	n := 0
	for key := range set {
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			n++
		}
	}
	delete(c.tags, tag)
	return n, nil
}

func (c *MemoryCache) Clear(_ context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.entries, key)
			n++
		}
	}
	if pattern == "*" {
		c.tags = make(map[string]map[string]struct{})
	}
	return n, nil
}

// Sweep evicts expired entries and forgets tag members that no longer exist.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, key)
			n++
		}
	}
	for tag, set := range c.tags {
		for key := range set {
			if _, ok := c.entries[key]; !ok {
				delete(set, key)
			}
		}
		if len(set) == 0 {
			delete(c.tags, tag)
		}
	}
	return n
}

func (c *MemoryCache) Ping(context.Context) error { return nil }
