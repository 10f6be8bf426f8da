package remote

import (
	"context"
	"sync"
	"time"
)

// Details describes one validation of an endpoint.
type Details struct {
	Valid       bool      `json:"is_valid"`
	ResolvedURL string    `json:"resolved_url,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
	EndpointID  string    `json:"endpoint_id"`

	// Cached is set when the outcome was served from the cache.
	Cached bool `json:"cached"`
}

// Cache stores validation outcomes by [Config.CacheKey]. Implementations must
// be safe for concurrent use and must not return entries older than the ttl
// they were stored with.
type Cache interface {
	Get(ctx context.Context, key string) (Details, bool, error)
	Set(ctx context.Context, key string, d Details, ttl time.Duration) error
}

// MemoryCache is an in-process [Cache]. Expiry is checked against the clock
// on every Get.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	details Details
	expires time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache returns an empty cache. A nil now uses time.Now.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{entries: make(map[string]memoryEntry), now: now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Details, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Details{}, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return Details{}, false, nil
	}
	return e.details, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, d Details, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{details: d, expires: c.now().Add(ttl)}
	return nil
}
