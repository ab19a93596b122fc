package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/synocast/internal/observability"
)

// Cache defines the interface for payload caching implementations.
// Payloads are opaque JSON documents. Get returns data only while fresh; GetStale also
// returns expired entries still inside the stale window. Set overwrites unconditionally.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetStale(ctx context.Context, key string, maxStale time.Duration) (Entry, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// Entry is a single cached payload with the time it was stored and its TTL.
type Entry struct {
	Key      string
	CachedAt time.Time
	TTL      time.Duration
	Payload  []byte
}

// Fresh reports whether the entry is still within its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.CachedAt) < e.TTL
}

// Age returns how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// withinStale reports whether an expired entry may still be served.
func (e Entry) withinStale(now time.Time, maxStale time.Duration) bool {
	return now.Sub(e.CachedAt) < e.TTL+maxStale
}

// Option configures a cache backend.
type Option func(*settings)

type settings struct {
	now            func() time.Time
	maxEntries     int
	staleRetention time.Duration
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithClock replaces time.Now. Tests use it to move time without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxEntries bounds the in-memory cache. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(s *settings) { s.maxEntries = n }
}

// WithStaleRetention keeps entries in external stores this long past their TTL so they
// remain available to GetStale.
func WithStaleRetention(d time.Duration) Option {
	return func(s *settings) { s.staleRetention = d }
}

// InMemoryCache implements Cache using a mutex-guarded map.
// Stale entries stay in the map until overwritten or evicted by the size bound.
type InMemoryCache struct {
	mu         sync.RWMutex
	data       map[string]Entry
	now        func() time.Time
	maxEntries int
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache(opts ...Option) *InMemoryCache {
	s := newSettings(opts)
	return &InMemoryCache{
		data:       make(map[string]Entry),
		now:        s.now,
		maxEntries: s.maxEntries,
	}
}

// Get returns (payload, true, nil) on a fresh hit and (nil, false, nil) when the key is
// absent or now - cachedAt >= ttl.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || !entry.Fresh(c.now()) {
		return nil, false, nil
	}
	return entry.Payload, true, nil
}

// GetStale returns the entry for key if it is fresh or expired by less than maxStale.
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxStale time.Duration) (Entry, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || !entry.withinStale(c.now(), maxStale) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set stores payload under key, replacing any previous entry. When the cache is at its
// bound and key is new, the entry with the oldest cachedAt is evicted first.
func (c *InMemoryCache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.data[key]; !exists && c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.data[key] = Entry{
		Key:      key,
		CachedAt: c.now(),
		TTL:      ttl,
		Payload:  payload,
	}
	return nil
}

// Len returns the number of stored entries, fresh or stale.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *InMemoryCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.data {
		if first || e.CachedAt.Before(oldest) {
			oldestKey, oldest, first = k, e.CachedAt, false
		}
	}
	if !first {
		delete(c.data, oldestKey)
		observability.CacheEvictionsTotal.Inc()
	}
}
