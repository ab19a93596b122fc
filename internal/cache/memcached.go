package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "synocast:"

// maxRelativeExp is the longest relative expiration memcached accepts (30 days).
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached. Entries are stored as a JSON envelope
// carrying cachedAt and TTL so freshness is judged by this process's clock.
type MemcachedCache struct {
	client         memcacheClient
	now            func() time.Time
	staleRetention time.Duration
}

// memcacheClient is the subset of *memcache.Client the cache uses.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Ping() error
	Close() error
}

type envelope struct {
	CachedAt   int64           `json:"cached_at"`
	TTLSeconds float64         `json:"ttl_seconds"`
	Payload    json.RawMessage `json:"payload"`
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, opts ...Option) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	s := newSettings(opts)
	return &MemcachedCache{client: client, now: s.now, staleRetention: s.staleRetention}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// memcached keys may not contain spaces or control characters; ours never do.
func (c *MemcachedCache) key(k string) string {
	return keyPrefix + k
}

func (c *MemcachedCache) load(ctx context.Context, key string) (Entry, bool, error) {
	if ctx.Err() != nil {
		return Entry{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	entry, ok := decodeEnvelope(key, item.Value)
	return entry, ok, nil
}

func encodeEnvelope(cachedAt time.Time, ttl time.Duration, payload []byte) ([]byte, error) {
	return json.Marshal(envelope{
		CachedAt:   cachedAt.UnixNano(),
		TTLSeconds: ttl.Seconds(),
		Payload:    payload,
	})
}

// decodeEnvelope reports false for undecodable values; the next Set replaces them.
func decodeEnvelope(key string, raw []byte) (Entry, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Payload) == 0 {
		return Entry{}, false
	}
	return Entry{
		Key:      key,
		CachedAt: time.Unix(0, env.CachedAt),
		TTL:      time.Duration(env.TTLSeconds * float64(time.Second)),
		Payload:  env.Payload,
	}, true
}

// expirationSeconds is the memcached expiry for ttl plus stale retention, rounded up
// and capped at 30 days. Non-positive totals fall back to one hour.
func expirationSeconds(ttl, staleRetention time.Duration) int32 {
	total := math.Ceil((ttl + staleRetention).Seconds())
	switch {
	case total <= 0:
		return 3600
	case total > maxRelativeExp:
		return maxRelativeExp
	}
	return int32(total)
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, ok, err := c.load(ctx, key)
	if err != nil || !ok || !entry.Fresh(c.now()) {
		return nil, false, err
	}
	return entry.Payload, true, nil
}

// GetStale implements Cache.GetStale.
func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxStale time.Duration) (Entry, bool, error) {
	entry, ok, err := c.load(ctx, key)
	if err != nil || !ok || !entry.withinStale(c.now(), maxStale) {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Set implements Cache.Set. The memcached expiration covers ttl plus stale retention.
func (c *MemcachedCache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := encodeEnvelope(c.now(), ttl, payload)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expirationSeconds(ttl, c.staleRetention),
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
