package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const createCacheTable = `CREATE TABLE IF NOT EXISTS cache_entries (
	key         TEXT PRIMARY KEY,
	cached_at   INTEGER NOT NULL,
	ttl_seconds INTEGER NOT NULL,
	payload     BLOB NOT NULL
)`

const upsertCacheEntry = `INSERT INTO cache_entries (key, cached_at, ttl_seconds, payload)
VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	cached_at = excluded.cached_at,
	ttl_seconds = excluded.ttl_seconds,
	payload = excluded.payload`

// SQLiteCache implements Cache on a single SQLite table so entries survive restarts.
// cached_at and ttl_seconds are whole seconds.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCache opens (creating if needed) the database at path.
func NewSQLiteCache(ctx context.Context, path string, opts ...Option) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, createCacheTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	s := newSettings(opts)
	return &SQLiteCache{db: db, now: s.now}, nil
}

func (c *SQLiteCache) load(ctx context.Context, key string) (Entry, bool, error) {
	var cachedAt, ttlSeconds int64
	var payload []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT cached_at, ttl_seconds, payload FROM cache_entries WHERE key = ?`, key,
	).Scan(&cachedAt, &ttlSeconds, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("sqlite cache get: %w", err)
	}
	if !json.Valid(payload) {
		return Entry{}, false, nil
	}
	return Entry{
		Key:      key,
		CachedAt: time.Unix(cachedAt, 0),
		TTL:      time.Duration(ttlSeconds) * time.Second,
		Payload:  payload,
	}, true, nil
}

// Get implements Cache.Get. Rows whose payload is not valid JSON are reported as a miss.
func (c *SQLiteCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, ok, err := c.load(ctx, key)
	if err != nil || !ok || !entry.Fresh(c.now()) {
		return nil, false, err
	}
	return entry.Payload, true, nil
}

// GetStale implements Cache.GetStale.
func (c *SQLiteCache) GetStale(ctx context.Context, key string, maxStale time.Duration) (Entry, bool, error) {
	entry, ok, err := c.load(ctx, key)
	if err != nil || !ok || !entry.withinStale(c.now(), maxStale) {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Set implements Cache.Set as an upsert on key.
func (c *SQLiteCache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx, upsertCacheEntry, key, c.now().Unix(), int64(ttl/time.Second), payload)
	if err != nil {
		return fmt.Errorf("sqlite cache set: %w", err)
	}
	return nil
}

// Ping checks the database handle. Used for health checks.
func (c *SQLiteCache) Ping() error {
	return c.db.Ping()
}

// Close closes the database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
