//go:build integration
// +build integration

package cache

import (
	"context"
	"testing"
	"time"
)

// TestMemcachedCache_GetSet_Integration verifies that MemcachedCache successfully
// stores and retrieves payloads when a memcached server is available.
func TestMemcachedCache_GetSet_Integration(t *testing.T) {
	clock := newFakeClock()
	c, err := NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2, WithClock(clock.Now), WithStaleRetention(time.Hour))
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "33.7,73.1", []byte(`{"temp":12.5}`), time.Minute); err != nil {
		t.Skipf("Set failed (memcached may not be running): %v", err)
	}

	got, ok, err := c.Get(ctx, "33.7,73.1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if string(got) != `{"temp":12.5}` {
		t.Errorf("Get() = %s", got)
	}

	clock.Advance(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "33.7,73.1"); ok {
		t.Error("Get() ok = true after TTL, want false")
	}
	if _, ok, _ := c.GetStale(ctx, "33.7,73.1", time.Hour); !ok {
		t.Error("GetStale() ok = false within stale window, want true")
	}
}

// TestMemcachedCache_Get_Miss_Integration verifies that MemcachedCache returns
// ok=false when the requested key does not exist in memcached.
func TestMemcachedCache_Get_Miss_Integration(t *testing.T) {
	c, err := NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	defer c.Close()

	_, ok, err := c.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Skipf("Get failed (memcached may not be running): %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}
