package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// requestCoalescer lets concurrent misses for the same key share one upstream fetch.
type requestCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{timeout: timeout}
}

// Do runs fn once per key among concurrent callers. The shared fetch is detached
// from any single caller's cancellation and bounded by the coalescer timeout;
// each caller still stops waiting when its own ctx ends.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (v any, shared bool, err error) {
	ch := rc.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		defer cancel()
		return fn(fetchCtx)
	})

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-waitCtx.Done():
		return nil, false, waitCtx.Err()
	}
}
