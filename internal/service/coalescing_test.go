package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestRequestCoalescer_SharesResult verifies that concurrent callers for one key run fn once.
func TestRequestCoalescer_SharesResult(t *testing.T) {
	rc := newRequestCoalescer(5 * time.Second)
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "payload", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, _ = rc.Do(context.Background(), "k", fn)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fn calls = %d, want 1", got)
	}
	for i, r := range results {
		if r != "payload" {
			t.Errorf("results[%d] = %v, want payload", i, r)
		}
	}
}

func TestRequestCoalescer_PropagatesError(t *testing.T) {
	rc := newRequestCoalescer(time.Second)
	boom := errors.New("boom")
	_, _, err := rc.Do(context.Background(), "k", func(context.Context) (any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("Do() error = %v, want boom", err)
	}
}

// TestRequestCoalescer_WaiterTimeout verifies a caller stops waiting when the
// coalescer timeout elapses.
func TestRequestCoalescer_WaiterTimeout(t *testing.T) {
	rc := newRequestCoalescer(30 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	_, _, err := rc.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want DeadlineExceeded", err)
	}
}
