// Package lifecycle tracks shutdown state and in-flight requests for graceful drain.
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"
)

// State is shared by the HTTP layer and main. The zero value is ready to use.
type State struct {
	shuttingDown atomic.Bool
	inFlight     atomic.Int64
}

// SetShuttingDown flips the drain flag. /health reports shutting-down while it is set.
func (s *State) SetShuttingDown(v bool) { s.shuttingDown.Store(v) }

// IsShuttingDown reports whether the process is draining.
func (s *State) IsShuttingDown() bool { return s.shuttingDown.Load() }

// Begin marks a request as started and returns the function that marks it finished.
func (s *State) Begin() (done func()) {
	s.inFlight.Add(1)
	return func() { s.inFlight.Add(-1) }
}

// InFlight returns the number of requests currently being served.
func (s *State) InFlight() int64 { return s.inFlight.Load() }

// WaitIdle blocks until no request is in flight or ctx is done, polling every interval.
func (s *State) WaitIdle(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for s.InFlight() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
