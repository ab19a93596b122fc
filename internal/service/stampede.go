package service

import "sync"

// stampedeTracker counts misses per key that are still being resolved.
// A count above one means concurrent requests are fetching the same key.
type stampedeTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{active: make(map[string]int)}
}

// begin records a miss for key and returns the concurrent miss count including
// this one, plus the function that resolves it.
func (st *stampedeTracker) begin(key string) (int, func()) {
	st.mu.Lock()
	st.active[key]++
	n := st.active[key]
	st.mu.Unlock()

	var once sync.Once
	return n, func() {
		once.Do(func() {
			st.mu.Lock()
			defer st.mu.Unlock()
			if st.active[key] <= 1 {
				delete(st.active, key)
				return
			}
			st.active[key]--
		})
	}
}

func (st *stampedeTracker) inFlight(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active[key]
}
