// Package traffic keeps sliding windows of request outcomes and derives the
// overloaded and degraded judgments reported by /health.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how long outcomes are kept regardless of the windows queried.
const retention = 5 * time.Minute

// Thresholds configures the health judgments. Zero values disable the corresponding check.
type Thresholds struct {
	Window              time.Duration
	OverloadedRequests  int     // requests (any outcome) within Window that count as overload
	DegradedErrorRate   float64 // error fraction within Window above which the service is degraded
	DegradedMinRequests int     // minimum successes+errors before the error rate is trusted
}

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	success []time.Time
	errs    []time.Time
	denied  []time.Time
}

// NewTracker returns a tracker using now as its clock; nil means time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// RecordSuccess records a request served with data.
func (t *Tracker) RecordSuccess() { t.record(&t.success) }

// RecordError records a request that failed upstream.
func (t *Tracker) RecordError() { t.record(&t.errs) }

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() { t.record(&t.denied) }

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns successes, errors and denials within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return countSince(t.success, cutoff) + countSince(t.errs, cutoff) + countSince(t.denied, cutoff)
}

// DenialCount returns the number of denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.denied, t.now().Add(-window))
}

// ErrorRate returns (errors, successes+errors) within the window. Denials are excluded.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errors = countSince(t.errs, cutoff)
	return errors, errors + countSince(t.success, cutoff)
}

// Overloaded reports whether request volume within the window has reached the threshold.
func (t *Tracker) Overloaded(th Thresholds) bool {
	if th.OverloadedRequests <= 0 || th.Window <= 0 {
		return false
	}
	return t.RequestCount(th.Window) >= th.OverloadedRequests
}

// Degraded reports whether the upstream error rate within the window exceeds the threshold.
func (t *Tracker) Degraded(th Thresholds) bool {
	if th.DegradedErrorRate <= 0 || th.Window <= 0 {
		return false
	}
	errors, total := t.ErrorRate(th.Window)
	if total == 0 || total < th.DegradedMinRequests {
		return false
	}
	return float64(errors)/float64(total) > th.DegradedErrorRate
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.success, t.errs, t.denied = nil, nil, nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops outcomes older than retention. Caller holds mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	for _, s := range []*[]time.Time{&t.success, &t.errs, &t.denied} {
		times := *s
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*s = append(times[:0], times[i:]...)
		}
	}
}
