package alert

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window counter. Entries older than the window are
// pruned on every check.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries []time.Time
	now     func() time.Time
}

// NewRateLimiter allows limit events per window.
func NewRateLimiter(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{limit: limit, window: window, now: now}
}

// Allow records an event and reports whether it fits in the window.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	kept := r.entries[:0]
	for _, t := range r.entries {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.entries = kept

	if len(r.entries) >= r.limit {
		return false
	}
	r.entries = append(r.entries, now)
	return true
}

// InWindow returns the number of events currently counted.
func (r *RateLimiter) InWindow() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
