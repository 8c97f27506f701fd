package alert

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Minute, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("event %d should be allowed", i)
		}
		now = now.Add(10 * time.Second)
	}
	if rl.Allow() {
		t.Fatal("fourth event in window should be rejected")
	}

	// first entry (t=0) ages out at t=60s
	now = time.Date(2026, 10, 1, 0, 1, 0, 1, time.UTC)
	if !rl.Allow() {
		t.Fatal("event after oldest aged out should be allowed")
	}
	if got := rl.InWindow(); got != 3 {
		t.Errorf("InWindow() = %d, want 3", got)
	}
}
