package proxy

import (
	"sync"
	"time"
)

// limiter enforces a fixed-window request budget per client identity.
// Buckets reset at window boundaries rather than sliding, so a burst that
// exhausted one window is forgiven the instant the next window opens.
// The limit itself comes from the policy snapshot on every call, so a hot
// reload of the rate limit takes effect without touching existing buckets.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	now func() time.Time // swapped in tests
}

type bucket struct {
	windowStart time.Time
	count       int
}

func newLimiter() *limiter {
	return &limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// allow consumes one slot from the client's current window. A max of zero
// or below means unlimited.
func (l *limiter) allow(client string, max int, window time.Duration) bool {
	if max <= 0 || window <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[client]
	if !ok || now.Sub(b.windowStart) >= window {
		l.buckets[client] = &bucket{windowStart: now, count: 1}
		return true
	}
	if b.count >= max {
		return false
	}
	b.count++
	return true
}

// reset clears all buckets. Test helper.
func (l *limiter) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}
