package jobstore

import (
	"sync"
	"time"
)

// tokenBucket is the global admission control for Portal traffic: at most
// max tokens per window, shared by every lane. Refill is lazy — tokens are
// recomputed from elapsed time on each acquire, no timers.
type tokenBucket struct {
	mu         sync.Mutex
	max        float64
	refillRate float64 // tokens per second
	tokens     float64
	last       time.Time
	nowFn      func() time.Time
}

func newTokenBucket(max int, window time.Duration) *tokenBucket {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	b := &tokenBucket{
		max:        float64(max),
		refillRate: float64(max) / window.Seconds(),
		nowFn:      time.Now,
	}
	b.tokens = b.max
	b.last = b.nowFn()
	return b
}

func (b *tokenBucket) refillLocked() {
	now := b.nowFn()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.max, b.tokens+elapsed*b.refillRate)
		b.last = now
	}
}

// tryAcquire takes one token if available.
func (b *tokenBucket) tryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// nextTokenIn returns how long until one full token is available.
func (b *tokenBucket) nextTokenIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= 1 {
		return 0
	}
	missing := 1 - b.tokens
	return time.Duration(missing / b.refillRate * float64(time.Second))
}
