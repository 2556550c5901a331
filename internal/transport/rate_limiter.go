package transport

import (
	"context"
	"sync"
	"time"
)

// RateLimit configures the per-connection token bucket: Burst requests may
// arrive back to back, refilled at Burst per RefillInterval.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	rate := float64(capacity) / interval.Seconds()
	if rate <= 0 {
		rate = float64(capacity)
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      rate,
		lastCheck: time.Now(),
	}
}

func (rl *rateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastCheck).Seconds()
	rl.lastCheck = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}
}

// reserve takes a token if one is available and returns zero, otherwise
// it returns how long until one will be.
func (rl *rateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill(time.Now())
	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}
	d := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// wait blocks until a token has been taken or ctx is done.
func (rl *rateLimiter) wait(ctx context.Context) error {
	for {
		d := rl.reserve()
		if d == 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
