package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurst(t *testing.T) {
	rl := newRateLimiter(3, time.Hour)
	for i := 0; i < 3; i++ {
		assert.Zero(t, rl.reserve(), "request %d", i)
	}

	d := rl.reserve()
	assert.Greater(t, d, 10*time.Minute)
	assert.LessOrEqual(t, d, 20*time.Minute)
}

func TestRateLimiterReserveNeverReportsZeroWhenEmpty(t *testing.T) {
	rl := newRateLimiter(1, time.Nanosecond)
	rl.tokens = 0.999999999
	rl.lastCheck = time.Now().Add(time.Hour) // no refill on the next check

	assert.Positive(t, rl.reserve())
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(0, 0)
	assert.Equal(t, float64(1), rl.capacity)
	assert.Equal(t, float64(1), rl.rate)
}

func TestRateLimiterWaitsForToken(t *testing.T) {
	rl := newRateLimiter(1, 50*time.Millisecond)
	require.Zero(t, rl.reserve())

	start := time.Now()
	require.NoError(t, rl.wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRateLimiterWaitHonorsContext(t *testing.T) {
	rl := newRateLimiter(1, time.Hour)
	require.Zero(t, rl.reserve())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rl.wait(ctx), context.DeadlineExceeded)
}
