package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 10)

	// Should allow the whole burst
	for i := 0; i < 10; i++ {
		require.True(t, rl.Allow("conn-1"), "request %d should be allowed", i+1)
	}

	// 11th should be denied
	assert.False(t, rl.Allow("conn-1"), "11th request should be denied")
	assert.Positive(t, rl.RetryAfter("conn-1"))
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0, 0)

	for i := 0; i < 1000; i++ {
		require.True(t, rl.Allow("conn-1"), "request %d should be allowed (unlimited)", i+1)
	}
	require.NoError(t, rl.Wait(context.Background(), "conn-1"))
	assert.Zero(t, rl.Len(), "unlimited limiter should not track connections")
}

func TestRateLimiterMultipleConnections(t *testing.T) {
	rl := NewRateLimiter(0.001, 5)

	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow("a"), "conn a request %d should be allowed", i+1)
	}
	assert.False(t, rl.Allow("a"), "conn a should be rate limited")
	assert.True(t, rl.Allow("b"), "conn b should not be affected by conn a's rate limit")
}

func TestRateLimiterWaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	rl.Allow("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx, "slow"), "Wait should fail once the context cannot cover the delay")
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10)

	rl.Allow("a")
	rl.Allow("b")
	require.Equal(t, 2, rl.Len())

	rl.mu.Lock()
	rl.buckets["a"].lastSeen = time.Now().Add(-2 * time.Hour)
	rl.mu.Unlock()

	rl.Cleanup(1 * time.Hour)
	assert.Equal(t, 1, rl.Len())

	rl.Forget("b")
	assert.Zero(t, rl.Len())
}
