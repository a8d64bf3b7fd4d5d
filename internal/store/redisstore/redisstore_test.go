package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestJTIStore_SeenOncePerWindow(t *testing.T) {
	mr, client := newTestClient(t)
	s := NewJTIStore(client)

	first, err := s.Seen("jti-1", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.Seen("jti-1", 90*time.Second)
	require.NoError(t, err)
	assert.False(t, again)

	// After the TTL window, the jti may appear again.
	mr.FastForward(2 * time.Minute)
	later, err := s.Seen("jti-1", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, later)
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	_, client := newTestClient(t)
	l := NewRateLimiter(client)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Increment(ctx, "otp:user-1", 60, 3)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, i, d.Current)
	}

	d, err := l.Increment(ctx, "otp:user-1", 60, 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Limit)
	assert.Positive(t, d.RetryAfter)

	// Different keys do not share windows.
	d, err = l.Increment(ctx, "otp:user-2", 60, 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
