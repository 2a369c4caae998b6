package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket(t *testing.T) {
	t.Run("NewTokenBucket creates limiter", func(t *testing.T) {
		limiter := NewTokenBucket(100, 10)
		assert.Equal(t, 100.0, limiter.Limit())
		assert.Equal(t, 10, limiter.Burst())
	})

	t.Run("Allow returns false when exhausted", func(t *testing.T) {
		limiter := NewTokenBucket(1, 1)
		assert.True(t, limiter.Allow(), "first Allow should succeed")
		assert.False(t, limiter.Allow(), "second Allow should fail")
	})

	t.Run("Wait respects context cancellation", func(t *testing.T) {
		limiter := NewTokenBucket(0.001, 1)
		limiter.Allow()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.Error(t, limiter.Wait(ctx))
	})
}

func TestKeyed(t *testing.T) {
	t.Run("keys are independent", func(t *testing.T) {
		k := NewKeyed(0.001, 2)

		assert.True(t, k.Allow("peer-a"))
		assert.True(t, k.Allow("peer-a"))
		assert.False(t, k.Allow("peer-a"), "peer-a burst exhausted")
		assert.True(t, k.Allow("peer-b"), "peer-b has its own bucket")
		assert.Equal(t, 2, k.Len())
	})

	t.Run("burst below one is raised", func(t *testing.T) {
		k := NewKeyed(0.001, 0)
		assert.True(t, k.Allow("peer"))
	})

	t.Run("Forget resets a key", func(t *testing.T) {
		k := NewKeyed(0.001, 1)
		assert.True(t, k.Allow("peer"))
		assert.False(t, k.Allow("peer"))
		k.Forget("peer")
		assert.True(t, k.Allow("peer"))
	})

	t.Run("Prune drops idle keys", func(t *testing.T) {
		k := NewKeyed(10, 1)
		now := time.Now()
		k.now = func() time.Time { return now }
		k.Allow("old")

		k.now = func() time.Time { return now.Add(time.Hour) }
		k.Allow("fresh")

		assert.Equal(t, 1, k.Prune(time.Minute))
		assert.Equal(t, 1, k.Len())
	})
}
