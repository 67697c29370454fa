package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aulendur/cortex/pkg/models"
)

func newTestBucket(t *testing.T, rps float64, burst int) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tb, err := NewTokenBucket(client, rps, burst)
	require.NoError(t, err)
	return tb
}

func TestTokenBucket_AllowsWithinBurst(t *testing.T) {
	tb := newTestBucket(t, 10, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := tb.Allow(ctx, "ident-a", nil)
		require.NoError(t, err)
		require.Truef(t, ok, "request %d should be admitted within burst", i)
	}
}

func TestTokenBucket_RefusesOverBurst(t *testing.T) {
	tb := newTestBucket(t, 1, 1)
	ctx := context.Background()

	ok, _, err := tb.Allow(ctx, "ident-b", nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, retryAfter, err := tb.Allow(ctx, "ident-b", nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestTokenBucket_OverrideComposesAdditively(t *testing.T) {
	tb := newTestBucket(t, 1, 1)
	ctx := context.Background()

	override := &models.RateOverride{ExtraBurst: 2}

	for i := 0; i < 3; i++ {
		ok, _, err := tb.Allow(ctx, "ident-c", override)
		require.NoError(t, err)
		require.Truef(t, ok, "request %d should be admitted with overridden burst of 3", i)
	}
}

func TestTokenBucket_IdentitiesAreIndependent(t *testing.T) {
	tb := newTestBucket(t, 1, 1)
	ctx := context.Background()

	ok, _, err := tb.Allow(ctx, "ident-d", nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = tb.Allow(ctx, "ident-e", nil)
	require.NoError(t, err)
	require.True(t, ok, "a different identity must have its own bucket")
}
