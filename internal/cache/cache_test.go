package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aulendur/cortex/internal/config"
)

func TestClient_IncrAndExpiry(t *testing.T) {
	c, err := New(config.CacheConfig{UseMemory: true})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	n, err := c.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestClient_GetSetMiss(t *testing.T) {
	c, err := New(config.CacheConfig{UseMemory: true})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	val, ok, err := c.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value", val)
}
