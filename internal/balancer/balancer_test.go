package balancer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aulendur/cortex/internal/balancer"
	"github.com/aulendur/cortex/internal/breaker"
	"github.com/aulendur/cortex/internal/health"
	"github.com/aulendur/cortex/internal/registry"
	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/pkg/models"
)

func setup(t *testing.T) (*balancer.Balancer, *registry.Registry, *health.Poller) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New(s)
	b := breaker.New(false, 5, 30*time.Second)
	poller := health.New(health.Config{HealthTTL: time.Minute}, b)
	return balancer.New(reg, poller), reg, poller
}

// A served name with no registered pool is refused with ErrNoUpstream.
// None of these tests run a probe, so every registered url is unhealthy and
// Choose works in degraded mode over the full pool.
func TestChooseNoUpstream(t *testing.T) {
	b, _, _ := setup(t)
	_, err := b.Choose("nope", models.TaskGenerate)
	require.ErrorIs(t, err, balancer.ErrNoUpstream)
}

func TestChooseTaskMismatch(t *testing.T) {
	b, reg, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "llama", "u1:8000", models.TaskGenerate))

	_, err := b.Choose("llama", models.TaskEmbed)
	require.ErrorIs(t, err, balancer.ErrTaskMismatch)
}

func TestChooseDegradedModeFallsBackToFullPool(t *testing.T) {
	b, reg, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "llama", "u1:8000", models.TaskGenerate))
	require.NoError(t, reg.Register(ctx, "llama", "u2:8000", models.TaskGenerate))

	// No probes have ever run, so nothing is "healthy" yet — balancer must
	// still return from the full candidate list rather than refuse.
	url, err := b.Choose("llama", models.TaskGenerate)
	require.NoError(t, err)
	require.Contains(t, []string{"u1:8000", "u2:8000"}, url)
}

func TestChooseRoundRobinFairness(t *testing.T) {
	b, reg, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "llama", "u1:8000", models.TaskGenerate))
	require.NoError(t, reg.Register(ctx, "llama", "u2:8000", models.TaskGenerate))

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		url, err := b.Choose("llama", models.TaskGenerate)
		require.NoError(t, err)
		counts[url]++
	}
	require.Equal(t, 50, counts["u1:8000"])
	require.Equal(t, 50, counts["u2:8000"])
}
