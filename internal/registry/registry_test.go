package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aulendur/cortex/internal/registry"
	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/pkg/models"
)

func TestRegisterAndPool(t *testing.T) {
	s := store.NewMemoryStore()
	r := registry.New(s)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "llama-3-8b", "u1:8000", models.TaskGenerate))
	require.NoError(t, r.Register(ctx, "llama-3-8b", "u2:8000", models.TaskGenerate))

	pool := r.Pool("llama-3-8b")
	require.Len(t, pool, 2)
}

func TestRegisterRejectsTaskMismatch(t *testing.T) {
	s := store.NewMemoryStore()
	r := registry.New(s)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "llama-3-8b", "u1:8000", models.TaskGenerate))
	err := r.Register(ctx, "llama-3-8b", "u2:8000", models.TaskEmbed)
	require.ErrorIs(t, err, registry.ErrTaskMismatch)
}

func TestUnregisterRemovesFromAllPools(t *testing.T) {
	s := store.NewMemoryStore()
	r := registry.New(s)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a", "shared:8000", models.TaskGenerate))
	require.NoError(t, r.Register(ctx, "b", "shared:8000", models.TaskGenerate))
	require.NoError(t, r.Unregister(ctx, "shared:8000"))

	require.Empty(t, r.Pool("a"))
	require.Empty(t, r.Pool("b"))
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	r1 := registry.New(s)
	require.NoError(t, r1.Register(ctx, "llama-3-8b", "u1:8000", models.TaskGenerate))
	require.NoError(t, r1.Register(ctx, "llama-3-8b", "u2:8000", models.TaskGenerate))
	require.NoError(t, r1.Register(ctx, "embed-small", "u3:8000", models.TaskEmbed))

	r2 := registry.New(s)
	require.NoError(t, r2.Restore(ctx))

	require.ElementsMatch(t, r1.All()["llama-3-8b"], r2.All()["llama-3-8b"])
	require.ElementsMatch(t, r1.All()["embed-small"], r2.All()["embed-small"])
}

func TestServedNamesListsRegardlessOfHealth(t *testing.T) {
	s := store.NewMemoryStore()
	r := registry.New(s)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a", "u1:8000", models.TaskGenerate))
	require.NoError(t, r.Register(ctx, "b", "u2:8000", models.TaskEmbed))

	require.ElementsMatch(t, []string{"a", "b"}, r.ServedNames())
}
