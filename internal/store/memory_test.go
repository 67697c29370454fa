package store_test

import (
	"context"
	"testing"

	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/pkg/models"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &models.Model{
		DisplayName: "Llama 3 8B",
		ServedName:  "llama-3-8b",
		EngineKind:  models.EngineTransformer,
		Task:        models.TaskGenerate,
		LocalPath:   "/models/llama-3-8b",
		State:       models.StateStopped,
	}
	require.NoError(t, s.CreateModel(ctx, m))
	require.NotZero(t, m.ID)

	got, err := s.GetModel(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "llama-3-8b", got.ServedName)

	byName, err := s.GetModelByServedName(ctx, "llama-3-8b")
	require.NoError(t, err)
	require.Equal(t, m.ID, byName.ID)
}

func TestGetModelNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetModel(context.Background(), 999)
	require.Error(t, err)
	var nf *store.ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func TestListModelsExcludesArchivedByDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := &models.Model{ServedName: "a", State: models.StateRunning}
	archived := &models.Model{ServedName: "b", State: models.StateArchived}
	require.NoError(t, s.CreateModel(ctx, running))
	require.NoError(t, s.CreateModel(ctx, archived))

	list, err := s.ListModels(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	listAll, err := s.ListModels(ctx, store.ListFilter{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, listAll, 2)
}

func TestUpdateModelNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateModel(context.Background(), &models.Model{ID: 42})
	require.Error(t, err)
}

func TestConfigKVRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetConfigValue(ctx, "model_registry")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetConfigValue(ctx, "model_registry", `{"llama-3-8b":[{"url":"u1","task":"generate"}]}`))

	v, ok, err := s.GetConfigValue(ctx, "model_registry")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, v, "llama-3-8b")
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ident := &models.Identity{ID: "ident-1", Scopes: []models.Scope{models.ScopeChat}}
	require.NoError(t, s.CreateIdentity(ctx, ident))

	key := &models.APIKey{HashPrefix: "abcd1234", IdentityID: ident.ID}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	got, err := s.GetAPIKeyByHashPrefix(ctx, "abcd1234")
	require.NoError(t, err)
	require.False(t, got.Revoked)

	require.NoError(t, s.RevokeAPIKey(ctx, "abcd1234"))
	got2, err := s.GetAPIKeyByHashPrefix(ctx, "abcd1234")
	require.NoError(t, err)
	require.True(t, got2.Revoked)
}

func TestUsageRowAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := &models.UsageRow{RequestID: "r1", ServedName: "llama-3-8b", Task: models.TaskGenerate, Status: 200}
	require.NoError(t, s.AppendUsageRow(ctx, row))

	list, err := s.ListUsage(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "r1", list[0].RequestID)
}
