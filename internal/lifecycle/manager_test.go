package lifecycle_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aulendur/cortex/internal/breaker"
	"github.com/aulendur/cortex/internal/health"
	"github.com/aulendur/cortex/internal/lifecycle"
	"github.com/aulendur/cortex/internal/registry"
	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/pkg/contracts"
	"github.com/aulendur/cortex/pkg/models"
)

// fakeDriver is a minimal in-memory contracts.ContainerDriver double.
type fakeDriver struct {
	nextID    int
	running   map[string]bool
	available bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{running: make(map[string]bool), available: true}
}

func (d *fakeDriver) EnsureNetwork(ctx context.Context, name string) error { return nil }

func (d *fakeDriver) Create(ctx context.Context, spec contracts.ContainerSpec) (string, error) {
	d.nextID++
	id := "container-" + spec.Name
	return id, nil
}

func (d *fakeDriver) Start(ctx context.Context, containerID string) error {
	d.running[containerID] = true
	return nil
}

func (d *fakeDriver) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	delete(d.running, containerID)
	return nil
}

func (d *fakeDriver) Remove(ctx context.Context, containerID string) error { return nil }

func (d *fakeDriver) Inspect(ctx context.Context, containerID string) (contracts.ContainerStatus, error) {
	return contracts.ContainerStatus{ID: containerID, Running: d.running[containerID]}, nil
}

func (d *fakeDriver) Logs(ctx context.Context, containerID string, tail int, follow bool) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (d *fakeDriver) ListByNamePrefix(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for id := range d.running {
		out = append(out, id)
	}
	return out, nil
}

func (d *fakeDriver) ImageAvailable(ctx context.Context, image string) (bool, error) {
	return d.available, nil
}

func newManager(t *testing.T, driver *fakeDriver) (*lifecycle.Manager, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New(s)
	b := breaker.New(false, 5, 30*time.Second)
	poller := health.New(health.Config{HealthTTL: time.Minute}, b)
	logs := lifecycle.NewLogRegistry()
	cfg := lifecycle.Config{
		ModelsRoot:             t.TempDir(),
		EngineImageTransformer: "cortex/transformer-engine:latest",
		EngineImageQuantized:   "cortex/quantized-engine:latest",
	}
	return lifecycle.New(s, driver, reg, poller, b, logs, cfg), s
}

func TestArchiveRequiresStopped(t *testing.T) {
	driver := newFakeDriver()
	mgr, s := newManager(t, driver)
	ctx := context.Background()

	mdl := &models.Model{DisplayName: "m", ServedName: "svc", EngineKind: models.EngineTransformer, Task: models.TaskGenerate, State: models.StateRunning}
	require.NoError(t, s.CreateModel(ctx, mdl))

	err := mgr.Archive(ctx, mdl.ID)
	require.Error(t, err)
}

func TestDeleteRequiresArchived(t *testing.T) {
	driver := newFakeDriver()
	mgr, s := newManager(t, driver)
	ctx := context.Background()

	mdl := &models.Model{DisplayName: "m", ServedName: "svc", EngineKind: models.EngineTransformer, Task: models.TaskGenerate, State: models.StateStopped}
	require.NoError(t, s.CreateModel(ctx, mdl))

	err := mgr.Delete(ctx, mdl.ID)
	require.Error(t, err)

	require.NoError(t, mgr.Archive(ctx, mdl.ID))
	require.NoError(t, mgr.Delete(ctx, mdl.ID))
}

func TestDryRunRendersArgsWithoutCreatingContainer(t *testing.T) {
	driver := newFakeDriver()
	mgr, s := newManager(t, driver)
	ctx := context.Background()

	mdl := &models.Model{
		DisplayName: "m", ServedName: "llama", EngineKind: models.EngineTransformer,
		Task: models.TaskGenerate, State: models.StateStopped,
		TransformerParams: &models.TransformerParams{TensorParallelSize: 2, Dtype: "bfloat16"},
	}
	require.NoError(t, s.CreateModel(ctx, mdl))

	result, err := mgr.DryRun(ctx, mdl.ID)
	require.NoError(t, err)
	require.Contains(t, result.Args, "--tensor-parallel-size")
	require.Contains(t, result.Args, "bfloat16")
	require.Empty(t, driver.running)
	require.Greater(t, result.Footprint.EstimatedVRAMGB, 0.0)
}

func TestStartFailsWhenOfflineAndImageMissing(t *testing.T) {
	driver := newFakeDriver()
	driver.available = false
	s := store.NewMemoryStore()
	reg := registry.New(s)
	b := breaker.New(false, 5, 30*time.Second)
	poller := health.New(health.Config{HealthTTL: time.Minute}, b)
	logs := lifecycle.NewLogRegistry()
	mgr := lifecycle.New(s, driver, reg, poller, b, logs, lifecycle.Config{
		ModelsRoot:             t.TempDir(),
		EngineImageTransformer: "cortex/transformer-engine:latest",
		OfflineMode:            true,
	})

	ctx := context.Background()
	mdl := &models.Model{DisplayName: "m", ServedName: "llama", EngineKind: models.EngineTransformer, Task: models.TaskGenerate, State: models.StateStopped}
	require.NoError(t, s.CreateModel(ctx, mdl))

	err := mgr.Start(ctx, mdl.ID)
	require.Error(t, err)
}

func TestStartTransitionsToStartingAndRegistersContainer(t *testing.T) {
	driver := newFakeDriver()
	mgr, s := newManager(t, driver)
	ctx := context.Background()

	mdl := &models.Model{DisplayName: "m", ServedName: "llama", EngineKind: models.EngineTransformer, Task: models.TaskGenerate, State: models.StateStopped}
	require.NoError(t, s.CreateModel(ctx, mdl))

	require.NoError(t, mgr.Start(ctx, mdl.ID))

	got, err := s.GetModel(ctx, mdl.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateStarting, got.State)
	require.NotEmpty(t, got.ContainerID)
	require.True(t, driver.running[got.ContainerID])
}
