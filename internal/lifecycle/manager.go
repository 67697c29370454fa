// Package lifecycle implements the Model Lifecycle Manager: it reconciles
// declared Model records with live containers, validates preconditions,
// assigns ports, resolves on-disk weight paths, and emits state
// transitions.
package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aulendur/cortex/internal/breaker"
	"github.com/aulendur/cortex/internal/cortexerr"
	"github.com/aulendur/cortex/internal/health"
	"github.com/aulendur/cortex/internal/registry"
	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/pkg/contracts"
	"github.com/aulendur/cortex/pkg/models"
)

const networkName = "cortex-net"

// Config tunes the manager's container orchestration.
type Config struct {
	ModelsRoot             string
	EngineImageTransformer string
	EngineImageQuantized   string
	OfflineMode            bool
	UpstreamInternalAPIKey string
	StopTimeoutTransformer time.Duration
	StopTimeoutQuantized   time.Duration
	StartPort              int
}

// Manager is the sole mutator of a Model's state and runtime fields, and
// the sole owner (besides the shutdown coordinator) of its container.
type Manager struct {
	store    store.Store
	driver   contracts.ContainerDriver
	registry *registry.Registry
	poller   *health.Poller
	breakers *breaker.Registry
	logs     *LogRegistry
	ports    *portAllocator
	cfg      Config

	mu      sync.Mutex
	watches map[int64]context.CancelFunc
}

// New builds a lifecycle manager over its collaborators.
func New(s store.Store, driver contracts.ContainerDriver, reg *registry.Registry, poller *health.Poller, breakers *breaker.Registry, logs *LogRegistry, cfg Config) *Manager {
	if cfg.StartPort == 0 {
		cfg.StartPort = 20000
	}
	return &Manager{
		store:    s,
		driver:   driver,
		registry: reg,
		poller:   poller,
		breakers: breakers,
		logs:     logs,
		ports:    newPortAllocator(cfg.StartPort),
		cfg:      cfg,
		watches:  make(map[int64]context.CancelFunc),
	}
}

func (m *Manager) stopTimeout(engine models.EngineKind) time.Duration {
	if engine == models.EngineQuantized {
		if m.cfg.StopTimeoutQuantized > 0 {
			return m.cfg.StopTimeoutQuantized
		}
		return 10 * time.Second
	}
	if m.cfg.StopTimeoutTransformer > 0 {
		return m.cfg.StopTimeoutTransformer
	}
	return 5 * time.Second
}

func (m *Manager) engineImage(engine models.EngineKind) string {
	if engine == models.EngineQuantized {
		return m.cfg.EngineImageQuantized
	}
	return m.cfg.EngineImageTransformer
}

// RequiredImages returns the configured engine images, for
// GET /admin/system/docker-images' "currently-required images" list.
func (m *Manager) RequiredImages() []string {
	out := make([]string, 0, 2)
	if m.cfg.EngineImageTransformer != "" {
		out = append(out, m.cfg.EngineImageTransformer)
	}
	if m.cfg.EngineImageQuantized != "" && m.cfg.EngineImageQuantized != m.cfg.EngineImageTransformer {
		out = append(out, m.cfg.EngineImageQuantized)
	}
	return out
}

// Start materializes modelID as a running container. Preflight failures
// return synchronously with no state change; post-creation failures are
// observed asynchronously by the reconciliation watch and transition the
// Model to failed.
func (m *Manager) Start(ctx context.Context, modelID int64) error {
	mdl, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	if mdl.State != models.StateStopped && mdl.State != models.StateFailed {
		return cortexerr.New(cortexerr.KindConflict, "model must be stopped or failed to start")
	}

	weightPath := mdl.LocalPath
	if mdl.EngineKind == models.EngineQuantized {
		if mdl.LocalPath == "" {
			return cortexerr.New(cortexerr.KindInvalidRequest, "quantized engine requires a local path")
		}
		resolved, err := ResolveWeightPath(mdl.LocalPath)
		if err != nil {
			var incomplete *ErrIncompleteSplitSet
			if asIncomplete(err, &incomplete) {
				return cortexerr.NewWithDetail(cortexerr.KindIncompleteSplitSet, "split weight set is incomplete",
					map[string]any{"missing": incomplete.Missing})
			}
			return cortexerr.Newf(cortexerr.KindInvalidRequest, "cannot resolve model weights", err.Error())
		}
		weightPath = resolved
	} else if mdl.RemoteRepo != "" && mdl.LocalPath == "" {
		// Transformer engine without a resolved local path downloads at
		// startup; that requires network access.
		if m.cfg.OfflineMode {
			return cortexerr.New(cortexerr.KindOfflineRemoteRefused, "offline mode refuses a remote model download")
		}
	}

	image := m.engineImage(mdl.EngineKind)
	available, err := m.driver.ImageAvailable(ctx, image)
	if err != nil {
		return fmt.Errorf("lifecycle: check image availability: %w", err)
	}
	if !available && m.cfg.OfflineMode {
		return cortexerr.Newf(cortexerr.KindImageUnavailable,
			"engine image is not cached and offline mode forbids pulling it",
			image)
	}

	port := m.ports.Allocate()

	if err := m.driver.EnsureNetwork(ctx, networkName); err != nil {
		log.Warn().Err(err).Msg("lifecycle: falling back to default bridge network")
	}

	containerName := mdl.DeterministicContainerName()
	spec := contracts.ContainerSpec{
		Name:          containerName,
		Image:         image,
		Args:          renderArgs(mdl, weightPath),
		Env:           upstreamEnv(m.cfg.UpstreamInternalAPIKey),
		Mounts:        m.mounts(mdl),
		Port:          port,
		ContainerPort: internalContainerPort,
		NetworkName:   networkName,
		GPUDeviceIDs:  gpuDeviceIndices(mdl),
	}

	containerID, err := m.driver.Create(ctx, spec)
	if err != nil {
		m.ports.Release(port)
		return fmt.Errorf("lifecycle: create container: %w", err)
	}

	mdl.State = models.StateStarting
	mdl.Port = port
	mdl.ContainerName = containerName
	mdl.ContainerID = containerID
	mdl.LastFailure = ""
	mdl.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateModel(ctx, mdl); err != nil {
		return fmt.Errorf("lifecycle: persist starting state: %w", err)
	}

	url := fmt.Sprintf("%s:%d", containerHost(), port)
	probeKind := health.ProbeHealthEndpoint
	if mdl.EngineKind == models.EngineQuantized {
		probeKind = health.ProbeListModels
	}
	m.poller.Register(url, probeKind, true)

	if err := m.driver.Start(ctx, containerID); err != nil {
		m.fail(ctx, mdl, url, fmt.Sprintf("container start failed: %v", err))
		return fmt.Errorf("lifecycle: start container: %w", err)
	}

	go m.tailLogs(mdl.ID, containerID)
	m.watch(mdl, url)
	return nil
}

// tailLogs follows the container's combined stdout/stderr into its
// LogBuffer for the lifetime of the container, feeding
// GET /admin/models/{id}/logs. It exits quietly once the stream closes
// (container stopped or removed).
func (m *Manager) tailLogs(modelID int64, containerID string) {
	buf := m.logs.Buffer(modelID)
	rc, err := m.driver.Logs(context.Background(), containerID, 0, true)
	if err != nil {
		log.Warn().Err(err).Int64("model_id", modelID).Msg("lifecycle: attach log tail failed")
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		buf.Write("stdout", scanner.Text())
	}
}

// Logs returns the most recent n log lines recorded for modelID (all of
// them when n <= 0).
func (m *Manager) Logs(modelID int64, n int) []LogEntry {
	return m.logs.Buffer(modelID).Recent(n)
}

// watch spawns the goroutine promoting starting -> loading -> running as
// the container comes up and the health poller records its first success.
// The manager never blocks Start's caller on readiness.
func (m *Manager) watch(mdl *models.Model, url string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if prev, ok := m.watches[mdl.ID]; ok {
		prev()
	}
	m.watches[mdl.ID] = cancel
	m.mu.Unlock()

	go m.reconcile(ctx, mdl.ID, url)
}

func (m *Manager) reconcile(ctx context.Context, modelID int64, url string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	promotedToLoading := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mdl, err := m.store.GetModel(ctx, modelID)
		if err != nil || mdl.State == models.StateFailed || mdl.State == models.StateStopped {
			return
		}

		status, err := m.driver.Inspect(ctx, mdl.ContainerID)
		if err != nil || !status.Running {
			if err == nil && status.ExitCode != 0 {
				m.fail(ctx, mdl, url, fmt.Sprintf("container exited with code %d", status.ExitCode))
				return
			}
			continue
		}

		if !promotedToLoading {
			mdl.State = models.StateLoading
			mdl.UpdatedAt = time.Now().UTC()
			_ = m.store.UpdateModel(ctx, mdl)
			promotedToLoading = true
		}

		if m.poller.Verdict(url, time.Now()) {
			mdl.State = models.StateRunning
			mdl.UpdatedAt = time.Now().UTC()
			if err := m.store.UpdateModel(ctx, mdl); err != nil {
				log.Error().Err(err).Int64("model_id", modelID).Msg("lifecycle: persist running state")
			}
			m.poller.SetLoading(url, false)
			if err := m.registry.Register(ctx, mdl.ServedName, url, mdl.Task); err != nil {
				log.Error().Err(err).Int64("model_id", modelID).Msg("lifecycle: register upstream")
			}
			return
		}
	}
}

func (m *Manager) fail(ctx context.Context, mdl *models.Model, url, reason string) {
	mdl.State = models.StateFailed
	mdl.LastFailure = reason
	mdl.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateModel(ctx, mdl); err != nil {
		log.Error().Err(err).Int64("model_id", mdl.ID).Msg("lifecycle: persist failed state")
	}
	m.poller.Unregister(url)
	m.breakers.Forget(url)
	_ = m.registry.Unregister(ctx, url)
	if mdl.Port != 0 {
		m.ports.Release(mdl.Port)
	}
}

// Stop gracefully stops modelID's container, removes it, deregisters its
// upstream, and transitions to stopped.
func (m *Manager) Stop(ctx context.Context, modelID int64) error {
	mdl, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	return m.stopInternal(ctx, mdl, models.StateStopped)
}

// Cancel aborts a long weight-load; permitted only while loading.
func (m *Manager) Cancel(ctx context.Context, modelID int64) error {
	mdl, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	if mdl.State != models.StateLoading {
		return cortexerr.New(cortexerr.KindConflict, "cancel is only permitted while loading")
	}
	return m.stopInternal(ctx, mdl, models.StateStopped)
}

func (m *Manager) stopInternal(ctx context.Context, mdl *models.Model, finalState models.ModelState) error {
	m.mu.Lock()
	if cancel, ok := m.watches[mdl.ID]; ok {
		cancel()
		delete(m.watches, mdl.ID)
	}
	m.mu.Unlock()

	url := fmt.Sprintf("%s:%d", containerHost(), mdl.Port)

	if mdl.ContainerID != "" {
		timeout := m.stopTimeout(mdl.EngineKind)
		if err := m.driver.Stop(ctx, mdl.ContainerID, timeout); err != nil {
			log.Warn().Err(err).Str("container", mdl.ContainerName).Msg("lifecycle: stop container")
		}
		if err := m.driver.Remove(ctx, mdl.ContainerID); err != nil {
			log.Warn().Err(err).Str("container", mdl.ContainerName).Msg("lifecycle: remove container")
		}
	}

	m.poller.Unregister(url)
	m.breakers.Forget(url)
	if err := m.registry.Unregister(ctx, url); err != nil {
		log.Error().Err(err).Msg("lifecycle: unregister upstream")
	}
	if mdl.Port != 0 {
		m.ports.Release(mdl.Port)
	}

	mdl.State = finalState
	mdl.Port = 0
	mdl.ContainerName = ""
	mdl.ContainerID = ""
	mdl.UpdatedAt = time.Now().UTC()
	return m.store.UpdateModel(ctx, mdl)
}

// Reconfigure persists new engine parameters, then stops and restarts the
// Model. Brief downtime is explicit in the contract.
func (m *Manager) Reconfigure(ctx context.Context, modelID int64, transformer *models.TransformerParams, quantized *models.QuantizedParams) error {
	mdl, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	wasRunning := mdl.State == models.StateRunning || mdl.State == models.StateLoading || mdl.State == models.StateStarting
	mdl.TransformerParams = transformer
	mdl.QuantizedParams = quantized
	mdl.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateModel(ctx, mdl); err != nil {
		return err
	}
	if wasRunning {
		if err := m.stopInternal(ctx, mdl, models.StateStopped); err != nil {
			return err
		}
	}
	return m.Start(ctx, modelID)
}

// Archive requires the Model be stopped and hides it from default listings.
func (m *Manager) Archive(ctx context.Context, modelID int64) error {
	mdl, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	if mdl.State != models.StateStopped {
		return cortexerr.New(cortexerr.KindConflict, "archive requires the model to be stopped")
	}
	mdl.State = models.StateArchived
	mdl.UpdatedAt = time.Now().UTC()
	return m.store.UpdateModel(ctx, mdl)
}

// Delete requires the Model be archived and removes the record. Weight
// files on disk are never touched.
func (m *Manager) Delete(ctx context.Context, modelID int64) error {
	mdl, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	if mdl.State != models.StateArchived {
		return cortexerr.New(cortexerr.KindConflict, "delete requires the model to be archived")
	}
	m.logs.Drop(modelID)
	return m.store.DeleteModel(ctx, modelID)
}

// DryRunResult is the rendered command line and resource estimate returned
// without creating any container.
type DryRunResult struct {
	Image      string            `json:"image"`
	Args       []string          `json:"args"`
	CommandLine string           `json:"command_line"`
	Footprint  FootprintEstimate `json:"footprint"`
}

// DryRun renders the engine command line and resource footprint for
// modelID without creating a container.
func (m *Manager) DryRun(ctx context.Context, modelID int64) (*DryRunResult, error) {
	mdl, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	weightPath := mdl.LocalPath
	if mdl.EngineKind == models.EngineQuantized && mdl.LocalPath != "" {
		resolved, err := ResolveWeightPath(mdl.LocalPath)
		if err == nil {
			weightPath = resolved
		}
	}

	image := m.engineImage(mdl.EngineKind)
	args := renderArgs(mdl, weightPath)
	return &DryRunResult{
		Image:       image,
		Args:        args,
		CommandLine: commandLine(image, args),
		Footprint:   estimateFootprint(mdl),
	}, nil
}

func (m *Manager) mounts(mdl *models.Model) []contracts.Mount {
	mounts := []contracts.Mount{{HostPath: m.cfg.ModelsRoot, ContainerPath: "/models", ReadOnly: true}}
	if mdl.RemoteRepo != "" {
		mounts = append(mounts, contracts.Mount{HostPath: m.cfg.ModelsRoot + "/.cache", ContainerPath: "/root/.cache", ReadOnly: false})
	}
	return mounts
}

// StopAll stops every Model in a live state, best-effort and in parallel,
// for the shutdown coordinator. Errors are logged, never returned.
func (m *Manager) StopAll(ctx context.Context) {
	live, err := m.store.ListModels(ctx, store.ListFilter{IncludeArchived: false})
	if err != nil {
		log.Error().Err(err).Msg("lifecycle: list models for shutdown")
		return
	}

	var wg sync.WaitGroup
	for i := range live {
		mdl := live[i]
		if mdl.State != models.StateRunning && mdl.State != models.StateLoading && mdl.State != models.StateStarting {
			continue
		}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := m.Stop(ctx, id); err != nil {
				log.Warn().Err(err).Int64("model_id", id).Msg("lifecycle: stop during shutdown")
			}
		}(mdl.ID)
	}
	wg.Wait()
}

// SweepOrphans stops and removes any container matching the naming
// convention that no live Model claims, run once at startup to recover
// from a crash the shutdown coordinator never got to handle.
func (m *Manager) SweepOrphans(ctx context.Context) error {
	live, err := m.store.ListModels(ctx, store.ListFilter{IncludeArchived: true})
	if err != nil {
		return fmt.Errorf("lifecycle: list models for orphan sweep: %w", err)
	}
	claimed := make(map[string]bool, len(live))
	for _, mdl := range live {
		if mdl.State == models.StateStarting || mdl.State == models.StateLoading || mdl.State == models.StateRunning {
			claimed[mdl.ContainerID] = true
		}
	}

	for _, prefix := range []string{"tf-model-", "quant-model-"} {
		ids, err := m.driver.ListByNamePrefix(ctx, prefix)
		if err != nil {
			return fmt.Errorf("lifecycle: list containers by prefix %s: %w", prefix, err)
		}
		for _, id := range ids {
			if claimed[id] {
				continue
			}
			log.Warn().Str("container_id", id).Msg("lifecycle: removing orphaned container")
			_ = m.driver.Stop(ctx, id, 5*time.Second)
			_ = m.driver.Remove(ctx, id)
		}
	}
	return nil
}

func containerHost() string { return "localhost" }

func asIncomplete(err error, target **ErrIncompleteSplitSet) bool {
	e, ok := err.(*ErrIncompleteSplitSet)
	if ok {
		*target = e
	}
	return ok
}
