// Package registry is the authoritative served-name → upstream-pool map.
// It owns the only mutex guarding the routing table; the health poller
// and balancer read snapshots of it, they never mutate it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aulendur/cortex/internal/store"
	"github.com/aulendur/cortex/pkg/models"
)

const snapshotKey = "model_registry"

// Registry is the in-memory served-name → pool map, write-through
// persisted to the store's config_kv area on every mutation.
type Registry struct {
	mu    sync.Mutex
	pools map[string][]models.UpstreamEntry

	store store.ConfigKVStore
}

// New creates an empty registry backed by the given config_kv store.
func New(s store.ConfigKVStore) *Registry {
	return &Registry{
		pools: make(map[string][]models.UpstreamEntry),
		store: s,
	}
}

// ErrTaskMismatch is returned by Register when the served name's pool
// already carries a different task than the one being registered.
var ErrTaskMismatch = fmt.Errorf("registry: served name already bound to a different task")

// Register adds (url, task) to the served name's pool and snapshots.
// All entries sharing a served name must carry the same task; a
// mismatched task is rejected rather than silently mixed.
func (r *Registry) Register(ctx context.Context, servedName, url string, task models.TaskKind) error {
	r.mu.Lock()
	pool := r.pools[servedName]
	for _, e := range pool {
		if e.Task != task {
			r.mu.Unlock()
			return ErrTaskMismatch
		}
		if e.URL == url {
			r.mu.Unlock()
			return r.snapshot(ctx)
		}
	}
	r.pools[servedName] = append(pool, models.UpstreamEntry{URL: url, Task: task})
	r.mu.Unlock()

	return r.snapshot(ctx)
}

// Unregister removes url from every pool containing it, then snapshots.
func (r *Registry) Unregister(ctx context.Context, url string) error {
	r.mu.Lock()
	for name, pool := range r.pools {
		out := pool[:0]
		for _, e := range pool {
			if e.URL != url {
				out = append(out, e)
			}
		}
		if len(out) == 0 {
			delete(r.pools, name)
		} else {
			r.pools[name] = out
		}
	}
	r.mu.Unlock()

	return r.snapshot(ctx)
}

// Pool returns a copy of the current pool for a served name (nil if absent).
func (r *Registry) Pool(servedName string) []models.UpstreamEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	pool := r.pools[servedName]
	if pool == nil {
		return nil
	}
	out := make([]models.UpstreamEntry, len(pool))
	copy(out, pool)
	return out
}

// ServedNames returns every served name currently registered, regardless
// of health — backs GET /v1/models.
func (r *Registry) ServedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pools))
	for name := range r.pools {
		out = append(out, name)
	}
	return out
}

// All returns a snapshot of the full served-name → pool map.
func (r *Registry) All() models.RegistrySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(models.RegistrySnapshot, len(r.pools))
	for name, pool := range r.pools {
		cp := make([]models.UpstreamEntry, len(pool))
		copy(cp, pool)
		out[name] = cp
	}
	return out
}

// snapshot persists the current map to config_kv under "model_registry".
// Register/Unregister return only after this completes — the snapshot is
// write-through, not eventually consistent.
func (r *Registry) snapshot(ctx context.Context) error {
	r.mu.Lock()
	snap := make(models.RegistrySnapshot, len(r.pools))
	for name, pool := range r.pools {
		cp := make([]models.UpstreamEntry, len(pool))
		copy(cp, pool)
		snap[name] = cp
	}
	r.mu.Unlock()

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("registry: marshal snapshot: %w", err)
	}
	if r.store == nil {
		return nil
	}
	return r.store.SetConfigValue(ctx, snapshotKey, string(body))
}

// Restore reloads the served-name → pool map from the store's last
// snapshot. Used on gateway startup so a cold restart recovers routing
// without the operator re-starting every model.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	val, ok, err := r.store.GetConfigValue(ctx, snapshotKey)
	if err != nil {
		return fmt.Errorf("registry: load snapshot: %w", err)
	}
	if !ok {
		return nil
	}

	var snap models.RegistrySnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return fmt.Errorf("registry: unmarshal snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = make(map[string][]models.UpstreamEntry, len(snap))
	for name, pool := range snap {
		cp := make([]models.UpstreamEntry, len(pool))
		copy(cp, pool)
		r.pools[name] = cp
	}
	return nil
}
