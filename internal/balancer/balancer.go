// Package balancer implements choose(servedName, task) -> url selection: a
// pure function over the registry's current pool and the health poller's
// verdicts, round-robining within the healthy subset with one atomic
// cursor per served name.
package balancer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aulendur/cortex/internal/health"
	"github.com/aulendur/cortex/internal/registry"
	"github.com/aulendur/cortex/pkg/models"
)

// ErrNoUpstream is returned when the served name has no registered pool,
// or every entry in its pool has been unregistered.
var ErrNoUpstream = errors.New("balancer: no upstream registered for served name")

// ErrTaskMismatch is returned when the requested task does not match the
// served name's registered task.
var ErrTaskMismatch = errors.New("balancer: task mismatch")

// Balancer selects an upstream url for a served name and task.
type Balancer struct {
	registry *registry.Registry
	health   *health.Poller

	mu      sync.Mutex
	cursors map[string]*atomic.Uint64
}

// New builds a balancer over the given registry and health poller.
func New(reg *registry.Registry, poller *health.Poller) *Balancer {
	return &Balancer{registry: reg, health: poller, cursors: make(map[string]*atomic.Uint64)}
}

// Choose returns the next url for servedName, preferring the healthy
// subset of its pool and falling back to the full pool when no entry in
// the pool is currently healthy (degraded mode).
func (b *Balancer) Choose(servedName string, task models.TaskKind) (string, error) {
	pool := b.registry.Pool(servedName)
	if len(pool) == 0 {
		return "", ErrNoUpstream
	}
	if pool[0].Task != task {
		return "", ErrTaskMismatch
	}

	now := time.Now()
	var healthy, all []string
	for _, e := range pool {
		all = append(all, e.URL)
		if b.health.Verdict(e.URL, now) {
			healthy = append(healthy, e.URL)
		}
	}

	candidates := healthy
	if len(candidates) == 0 {
		candidates = all
	}
	if len(candidates) == 0 {
		return "", ErrNoUpstream
	}

	cursor := b.cursorFor(servedName)
	idx := cursor.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}

func (b *Balancer) cursorFor(servedName string) *atomic.Uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cursors[servedName]
	if !ok {
		c = &atomic.Uint64{}
		b.cursors[servedName] = c
	}
	return c
}
