// Package contracts defines the boundary interfaces between Cortex's
// internal components and its extensibility points: the persistence
// driver, the container runtime, and the external cache.
//
// Handlers and the lifecycle manager depend on these interfaces, not on
// concrete drivers, so swapping the in-memory store for PostgreSQL or
// the Docker driver for another container runtime is a wiring change in
// pkg/server, not a handler change.
package contracts

import (
	"context"
	"io"
	"time"

	"github.com/aulendur/cortex/internal/store"
)

// Store is a type alias for the internal Store interface, exposed here so
// packages outside internal/store can reference it without a direct import
// cycle back through internal/.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Container Driver ─────────────────────────────────────────

// ContainerSpec describes the container the lifecycle manager wants
// created for a Model — just what a single inference container needs.
type ContainerSpec struct {
	Name          string
	Image         string
	Args          []string
	Env           map[string]string
	Mounts        []Mount
	Port          int
	ContainerPort int
	NetworkName   string
	GPUDeviceIDs  []int
}

// Mount is a single bind mount.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ContainerStatus is the observed state of a running container.
type ContainerStatus struct {
	ID      string
	Running bool
	ExitCode int
	StartedAt time.Time
}

// ContainerDriver is the boundary between the lifecycle manager and the
// underlying container runtime. OSS ships a Docker Engine SDK
// implementation; the interface exists so tests can substitute a fake.
type ContainerDriver interface {
	EnsureNetwork(ctx context.Context, name string) error
	Create(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (ContainerStatus, error)
	Logs(ctx context.Context, containerID string, tail int, follow bool) (io.ReadCloser, error)
	ListByNamePrefix(ctx context.Context, prefix string) ([]string, error)
	ImageAvailable(ctx context.Context, image string) (bool, error)
}

// ── External Cache ───────────────────────────────────────────

// CacheClient is the boundary between rate limiting and the external cache
// backend. OSS ships a Redis implementation.
type CacheClient interface {
	Incr(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, expiry time.Duration) error
	Close() error
}
