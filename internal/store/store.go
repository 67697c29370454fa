// Package store provides the persistence interface and implementations for
// the Cortex control plane. An in-memory implementation backs development
// and tests; a PostgreSQL implementation (pgx) backs production deployments.
package store

import (
	"context"
	"time"

	"github.com/aulendur/cortex/pkg/models"
)

// Store is the durable-record boundary every other component depends on.
// Handlers and the upstream registry never talk to a driver directly.
type Store interface {
	ModelStore
	IdentityStore
	APIKeyStore
	UsageStore
	ConfigKVStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── Model Store ──────────────────────────────────────────────

type ModelStore interface {
	ListModels(ctx context.Context, filter ListFilter) ([]models.Model, error)
	GetModel(ctx context.Context, id int64) (*models.Model, error)
	GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error)
	CreateModel(ctx context.Context, m *models.Model) error
	UpdateModel(ctx context.Context, m *models.Model) error
	DeleteModel(ctx context.Context, id int64) error
}

// ── Identity Store ───────────────────────────────────────────

type IdentityStore interface {
	GetIdentity(ctx context.Context, id string) (*models.Identity, error)
	CreateIdentity(ctx context.Context, identity *models.Identity) error
	UpdateIdentity(ctx context.Context, identity *models.Identity) error
}

// ── API Key Store ────────────────────────────────────────────

type APIKeyStore interface {
	// GetAPIKeyByHashPrefix resolves a credential by the indexed prefix of
	// its hash (an unsalted SHA-256 hex digest), avoiding a full-table scan
	// on every request.
	GetAPIKeyByHashPrefix(ctx context.Context, hashPrefix string) (*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, hashPrefix string) error
}

// ── Usage Store ──────────────────────────────────────────────

type UsageStore interface {
	// AppendUsageRow is fire-and-forget from the caller's perspective:
	// failures to persist usage must never fail the request.
	AppendUsageRow(ctx context.Context, row *models.UsageRow) error
	ListUsage(ctx context.Context, filter ListFilter) ([]models.UsageRow, error)
}

// ── Config KV Store ──────────────────────────────────────────

// ConfigKVStore is an opaque key/value area used for small pieces of
// operational state; the registry snapshot ("model_registry") is the one
// key the core writes to it.
type ConfigKVStore interface {
	GetConfigValue(ctx context.Context, key string) (string, bool, error)
	SetConfigValue(ctx context.Context, key, value string) error
}

// ── Errors ───────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Filter helpers ───────────────────────────────────────────

// ListFilter provides common pagination/filter options.
type ListFilter struct {
	Limit           int
	Offset          int
	Since           *time.Time
	IncludeArchived bool
}
