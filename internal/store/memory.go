package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aulendur/cortex/pkg/models"
)

// MemoryStore is the zero-configuration, in-process Store implementation.
// Used in development and by the test suite; production deployments should
// use the PostgreSQL-backed implementation in postgres.go.
type MemoryStore struct {
	mu         sync.RWMutex
	models     map[int64]*models.Model
	nextID     int64
	identities map[string]*models.Identity
	apiKeys    map[string]*models.APIKey // keyed by hash prefix
	usage      []models.UsageRow
	configKV   map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		models:     make(map[int64]*models.Model),
		identities: make(map[string]*models.Identity),
		apiKeys:    make(map[string]*models.APIKey),
		configKV:   make(map[string]string),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error    { return nil }
func (s *MemoryStore) Close() error                    { return nil }
func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Models ───────────────────────────────────────────────────

func (s *MemoryStore) ListModels(_ context.Context, filter ListFilter) ([]models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Model, 0, len(s.models))
	for _, m := range s.models {
		if !filter.IncludeArchived && m.State == models.StateArchived {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return applyLimitOffset(out, filter), nil
}

func (s *MemoryStore) GetModel(_ context.Context, id int64) (*models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "model", Key: itoaKey(id)}
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetModelByServedName(_ context.Context, servedName string) (*models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.ServedName == servedName && m.State != models.StateArchived {
			cp := *m
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "model", Key: servedName}
}

func (s *MemoryStore) CreateModel(_ context.Context, m *models.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	cp := *m
	s.models[m.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateModel(_ context.Context, m *models.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.ID]; !ok {
		return &ErrNotFound{Entity: "model", Key: itoaKey(m.ID)}
	}
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	s.models[m.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteModel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return &ErrNotFound{Entity: "model", Key: itoaKey(id)}
	}
	delete(s.models, id)
	return nil
}

// ── Identities ───────────────────────────────────────────────

func (s *MemoryStore) GetIdentity(_ context.Context, id string) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "identity", Key: id}
	}
	cp := *ident
	return &cp, nil
}

func (s *MemoryStore) CreateIdentity(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity.CreatedAt = time.Now().UTC()
	cp := *identity
	s.identities[identity.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateIdentity(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identity.ID]; !ok {
		return &ErrNotFound{Entity: "identity", Key: identity.ID}
	}
	cp := *identity
	s.identities[identity.ID] = &cp
	return nil
}

// ── API Keys ─────────────────────────────────────────────────

func (s *MemoryStore) GetAPIKeyByHashPrefix(_ context.Context, hashPrefix string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.apiKeys[hashPrefix]
	if !ok {
		return nil, &ErrNotFound{Entity: "api_key", Key: hashPrefix}
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key.CreatedAt = time.Now().UTC()
	cp := *key
	s.apiKeys[key.HashPrefix] = &cp
	return nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, hashPrefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[hashPrefix]
	if !ok {
		return &ErrNotFound{Entity: "api_key", Key: hashPrefix}
	}
	k.Revoked = true
	return nil
}

// ── Usage ────────────────────────────────────────────────────

func (s *MemoryStore) AppendUsageRow(_ context.Context, row *models.UsageRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, *row)
	return nil
}

func (s *MemoryStore) ListUsage(_ context.Context, filter ListFilter) ([]models.UsageRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.UsageRow, 0, len(s.usage))
	for _, row := range s.usage {
		if filter.Since != nil && row.StartedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, row)
	}
	return applyLimitOffsetUsage(out, filter), nil
}

// ── Config KV ────────────────────────────────────────────────

func (s *MemoryStore) GetConfigValue(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.configKV[key]
	return v, ok, nil
}

func (s *MemoryStore) SetConfigValue(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configKV[key] = value
	return nil
}

// ── helpers ──────────────────────────────────────────────────

func applyLimitOffset(items []models.Model, filter ListFilter) []models.Model {
	if filter.Offset > 0 && filter.Offset < len(items) {
		items = items[filter.Offset:]
	} else if filter.Offset >= len(items) {
		return nil
	}
	if filter.Limit > 0 && filter.Limit < len(items) {
		items = items[:filter.Limit]
	}
	return items
}

func applyLimitOffsetUsage(items []models.UsageRow, filter ListFilter) []models.UsageRow {
	if filter.Offset > 0 && filter.Offset < len(items) {
		items = items[filter.Offset:]
	} else if filter.Offset >= len(items) {
		return nil
	}
	if filter.Limit > 0 && filter.Limit < len(items) {
		items = items[:filter.Limit]
	}
	return items
}

func itoaKey(id int64) string {
	if id == 0 {
		return "0"
	}
	neg := id < 0
	if neg {
		id = -id
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
