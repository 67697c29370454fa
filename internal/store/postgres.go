package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/aulendur/cortex/pkg/models"
)

// PostgresStore is the production Store backend, built on pgx/v5's pool:
// every Model/Identity/APIKey/Usage/ConfigKV operation goes through a
// pooled connection instead of an in-process map.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against the given DSN. Callers
// must invoke Migrate before relying on the schema existing.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PostgresStore) Close() error                   { s.pool.Close(); return nil }

// Migrate creates the persistence schema if it does not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS models (
	id               BIGSERIAL PRIMARY KEY,
	display_name     TEXT NOT NULL,
	served_name      TEXT NOT NULL,
	engine_kind      TEXT NOT NULL,
	task             TEXT NOT NULL,
	remote_repo      TEXT,
	local_path       TEXT,
	engine_params    JSONB,
	state            TEXT NOT NULL,
	port             INT,
	container_name   TEXT,
	container_id     TEXT,
	last_failure     TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS models_served_name_live_idx
	ON models (served_name) WHERE state <> 'archived';

CREATE TABLE IF NOT EXISTS identities (
	id           TEXT PRIMARY KEY,
	display_name TEXT,
	scopes       JSONB NOT NULL DEFAULT '[]',
	rate_override JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS api_keys (
	hash_prefix TEXT PRIMARY KEY,
	full_hash   TEXT NOT NULL,
	identity_id TEXT NOT NULL REFERENCES identities(id),
	revoked     BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage (
	request_id        TEXT PRIMARY KEY,
	identity_id       TEXT,
	served_name       TEXT NOT NULL,
	task              TEXT NOT NULL,
	prompt_tokens     BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	latency_ms        BIGINT NOT NULL DEFAULT 0,
	status            INT NOT NULL,
	started_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS usage_started_at_idx ON usage (started_at);

CREATE TABLE IF NOT EXISTS config_kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("postgres schema migrated")
	return nil
}

// ── Models ───────────────────────────────────────────────────

type engineParamsJSON struct {
	Transformer *models.TransformerParams `json:"transformer,omitempty"`
	Quantized   *models.QuantizedParams   `json:"quantized,omitempty"`
}

func (s *PostgresStore) ListModels(ctx context.Context, filter ListFilter) ([]models.Model, error) {
	q := `SELECT id, display_name, served_name, engine_kind, task, remote_repo, local_path,
	             engine_params, state, port, container_name, container_id, last_failure, created_at, updated_at
	      FROM models`
	if !filter.IncludeArchived {
		q += ` WHERE state <> 'archived'`
	}
	q += ` ORDER BY id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetModel(ctx context.Context, id int64) (*models.Model, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, display_name, served_name, engine_kind, task, remote_repo, local_path,
	       engine_params, state, port, container_name, container_id, last_failure, created_at, updated_at
	       FROM models WHERE id=$1`, id)
	m, err := scanModel(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{Entity: "model", Key: itoaKey(id)}
		}
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) GetModelByServedName(ctx context.Context, servedName string) (*models.Model, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, display_name, served_name, engine_kind, task, remote_repo, local_path,
	       engine_params, state, port, container_name, container_id, last_failure, created_at, updated_at
	       FROM models WHERE served_name=$1 AND state <> 'archived'`, servedName)
	m, err := scanModel(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{Entity: "model", Key: servedName}
		}
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) CreateModel(ctx context.Context, m *models.Model) error {
	params, err := json.Marshal(engineParamsJSON{Transformer: m.TransformerParams, Quantized: m.QuantizedParams})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	return s.pool.QueryRow(ctx, `INSERT INTO models
		(display_name, served_name, engine_kind, task, remote_repo, local_path, engine_params, state,
		 port, container_name, container_id, last_failure, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`,
		m.DisplayName, m.ServedName, m.EngineKind, m.Task, m.RemoteRepo, m.LocalPath, params, m.State,
		nullableInt(m.Port), m.ContainerName, m.ContainerID, m.LastFailure, m.CreatedAt, m.UpdatedAt).Scan(&m.ID)
}

func (s *PostgresStore) UpdateModel(ctx context.Context, m *models.Model) error {
	params, err := json.Marshal(engineParamsJSON{Transformer: m.TransformerParams, Quantized: m.QuantizedParams})
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE models SET display_name=$1, served_name=$2, engine_kind=$3, task=$4,
		remote_repo=$5, local_path=$6, engine_params=$7, state=$8, port=$9, container_name=$10,
		container_id=$11, last_failure=$12, updated_at=$13 WHERE id=$14`,
		m.DisplayName, m.ServedName, m.EngineKind, m.Task, m.RemoteRepo, m.LocalPath, params, m.State,
		nullableInt(m.Port), m.ContainerName, m.ContainerID, m.LastFailure, m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: itoaKey(m.ID)}
	}
	return nil
}

func (s *PostgresStore) DeleteModel(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM models WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "model", Key: itoaKey(id)}
	}
	return nil
}

func nullableInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanModel(row rowScanner) (*models.Model, error) {
	var m models.Model
	var params []byte
	var port *int
	if err := row.Scan(&m.ID, &m.DisplayName, &m.ServedName, &m.EngineKind, &m.Task, &m.RemoteRepo, &m.LocalPath,
		&params, &m.State, &port, &m.ContainerName, &m.ContainerID, &m.LastFailure, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if port != nil {
		m.Port = *port
	}
	if len(params) > 0 {
		var ep engineParamsJSON
		if err := json.Unmarshal(params, &ep); err == nil {
			m.TransformerParams = ep.Transformer
			m.QuantizedParams = ep.Quantized
		}
	}
	return &m, nil
}

// ── Identities ───────────────────────────────────────────────

func (s *PostgresStore) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	var ident models.Identity
	var scopes, override []byte
	err := s.pool.QueryRow(ctx, `SELECT id, display_name, scopes, rate_override, created_at FROM identities WHERE id=$1`, id).
		Scan(&ident.ID, &ident.DisplayName, &scopes, &override, &ident.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{Entity: "identity", Key: id}
		}
		return nil, err
	}
	_ = json.Unmarshal(scopes, &ident.Scopes)
	if len(override) > 0 {
		var ro models.RateOverride
		if err := json.Unmarshal(override, &ro); err == nil {
			ident.RateOverride = &ro
		}
	}
	return &ident, nil
}

func (s *PostgresStore) CreateIdentity(ctx context.Context, identity *models.Identity) error {
	scopes, _ := json.Marshal(identity.Scopes)
	override, _ := json.Marshal(identity.RateOverride)
	identity.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO identities (id, display_name, scopes, rate_override, created_at)
		VALUES ($1,$2,$3,$4,$5)`, identity.ID, identity.DisplayName, scopes, override, identity.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateIdentity(ctx context.Context, identity *models.Identity) error {
	scopes, _ := json.Marshal(identity.Scopes)
	override, _ := json.Marshal(identity.RateOverride)
	tag, err := s.pool.Exec(ctx, `UPDATE identities SET display_name=$1, scopes=$2, rate_override=$3 WHERE id=$4`,
		identity.DisplayName, scopes, override, identity.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "identity", Key: identity.ID}
	}
	return nil
}

// ── API Keys ─────────────────────────────────────────────────

func (s *PostgresStore) GetAPIKeyByHashPrefix(ctx context.Context, hashPrefix string) (*models.APIKey, error) {
	var k models.APIKey
	err := s.pool.QueryRow(ctx, `SELECT hash_prefix, full_hash, identity_id, revoked, created_at
		FROM api_keys WHERE hash_prefix=$1`, hashPrefix).
		Scan(&k.HashPrefix, &k.FullHash, &k.IdentityID, &k.Revoked, &k.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{Entity: "api_key", Key: hashPrefix}
		}
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	key.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO api_keys (hash_prefix, full_hash, identity_id, revoked, created_at)
		VALUES ($1,$2,$3,$4,$5)`, key.HashPrefix, key.FullHash, key.IdentityID, key.Revoked, key.CreatedAt)
	return err
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, hashPrefix string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET revoked=true WHERE hash_prefix=$1`, hashPrefix)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "api_key", Key: hashPrefix}
	}
	return nil
}

// ── Usage ────────────────────────────────────────────────────

func (s *PostgresStore) AppendUsageRow(ctx context.Context, row *models.UsageRow) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO usage
		(request_id, identity_id, served_name, task, prompt_tokens, completion_tokens, latency_ms, status, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (request_id) DO NOTHING`,
		row.RequestID, row.IdentityID, row.ServedName, row.Task, row.PromptTokens, row.CompletionTokens,
		row.LatencyMs, row.Status, row.StartedAt)
	return err
}

func (s *PostgresStore) ListUsage(ctx context.Context, filter ListFilter) ([]models.UsageRow, error) {
	q := `SELECT request_id, identity_id, served_name, task, prompt_tokens, completion_tokens, latency_ms, status, started_at
	      FROM usage`
	args := []interface{}{}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		q += fmt.Sprintf(" WHERE started_at >= $%d", len(args))
	}
	q += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UsageRow
	for rows.Next() {
		var r models.UsageRow
		if err := rows.Scan(&r.RequestID, &r.IdentityID, &r.ServedName, &r.Task, &r.PromptTokens,
			&r.CompletionTokens, &r.LatencyMs, &r.Status, &r.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Config KV ────────────────────────────────────────────────

func (s *PostgresStore) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config_kv WHERE key=$1`, key).Scan(&v)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (s *PostgresStore) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO config_kv (key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`, key, value)
	return err
}
