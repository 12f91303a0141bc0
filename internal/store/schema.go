package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS tenants (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		api_key_hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS memories (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		agent_id UUID NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		layer TEXT NOT NULL,
		importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		access_count BIGINT NOT NULL DEFAULT 0,
		last_accessed_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		tags TEXT[] NOT NULL DEFAULT '{}',
		metadata JSONB NOT NULL DEFAULT '{}',
		source_memory_ids UUID[] NOT NULL DEFAULT '{}',
		reflection_type TEXT,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		embedding_models TEXT[] NOT NULL DEFAULT '{}',
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		modified_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_tenant_layer ON memories (tenant_id, layer)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_tenant_agent ON memories (tenant_id, agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_expires_at ON memories (expires_at) WHERE expires_at IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_memories_content_fts ON memories USING GIN (to_tsvector('simple', content))`,
	`CREATE INDEX IF NOT EXISTS idx_memories_tags ON memories USING GIN (tags)`,

	`CREATE TABLE IF NOT EXISTS memory_vectors (
		memory_id UUID NOT NULL,
		model TEXT NOT NULL,
		tenant_id UUID NOT NULL,
		agent_id UUID NOT NULL,
		layer TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		embedding VECTOR(1536) NOT NULL,
		PRIMARY KEY (memory_id, model)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_vectors_tenant ON memory_vectors (tenant_id)`,

	`CREATE TABLE IF NOT EXISTS bandit_state (
		instance_id TEXT PRIMARY KEY,
		state JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS retrieval_feedback (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		arm_level TEXT NOT NULL,
		arm_name TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		reward DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_retrieval_feedback_created ON retrieval_feedback (created_at DESC)`,
}

// Migrate applies the schema idempotently.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return wrapDBErr("migrate", err)
		}
	}
	return nil
}
