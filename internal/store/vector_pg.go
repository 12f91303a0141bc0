package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/mnemos-io/mnemos/internal/domain"
)

// VectorStore is the pgvector-backed ANN store. One row per
// (memory_id, model), payload columns mirror the isolation fields.
type VectorStore struct {
	db *pgxpool.Pool
}

func NewVectorStore(db *pgxpool.Pool) *VectorStore {
	return &VectorStore{db: db}
}

func (s *VectorStore) StoreVector(ctx context.Context, rec domain.VectorRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO memory_vectors (memory_id, model, tenant_id, agent_id, layer, project, tags, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (memory_id, model) DO UPDATE
		 SET layer = EXCLUDED.layer, project = EXCLUDED.project,
		     tags = EXCLUDED.tags, embedding = EXCLUDED.embedding`,
		rec.MemoryID, rec.Model, rec.TenantID, rec.AgentID, string(rec.Layer), rec.Project, rec.Tags,
		pgvector.NewVector(rec.Embedding),
	)
	return wrapDBErr("store vector", err)
}

func (s *VectorStore) StoreBatch(ctx context.Context, recs []domain.VectorRecord) error {
	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(
			`INSERT INTO memory_vectors (memory_id, model, tenant_id, agent_id, layer, project, tags, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (memory_id, model) DO UPDATE
			 SET layer = EXCLUDED.layer, project = EXCLUDED.project,
			     tags = EXCLUDED.tags, embedding = EXCLUDED.embedding`,
			rec.MemoryID, rec.Model, rec.TenantID, rec.AgentID, string(rec.Layer), rec.Project, rec.Tags,
			pgvector.NewVector(rec.Embedding),
		)
	}
	return wrapDBErr("store vector batch", s.db.SendBatch(ctx, batch).Close())
}

func vectorFilterSQL(tenantID uuid.UUID, model string, f domain.VectorFilter) ([]string, []any) {
	conditions := []string{"tenant_id = $1", "model = $2"}
	args := []any{tenantID, model}

	add := func(cond string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if f.AgentID != nil {
		add("agent_id = $%d", *f.AgentID)
	}
	if f.Layer != nil {
		add("layer = $%d", string(*f.Layer))
	}
	if f.Project != "" {
		add("project = $%d", f.Project)
	}
	if len(f.Tags) > 0 {
		add("tags @> $%d", f.Tags)
	}
	return conditions, args
}

func (s *VectorStore) Search(ctx context.Context, tenantID uuid.UUID, query []float32, f domain.VectorFilter, limit int, scoreThreshold float64, model string) ([]domain.VectorMatch, error) {
	conditions, args := vectorFilterSQL(tenantID, model, f)

	args = append(args, pgvector.NewVector(query))
	vecParam := len(args)
	if scoreThreshold > 0 {
		args = append(args, scoreThreshold)
		conditions = append(conditions, fmt.Sprintf("1 - (embedding <=> $%d) >= $%d", vecParam, len(args)))
	}
	args = append(args, limit)

	rows, err := s.db.Query(ctx,
		fmt.Sprintf(`SELECT memory_id, 1 - (embedding <=> $%d) AS score
		 FROM memory_vectors WHERE %s
		 ORDER BY score DESC, memory_id ASC
		 LIMIT $%d`,
			vecParam, strings.Join(conditions, " AND "), len(args)),
		args...,
	)
	if err != nil {
		return nil, wrapDBErr("vector search", err)
	}
	defer rows.Close()
	return scanMatches(rows)
}

// SearchWithContradictionPenalty damps hits whose stored vector points away
// from the query: when dot(embedding, query) < dotThreshold, the cosine
// score is multiplied by penalty.
func (s *VectorStore) SearchWithContradictionPenalty(ctx context.Context, tenantID uuid.UUID, query []float32, f domain.VectorFilter, limit int, dotThreshold, penalty float64, model string) ([]domain.VectorMatch, error) {
	conditions, args := vectorFilterSQL(tenantID, model, f)

	args = append(args, pgvector.NewVector(query))
	vecParam := len(args)
	args = append(args, dotThreshold)
	thrParam := len(args)
	args = append(args, penalty)
	penParam := len(args)
	args = append(args, limit)

	// <#> is negative inner product, so the dot product is its negation.
	rows, err := s.db.Query(ctx,
		fmt.Sprintf(`SELECT memory_id,
			(1 - (embedding <=> $%d)) *
			CASE WHEN -(embedding <#> $%d) < $%d THEN $%d ELSE 1 END AS score
		 FROM memory_vectors WHERE %s
		 ORDER BY score DESC, memory_id ASC
		 LIMIT $%d`,
			vecParam, vecParam, thrParam, penParam, strings.Join(conditions, " AND "), len(args)),
		args...,
	)
	if err != nil {
		return nil, wrapDBErr("penalized vector search", err)
	}
	defer rows.Close()
	return scanMatches(rows)
}

func scanMatches(rows pgx.Rows) ([]domain.VectorMatch, error) {
	var out []domain.VectorMatch
	for rows.Next() {
		var m domain.VectorMatch
		if err := rows.Scan(&m.MemoryID, &m.Score); err != nil {
			return nil, fmt.Errorf("scan vector match: %w", err)
		}
		out = append(out, m)
	}
	return out, wrapDBErr("vector search rows", rows.Err())
}

func (s *VectorStore) GetVector(ctx context.Context, memoryID uuid.UUID, tenantID uuid.UUID, model string) (*domain.VectorRecord, error) {
	rec := &domain.VectorRecord{}
	var layer string
	var vec pgvector.Vector
	err := s.db.QueryRow(ctx,
		`SELECT memory_id, model, tenant_id, agent_id, layer, project, tags, embedding
		 FROM memory_vectors WHERE memory_id = $1 AND tenant_id = $2 AND model = $3`,
		memoryID, tenantID, model,
	).Scan(&rec.MemoryID, &rec.Model, &rec.TenantID, &rec.AgentID, &layer, &rec.Project, &rec.Tags, &vec)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: vector for memory %s", ErrNotFound, memoryID)
		}
		return nil, wrapDBErr("get vector", err)
	}
	rec.Layer = domain.Layer(layer)
	rec.Embedding = vec.Slice()
	return rec, nil
}

func (s *VectorStore) DeleteVector(ctx context.Context, memoryID uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM memory_vectors WHERE memory_id = $1 AND tenant_id = $2`,
		memoryID, tenantID,
	)
	if err != nil {
		return wrapDBErr("delete vector", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: vector for memory %s", ErrNotFound, memoryID)
	}
	return nil
}

func (s *VectorStore) DeleteByLayer(ctx context.Context, tenantID uuid.UUID, layer domain.Layer) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM memory_vectors WHERE tenant_id = $1 AND layer = $2`,
		tenantID, string(layer),
	)
	if err != nil {
		return 0, wrapDBErr("delete vectors by layer", err)
	}
	return tag.RowsAffected(), nil
}

func (s *VectorStore) CountVectors(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM memory_vectors WHERE tenant_id = $1`,
		tenantID,
	).Scan(&count)
	return count, wrapDBErr("count vectors", err)
}

func (s *VectorStore) ListIDs(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT memory_id::text FROM memory_vectors
		 WHERE tenant_id = $1 ORDER BY 1 OFFSET $2 LIMIT $3`,
		tenantID, offset, limit,
	)
	if err != nil {
		return nil, wrapDBErr("list vector ids", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, wrapDBErr("list vector ids", rows.Err())
}
