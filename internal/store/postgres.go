package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemos-io/mnemos/internal/domain"
)

const memoryColumns = `id, tenant_id, agent_id, project, session_id, content, layer, importance,
	access_count, last_accessed_at, expires_at, tags, metadata,
	source_memory_ids, reflection_type, confidence, embedding_models,
	version, created_at, modified_at`

// MemoryStore is the Postgres metadata store.
type MemoryStore struct {
	db *pgxpool.Pool
}

func NewMemoryStore(db *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{db: db}
}

func scanMemory(row pgx.Row) (*domain.Memory, error) {
	m := &domain.Memory{}
	var reflectionType *string
	err := row.Scan(
		&m.ID, &m.TenantID, &m.AgentID, &m.Project, &m.SessionID, &m.Content, &m.Layer, &m.Importance,
		&m.AccessCount, &m.LastAccessedAt, &m.ExpiresAt, &m.Tags, &m.Metadata,
		&m.SourceMemoryIDs, &reflectionType, &m.Confidence, &m.EmbeddingModels,
		&m.Version, &m.CreatedAt, &m.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	if reflectionType != nil {
		m.ReflectionType = domain.ReflectionType(*reflectionType)
	}
	return m, nil
}

func (s *MemoryStore) Create(ctx context.Context, m *domain.Memory) error {
	var reflectionType *string
	if m.ReflectionType != "" {
		rt := string(m.ReflectionType)
		reflectionType = &rt
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO memories (id, tenant_id, agent_id, project, session_id, content, layer, importance,
			access_count, last_accessed_at, expires_at, tags, metadata,
			source_memory_ids, reflection_type, confidence, embedding_models,
			version, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		m.ID, m.TenantID, m.AgentID, m.Project, m.SessionID, m.Content, m.Layer, m.Importance,
		m.AccessCount, m.LastAccessedAt, m.ExpiresAt, m.Tags, m.Metadata,
		m.SourceMemoryIDs, reflectionType, m.Confidence, m.EmbeddingModels,
		m.Version, m.CreatedAt, m.ModifiedAt,
	)
	return wrapDBErr("create memory", err)
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*domain.Memory, error) {
	m, err := scanMemory(s.db.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: memory %s", ErrNotFound, id)
		}
		return nil, wrapDBErr("get memory", err)
	}
	return m, nil
}

// filterSQL renders a ListFilter into WHERE conditions. The tenant condition
// is always first.
func filterSQL(tenantID uuid.UUID, f domain.ListFilter) ([]string, []any) {
	conditions := []string{"tenant_id = $1"}
	args := []any{tenantID}

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
	if len(f.Layers) > 0 {
		layers := make([]string, len(f.Layers))
		for i, l := range f.Layers {
			layers[i] = string(l)
		}
		add("layer = ANY($%d)", layers)
	}
	if f.Project != "" {
		add("project = $%d", f.Project)
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if len(f.Tags) > 0 {
		add("tags @> $%d", f.Tags)
	}
	if f.Since != nil {
		add("modified_at >= $%d", *f.Since)
	}
	if f.MinImportance != nil {
		add("importance >= $%d", *f.MinImportance)
	}
	if f.NotExpired {
		conditions = append(conditions, "(expires_at IS NULL OR expires_at >= NOW())")
	}
	if len(f.MemoryIDs) > 0 {
		add("id = ANY($%d)", f.MemoryIDs)
	}
	return conditions, args
}

func limitSQL(f domain.ListFilter) string {
	var sb strings.Builder
	if f.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", f.Offset)
	}
	return sb.String()
}

func (s *MemoryStore) List(ctx context.Context, tenantID uuid.UUID, f domain.ListFilter) ([]domain.Memory, error) {
	conditions, args := filterSQL(tenantID, f)

	rows, err := s.db.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE `+strings.Join(conditions, " AND ")+
			` ORDER BY created_at ASC, id ASC`+limitSQL(f),
		args...,
	)
	if err != nil {
		return nil, wrapDBErr("list memories", err)
	}
	defer rows.Close()

	var out []domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out = append(out, *m)
	}
	return out, wrapDBErr("list memories", rows.Err())
}

// Search ranks rows by Postgres full-text match quality against the query.
func (s *MemoryStore) Search(ctx context.Context, tenantID uuid.UUID, query string, f domain.ListFilter) ([]domain.ScoredMemory, error) {
	conditions, args := filterSQL(tenantID, f)

	args = append(args, query)
	tsParam := len(args)
	conditions = append(conditions,
		fmt.Sprintf("to_tsvector('simple', content) @@ plainto_tsquery('simple', $%d)", tsParam))

	rows, err := s.db.Query(ctx,
		fmt.Sprintf(`SELECT `+memoryColumns+`,
			ts_rank(to_tsvector('simple', content), plainto_tsquery('simple', $%d)) AS score
		 FROM memories WHERE %s
		 ORDER BY score DESC, created_at ASC%s`,
			tsParam, strings.Join(conditions, " AND "), limitSQL(f)),
		args...,
	)
	if err != nil {
		return nil, wrapDBErr("search memories", err)
	}
	defer rows.Close()

	var out []domain.ScoredMemory
	for rows.Next() {
		var sm domain.ScoredMemory
		m := &sm.Memory
		var reflectionType *string
		err := rows.Scan(
			&m.ID, &m.TenantID, &m.AgentID, &m.Project, &m.SessionID, &m.Content, &m.Layer, &m.Importance,
			&m.AccessCount, &m.LastAccessedAt, &m.ExpiresAt, &m.Tags, &m.Metadata,
			&m.SourceMemoryIDs, &reflectionType, &m.Confidence, &m.EmbeddingModels,
			&m.Version, &m.CreatedAt, &m.ModifiedAt,
			&sm.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		if reflectionType != nil {
			m.ReflectionType = domain.ReflectionType(*reflectionType)
		}
		out = append(out, sm)
	}
	return out, wrapDBErr("search memories", rows.Err())
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, fields domain.UpdateFields) (*domain.Memory, error) {
	sets := []string{}
	args := []any{id, tenantID}

	set := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if fields.Content != nil {
		set("content", *fields.Content)
	}
	if fields.Layer != nil {
		set("layer", string(*fields.Layer))
	}
	if fields.Importance != nil {
		set("importance", *fields.Importance)
	}
	if fields.Confidence != nil {
		set("confidence", *fields.Confidence)
	}
	if fields.Tags != nil {
		set("tags", fields.Tags)
	}
	if fields.Metadata != nil {
		set("metadata", fields.Metadata)
	}
	if fields.ClearExpiry {
		sets = append(sets, "expires_at = NULL")
	} else if fields.ExpiresAt != nil {
		set("expires_at", *fields.ExpiresAt)
	}

	if fields.SetVersion != nil {
		set("version", *fields.SetVersion)
	} else {
		sets = append(sets, "version = version + 1")
	}
	if fields.SetModifiedAt != nil {
		set("modified_at", *fields.SetModifiedAt)
	} else {
		sets = append(sets, "modified_at = NOW()")
	}

	m, err := scanMemory(s.db.QueryRow(ctx,
		`UPDATE memories SET `+strings.Join(sets, ", ")+
			` WHERE id = $1 AND tenant_id = $2 RETURNING `+memoryColumns,
		args...,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: memory %s", ErrNotFound, id)
		}
		return nil, wrapDBErr("update memory", err)
	}
	return m, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM memories WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	if err != nil {
		return wrapDBErr("delete memory", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: memory %s", ErrNotFound, id)
	}
	return nil
}

func (s *MemoryStore) DeleteWhere(ctx context.Context, tenantID uuid.UUID, pred domain.DeletePredicate) (int64, error) {
	op, err := predicateOpSQL(pred.Op)
	if err != nil {
		return 0, err
	}

	conditions := []string{"tenant_id = $1"}
	args := []any{tenantID}

	switch pred.Field {
	case "importance", "access_count", "confidence":
		args = append(args, pred.Value)
		conditions = append(conditions, fmt.Sprintf("%s %s $%d", pred.Field, op, len(args)))
	default:
		// A metadata key: numeric comparison against the JSON value.
		args = append(args, pred.Field, pred.Value)
		conditions = append(conditions, fmt.Sprintf(
			"(metadata ? $%d AND (metadata->>$%d)::float8 %s $%d)",
			len(args)-1, len(args)-1, op, len(args)))
	}
	if pred.Layer != nil {
		args = append(args, string(*pred.Layer))
		conditions = append(conditions, fmt.Sprintf("layer = $%d", len(args)))
	}

	tag, err := s.db.Exec(ctx,
		`DELETE FROM memories WHERE `+strings.Join(conditions, " AND "),
		args...,
	)
	if err != nil {
		return 0, wrapDBErr("delete where", err)
	}
	return tag.RowsAffected(), nil
}

func predicateOpSQL(op domain.PredicateOp) (string, error) {
	switch op {
	case domain.PredicateLess:
		return "<", nil
	case domain.PredicateEqual:
		return "=", nil
	}
	return "", fmt.Errorf("%w: unknown predicate op %q", domain.ErrInvalidArgument, op)
}

func (s *MemoryStore) Count(ctx context.Context, tenantID uuid.UUID, f domain.ListFilter) (int64, error) {
	conditions, args := filterSQL(tenantID, f)
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE `+strings.Join(conditions, " AND "),
		args...,
	).Scan(&count)
	return count, wrapDBErr("count memories", err)
}

func (s *MemoryStore) Aggregate(ctx context.Context, tenantID uuid.UUID, f domain.ListFilter, field domain.AggregateField, op domain.AggregateOp) (float64, error) {
	switch field {
	case domain.AggImportance, domain.AggAccessCount:
	default:
		return 0, fmt.Errorf("%w: unknown aggregate field %q", domain.ErrInvalidArgument, field)
	}
	switch op {
	case domain.AggSum, domain.AggAvg, domain.AggMax, domain.AggMin:
	default:
		return 0, fmt.Errorf("%w: unknown aggregate op %q", domain.ErrInvalidArgument, op)
	}

	conditions, args := filterSQL(tenantID, f)
	var out *float64
	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s(%s) FROM memories WHERE %s`,
			strings.ToUpper(string(op)), string(field), strings.Join(conditions, " AND ")),
		args...,
	).Scan(&out)
	if err != nil {
		return 0, wrapDBErr("aggregate memories", err)
	}
	if out == nil {
		return 0, nil
	}
	return *out, nil
}

func (s *MemoryStore) SetExpiry(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, at *time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE memories SET expires_at = $3, version = version + 1, modified_at = NOW()
		 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, at,
	)
	if err != nil {
		return wrapDBErr("set expiry", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: memory %s", ErrNotFound, id)
	}
	return nil
}

// TouchAccess does not bump version: reads are not writes for sync purposes.
func (s *MemoryStore) TouchAccess(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = $3
		 WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, ids, at,
	)
	return wrapDBErr("touch access", err)
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, wrapDBErr("delete expired", err)
	}
	return tag.RowsAffected(), nil
}

func (s *MemoryStore) ListDistinctAgentIDs(ctx context.Context, tenantID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT agent_id FROM memories WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return nil, wrapDBErr("list agent ids", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, wrapDBErr("list agent ids", rows.Err())
}

func (s *MemoryStore) ListTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT tenant_id FROM memories`)
	if err != nil {
		return nil, wrapDBErr("list tenant ids", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, wrapDBErr("list tenant ids", rows.Err())
}
