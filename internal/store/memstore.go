package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-io/mnemos/internal/domain"
)

// InMemoryStore is a mutex-guarded MemoryStore for development and tests.
// Semantics mirror the Postgres store, including ordering and NOT_FOUND.
type InMemoryStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*domain.Memory
	now  func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rows: make(map[uuid.UUID]*domain.Memory),
		now:  time.Now,
	}
}

// SetNowFunc overrides the store's clock, for tests.
func (s *InMemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func cloneMemory(m *domain.Memory) *domain.Memory {
	out := *m
	out.Tags = append([]string(nil), m.Tags...)
	out.SourceMemoryIDs = append([]uuid.UUID(nil), m.SourceMemoryIDs...)
	out.EmbeddingModels = append([]string(nil), m.EmbeddingModels...)
	out.Metadata = m.Metadata.Clone()
	if m.LastAccessedAt != nil {
		t := *m.LastAccessedAt
		out.LastAccessedAt = &t
	}
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

func (s *InMemoryStore) Create(ctx context.Context, m *domain.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[m.ID]; exists {
		return fmt.Errorf("%w: memory %s already exists", domain.ErrConflict, m.ID)
	}
	s.rows[m.ID] = cloneMemory(m)
	return nil
}

func (s *InMemoryStore) GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*domain.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rows[id]
	if !ok || m.TenantID != tenantID {
		return nil, fmt.Errorf("%w: memory %s", ErrNotFound, id)
	}
	return cloneMemory(m), nil
}

func (s *InMemoryStore) matches(m *domain.Memory, tenantID uuid.UUID, f domain.ListFilter) bool {
	if m.TenantID != tenantID {
		return false
	}
	if f.AgentID != nil && m.AgentID != *f.AgentID {
		return false
	}
	if f.Layer != nil && m.Layer != *f.Layer {
		return false
	}
	if len(f.Layers) > 0 {
		found := false
		for _, l := range f.Layers {
			if m.Layer == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Project != "" && m.Project != f.Project {
		return false
	}
	if f.SessionID != "" && m.SessionID != f.SessionID {
		return false
	}
	for _, t := range f.Tags {
		if !m.HasTag(t) {
			return false
		}
	}
	if f.Since != nil && m.ModifiedAt.Before(*f.Since) {
		return false
	}
	if f.MinImportance != nil && m.Importance < *f.MinImportance {
		return false
	}
	if f.NotExpired && m.Expired(s.now()) {
		return false
	}
	if len(f.MemoryIDs) > 0 {
		found := false
		for _, id := range f.MemoryIDs {
			if m.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *InMemoryStore) list(tenantID uuid.UUID, f domain.ListFilter) []*domain.Memory {
	var out []*domain.Memory
	for _, m := range s.rows {
		if s.matches(m, tenantID, f) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func page[T any](rows []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func (s *InMemoryStore) List(ctx context.Context, tenantID uuid.UUID, f domain.ListFilter) ([]domain.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := page(s.list(tenantID, f), f.Limit, f.Offset)
	out := make([]domain.Memory, len(rows))
	for i, m := range rows {
		out[i] = *cloneMemory(m)
	}
	return out, nil
}

// Search scores by the count of query tokens present in the content.
func (s *InMemoryStore) Search(ctx context.Context, tenantID uuid.UUID, query string, f domain.ListFilter) ([]domain.ScoredMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))
	var out []domain.ScoredMemory
	for _, m := range s.list(tenantID, f) {
		content := strings.ToLower(m.Content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				matched++
			}
		}
		if matched > 0 {
			out = append(out, domain.ScoredMemory{Memory: *cloneMemory(m), Score: float64(matched)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return page(out, f.Limit, 0), nil
}

func (s *InMemoryStore) Update(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, fields domain.UpdateFields) (*domain.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.rows[id]
	if !ok || m.TenantID != tenantID {
		return nil, fmt.Errorf("%w: memory %s", ErrNotFound, id)
	}

	if fields.Content != nil {
		m.Content = *fields.Content
	}
	if fields.Layer != nil {
		m.Layer = *fields.Layer
	}
	if fields.Importance != nil {
		m.Importance = *fields.Importance
	}
	if fields.Confidence != nil {
		m.Confidence = *fields.Confidence
	}
	if fields.Tags != nil {
		m.Tags = append([]string(nil), fields.Tags...)
	}
	if fields.Metadata != nil {
		m.Metadata = fields.Metadata.Clone()
	}
	if fields.ClearExpiry {
		m.ExpiresAt = nil
	} else if fields.ExpiresAt != nil {
		t := *fields.ExpiresAt
		m.ExpiresAt = &t
	}

	if fields.SetVersion != nil {
		m.Version = *fields.SetVersion
	} else {
		m.Version++
	}
	if fields.SetModifiedAt != nil {
		m.ModifiedAt = *fields.SetModifiedAt
	} else {
		m.ModifiedAt = s.now()
	}
	return cloneMemory(m), nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok || m.TenantID != tenantID {
		return fmt.Errorf("%w: memory %s", ErrNotFound, id)
	}
	delete(s.rows, id)
	return nil
}

func (s *InMemoryStore) DeleteWhere(ctx context.Context, tenantID uuid.UUID, pred domain.DeletePredicate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, m := range s.rows {
		if m.TenantID != tenantID {
			continue
		}
		if pred.Layer != nil && m.Layer != *pred.Layer {
			continue
		}
		val, ok := predicateValue(m, pred.Field)
		if !ok {
			continue
		}
		hit := false
		switch pred.Op {
		case domain.PredicateLess:
			hit = val < pred.Value
		case domain.PredicateEqual:
			hit = val == pred.Value
		default:
			return deleted, fmt.Errorf("%w: unknown predicate op %q", domain.ErrInvalidArgument, pred.Op)
		}
		if hit {
			delete(s.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

func predicateValue(m *domain.Memory, field string) (float64, bool) {
	switch field {
	case "importance":
		return m.Importance, true
	case "access_count":
		return float64(m.AccessCount), true
	case "confidence":
		return m.Confidence, true
	}
	v, ok := m.Metadata[field]
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case domain.KindInt:
		return float64(v.Int), true
	case domain.KindFloat:
		return v.Float, true
	}
	return 0, false
}

func (s *InMemoryStore) Count(ctx context.Context, tenantID uuid.UUID, f domain.ListFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.list(tenantID, f))), nil
}

func (s *InMemoryStore) Aggregate(ctx context.Context, tenantID uuid.UUID, f domain.ListFilter, field domain.AggregateField, op domain.AggregateOp) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.list(tenantID, f)
	if len(rows) == 0 {
		return 0, nil
	}

	values := make([]float64, len(rows))
	for i, m := range rows {
		switch field {
		case domain.AggImportance:
			values[i] = m.Importance
		case domain.AggAccessCount:
			values[i] = float64(m.AccessCount)
		default:
			return 0, fmt.Errorf("%w: unknown aggregate field %q", domain.ErrInvalidArgument, field)
		}
	}

	switch op {
	case domain.AggSum, domain.AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		if op == domain.AggAvg {
			return sum / float64(len(values)), nil
		}
		return sum, nil
	case domain.AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	case domain.AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	}
	return 0, fmt.Errorf("%w: unknown aggregate op %q", domain.ErrInvalidArgument, op)
}

func (s *InMemoryStore) SetExpiry(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok || m.TenantID != tenantID {
		return fmt.Errorf("%w: memory %s", ErrNotFound, id)
	}
	if at == nil {
		m.ExpiresAt = nil
	} else {
		t := *at
		m.ExpiresAt = &t
	}
	m.Version++
	m.ModifiedAt = s.now()
	return nil
}

func (s *InMemoryStore) TouchAccess(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		m, ok := s.rows[id]
		if !ok || m.TenantID != tenantID {
			continue
		}
		m.AccessCount++
		t := at
		m.LastAccessedAt = &t
	}
	return nil
}

func (s *InMemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, m := range s.rows {
		if m.Expired(now) {
			delete(s.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *InMemoryStore) ListDistinctAgentIDs(ctx context.Context, tenantID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, m := range s.rows {
		if m.TenantID == tenantID && !seen[m.AgentID] {
			seen[m.AgentID] = true
			out = append(out, m.AgentID)
		}
	}
	sortUUIDs(out)
	return out, nil
}

func (s *InMemoryStore) ListTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, m := range s.rows {
		if !seen[m.TenantID] {
			seen[m.TenantID] = true
			out = append(out, m.TenantID)
		}
	}
	sortUUIDs(out)
	return out, nil
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
