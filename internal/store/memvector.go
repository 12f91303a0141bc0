package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/score"
)

type vectorKey struct {
	memoryID uuid.UUID
	model    string
}

// InMemoryVectorStore is a brute-force VectorStore for development and
// tests. Scores are cosine similarity, matching the pgvector store.
type InMemoryVectorStore struct {
	mu   sync.RWMutex
	recs map[vectorKey]domain.VectorRecord
}

func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{recs: make(map[vectorKey]domain.VectorRecord)}
}

func cloneRecord(rec domain.VectorRecord) domain.VectorRecord {
	rec.Tags = append([]string(nil), rec.Tags...)
	rec.Embedding = append([]float32(nil), rec.Embedding...)
	return rec
}

func (s *InMemoryVectorStore) StoreVector(ctx context.Context, rec domain.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[vectorKey{rec.MemoryID, rec.Model}] = cloneRecord(rec)
	return nil
}

func (s *InMemoryVectorStore) StoreBatch(ctx context.Context, recs []domain.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.recs[vectorKey{rec.MemoryID, rec.Model}] = cloneRecord(rec)
	}
	return nil
}

func (s *InMemoryVectorStore) candidates(tenantID uuid.UUID, f domain.VectorFilter, model string) []domain.VectorRecord {
	var out []domain.VectorRecord
	for key, rec := range s.recs {
		if key.model != model || rec.TenantID != tenantID {
			continue
		}
		if f.AgentID != nil && rec.AgentID != *f.AgentID {
			continue
		}
		if f.Layer != nil && rec.Layer != *f.Layer {
			continue
		}
		if f.Project != "" && rec.Project != f.Project {
			continue
		}
		if !hasAllTags(rec.Tags, f.Tags) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MemoryID.String() < out[j].MemoryID.String()
	})
	return out
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
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

func (s *InMemoryVectorStore) Search(ctx context.Context, tenantID uuid.UUID, query []float32, f domain.VectorFilter, limit int, scoreThreshold float64, model string) ([]domain.VectorMatch, error) {
	return s.search(tenantID, query, f, limit, scoreThreshold, model, 0, 0)
}

func (s *InMemoryVectorStore) SearchWithContradictionPenalty(ctx context.Context, tenantID uuid.UUID, query []float32, f domain.VectorFilter, limit int, dotThreshold, penalty float64, model string) ([]domain.VectorMatch, error) {
	return s.search(tenantID, query, f, limit, 0, model, dotThreshold, penalty)
}

func (s *InMemoryVectorStore) search(tenantID uuid.UUID, query []float32, f domain.VectorFilter, limit int, scoreThreshold float64, model string, dotThreshold, penalty float64) ([]domain.VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.VectorMatch
	for _, rec := range s.candidates(tenantID, f, model) {
		sc := score.CosineSimilarity(query, rec.Embedding)
		if penalty > 0 && dot(query, rec.Embedding) < dotThreshold {
			sc *= penalty
		}
		if scoreThreshold > 0 && sc < scoreThreshold {
			continue
		}
		out = append(out, domain.VectorMatch{MemoryID: rec.MemoryID, Score: sc})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func (s *InMemoryVectorStore) GetVector(ctx context.Context, memoryID uuid.UUID, tenantID uuid.UUID, model string) (*domain.VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[vectorKey{memoryID, model}]
	if !ok || rec.TenantID != tenantID {
		return nil, fmt.Errorf("%w: vector for memory %s", ErrNotFound, memoryID)
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (s *InMemoryVectorStore) DeleteVector(ctx context.Context, memoryID uuid.UUID, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := false
	for key, rec := range s.recs {
		if key.memoryID == memoryID && rec.TenantID == tenantID {
			delete(s.recs, key)
			deleted = true
		}
	}
	if !deleted {
		return fmt.Errorf("%w: vector for memory %s", ErrNotFound, memoryID)
	}
	return nil
}

func (s *InMemoryVectorStore) DeleteByLayer(ctx context.Context, tenantID uuid.UUID, layer domain.Layer) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, rec := range s.recs {
		if rec.TenantID == tenantID && rec.Layer == layer {
			delete(s.recs, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *InMemoryVectorStore) CountVectors(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, rec := range s.recs {
		if rec.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryVectorStore) ListIDs(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for key, rec := range s.recs {
		if rec.TenantID != tenantID {
			continue
		}
		id := key.memoryID.String()
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return page(ids, limit, offset), nil
}
