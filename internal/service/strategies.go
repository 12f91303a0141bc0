package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/score"
)

// Canonical strategy names. The bandit and the fusion weights key off these.
const (
	StrategyFulltext = "fulltext"
	StrategyBM25     = "bm25"
	StrategyVector   = "vector"
)

// RetrievalQuery is the input every strategy receives.
type RetrievalQuery struct {
	Scope  Scope
	Text   string
	Layers []domain.Layer
	Tags   []string
	Limit  int
}

// RetrievalStrategy produces an ordered candidate list for a query.
// Raw score scales differ per strategy; the engine normalizes before fusing.
type RetrievalStrategy interface {
	Name() string
	Retrieve(ctx context.Context, q RetrievalQuery) ([]score.Candidate, error)
}

func (q RetrievalQuery) listFilter() domain.ListFilter {
	return domain.ListFilter{
		AgentID:    q.Scope.AgentID,
		Layers:     q.Layers,
		Project:    q.Scope.Project,
		SessionID:  q.Scope.SessionID,
		Tags:       q.Tags,
		NotExpired: true,
		Limit:      q.Limit,
	}
}

// FulltextStrategy delegates to the metadata store's lexical search.
type FulltextStrategy struct {
	store domain.MemoryStore
}

func NewFulltextStrategy(store domain.MemoryStore) *FulltextStrategy {
	return &FulltextStrategy{store: store}
}

func (s *FulltextStrategy) Name() string { return StrategyFulltext }

func (s *FulltextStrategy) Retrieve(ctx context.Context, q RetrievalQuery) ([]score.Candidate, error) {
	hits, err := s.store.Search(ctx, q.Scope.TenantID, q.Text, q.listFilter())
	if err != nil {
		return nil, fmt.Errorf("fulltext search: %w", err)
	}
	out := make([]score.Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, score.Candidate{ID: h.Memory.ID, Score: h.Score})
	}
	return out, nil
}

// BM25 parameters.
const (
	BM25K1 = 1.5
	BM25B  = 0.75
)

// BM25Strategy scores the tenant corpus in process with classical BM25.
// Tokenization is lowercase whitespace splitting.
type BM25Strategy struct {
	store domain.MemoryStore
}

func NewBM25Strategy(store domain.MemoryStore) *BM25Strategy {
	return &BM25Strategy{store: store}
}

func (s *BM25Strategy) Name() string { return StrategyBM25 }

func (s *BM25Strategy) Retrieve(ctx context.Context, q RetrievalQuery) ([]score.Candidate, error) {
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}

	corpusFilter := q.listFilter()
	corpusFilter.Limit = 0 // BM25 statistics need the whole tenant corpus
	docs, err := s.store.List(ctx, q.Scope.TenantID, corpusFilter)
	if err != nil {
		return nil, fmt.Errorf("bm25 corpus list: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	tokenized := make([][]string, len(docs))
	totalLen := 0
	for i, d := range docs {
		tokenized[i] = tokenize(d.Content)
		totalLen += len(tokenized[i])
	}
	avgLen := float64(totalLen) / float64(len(docs))

	// Document frequency per query term.
	df := make(map[string]int, len(terms))
	for _, tokens := range tokenized {
		seen := make(map[string]bool, len(terms))
		for _, tok := range tokens {
			seen[tok] = true
		}
		for _, t := range terms {
			if seen[t] {
				df[t]++
			}
		}
	}

	n := float64(len(docs))
	idf := make(map[string]float64, len(terms))
	for _, t := range terms {
		d := float64(df[t])
		idf[t] = math.Log((n-d+0.5)/(d+0.5) + 1)
	}

	out := make([]score.Candidate, 0, len(docs))
	for i, d := range docs {
		tokens := tokenized[i]
		if len(tokens) == 0 {
			continue
		}
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}

		var sc float64
		for _, t := range terms {
			f := float64(tf[t])
			if f == 0 {
				continue
			}
			norm := BM25K1 * (1 - BM25B + BM25B*float64(len(tokens))/avgLen)
			sc += idf[t] * f * (BM25K1 + 1) / (f + norm)
		}
		if sc > 0 {
			out = append(out, score.Candidate{ID: d.ID, Score: sc})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// VectorStrategy embeds the query and searches the vector store.
type VectorStrategy struct {
	embedder domain.EmbeddingClient
	vectors  domain.VectorStore

	// When contradictionPenalty > 0, hits whose stored vector opposes the
	// query below contradictionThreshold get their score multiplied by it.
	contradictionThreshold float64
	contradictionPenalty   float64
}

func NewVectorStrategy(embedder domain.EmbeddingClient, vectors domain.VectorStore) *VectorStrategy {
	return &VectorStrategy{embedder: embedder, vectors: vectors}
}

// EnableContradictionPenalty turns on penalized search for opposing vectors.
func (s *VectorStrategy) EnableContradictionPenalty(threshold, penalty float64) {
	s.contradictionThreshold = threshold
	s.contradictionPenalty = penalty
}

func (s *VectorStrategy) Name() string { return StrategyVector }

func (s *VectorStrategy) Retrieve(ctx context.Context, q RetrievalQuery) ([]score.Candidate, error) {
	query, err := s.embedder.EmbedText(ctx, q.Text, domain.TaskSearchQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	filter := domain.VectorFilter{
		AgentID: q.Scope.AgentID,
		Project: q.Scope.Project,
		Tags:    q.Tags,
	}
	if len(q.Layers) == 1 {
		filter.Layer = &q.Layers[0]
	}

	var matches []domain.VectorMatch
	if s.contradictionPenalty > 0 {
		matches, err = s.vectors.SearchWithContradictionPenalty(ctx, q.Scope.TenantID, query, filter,
			q.Limit, s.contradictionThreshold, s.contradictionPenalty, s.embedder.ModelName())
	} else {
		matches, err = s.vectors.Search(ctx, q.Scope.TenantID, query, filter, q.Limit, 0, s.embedder.ModelName())
	}
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	out := make([]score.Candidate, 0, len(matches))
	for _, m := range matches {
		out = append(out, score.Candidate{ID: m.MemoryID, Score: m.Score})
	}
	return out, nil
}
