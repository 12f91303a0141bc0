package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/score"
)

// FusionMethod selects how strategy results are combined.
type FusionMethod string

const (
	FusionRRF         FusionMethod = "rrf"
	FusionWeightedSum FusionMethod = "weighted_sum"
	FusionMax         FusionMethod = "max"
)

const (
	defaultStrategyTimeout = 2 * time.Second
	defaultCacheTTL        = 300 * time.Second

	// Candidate overfetch multiplier per strategy.
	candidateFanout = 5

	// Rerank at most this many fused candidates.
	rerankDepth = 20

	rerankCosineWeight = 0.7
	rerankFusedWeight  = 0.3

	// Heuristic override trips on question-shaped or long queries.
	overrideTokenThreshold = 10
)

var questionKeywords = map[string]bool{
	"who": true, "what": true, "when": true, "where": true,
	"why": true, "which": true, "whose": true, "how": true,
}

// Lexical-favoring weights applied when the override heuristic fires.
var overrideWeights = FusionWeights{StrategyFulltext: 20, StrategyVector: 1}

// SearchRequest is one retrieval call.
type SearchRequest struct {
	Scope  Scope
	Query  string
	Limit  int
	Layers []domain.Layer
	Tags   []string
}

// SearchTrace documents how a result was produced.
type SearchTrace struct {
	CacheHit     bool           `json:"cache_hit"`
	ArmLevel     string         `json:"arm_level,omitempty"`
	ArmName      string         `json:"arm_name,omitempty"`
	Explored     bool           `json:"explored,omitempty"`
	Override     bool           `json:"override,omitempty"`
	Weights      FusionWeights  `json:"weights,omitempty"`
	Fusion       FusionMethod   `json:"fusion,omitempty"`
	StrategyHits map[string]int `json:"strategy_hits,omitempty"`
	Reranked     bool           `json:"reranked,omitempty"`
	GuardDropped int            `json:"guard_dropped,omitempty"`
}

// SearchResult is the ordered result plus its trace.
type SearchResult struct {
	Memories []domain.ScoredMemory `json:"memories"`
	Trace    SearchTrace           `json:"trace"`
}

// RetrievalEngine runs the full read pipeline: cache, policy, parallel
// strategy fan-out, fusion, unified importance/recency scoring, optional
// semantic rerank, isolation guard.
type RetrievalEngine struct {
	store      domain.MemoryStore
	strategies []RetrievalStrategy
	embedder   domain.EmbeddingClient // nil disables reranking
	cache      domain.Cache
	bandit     *PolicyBandit
	guard      *IsolationGuard
	clock      domain.Clock
	logger     *zap.Logger

	feedback    domain.FeedbackStore // nil disables journaling
	banditStore domain.BanditStore   // nil disables persistence
	instanceID  string

	fusion          FusionMethod
	strategyTimeout time.Duration
	cacheTTL        time.Duration
	scoreWeights    score.Weights
	decay           score.DecayParams

	mu         sync.Mutex
	lastChoice *ArmChoice
}

type EngineOption func(*RetrievalEngine)

func WithFusionMethod(m FusionMethod) EngineOption {
	return func(e *RetrievalEngine) { e.fusion = m }
}

func WithStrategyTimeout(d time.Duration) EngineOption {
	return func(e *RetrievalEngine) { e.strategyTimeout = d }
}

func WithCacheTTL(d time.Duration) EngineOption {
	return func(e *RetrievalEngine) { e.cacheTTL = d }
}

// WithScoreWeights replaces the similarity/importance/recency blend applied
// after fusion. Weights that do not sum to 1 are used as given, with a
// warning at construction.
func WithScoreWeights(w score.Weights) EngineOption {
	return func(e *RetrievalEngine) { e.scoreWeights = w }
}

func WithReranker(embedder domain.EmbeddingClient) EngineOption {
	return func(e *RetrievalEngine) { e.embedder = embedder }
}

func WithFeedbackJournal(store domain.FeedbackStore) EngineOption {
	return func(e *RetrievalEngine) { e.feedback = store }
}

func WithBanditPersistence(store domain.BanditStore, instanceID string) EngineOption {
	return func(e *RetrievalEngine) {
		e.banditStore = store
		e.instanceID = instanceID
	}
}

func NewRetrievalEngine(
	store domain.MemoryStore,
	strategies []RetrievalStrategy,
	cache domain.Cache,
	bandit *PolicyBandit,
	guard *IsolationGuard,
	clk domain.Clock,
	logger *zap.Logger,
	opts ...EngineOption,
) *RetrievalEngine {
	e := &RetrievalEngine{
		store:           store,
		strategies:      strategies,
		cache:           cache,
		bandit:          bandit,
		guard:           guard,
		clock:           clk,
		logger:          logger,
		fusion:          FusionRRF,
		strategyTimeout: defaultStrategyTimeout,
		cacheTTL:        defaultCacheTTL,
		scoreWeights:    score.DefaultWeights(),
		decay:           score.DefaultDecayParams(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.scoreWeights.Normalized() {
		logger.Warn("memory score weights do not sum to 1",
			zap.Float64("alpha", e.scoreWeights.Alpha),
			zap.Float64("beta", e.scoreWeights.Beta),
			zap.Float64("gamma", e.scoreWeights.Gamma))
	}
	return e
}

// Search runs the retrieval pipeline. Order is fully determined by the
// fusion weights, the collected strategy outputs, and the insertion-order
// tie-break, so identical calls against identical state return identically.
func (e *RetrievalEngine) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", domain.ErrInvalidArgument)
	}

	key := e.cacheKey(req)
	if cached, err := e.cache.Get(ctx, key); err == nil {
		var memories []domain.ScoredMemory
		if err := json.Unmarshal(cached, &memories); err == nil {
			return &SearchResult{Memories: memories, Trace: SearchTrace{CacheHit: true}}, nil
		}
		e.logger.Warn("dropping undecodable cache entry", zap.String("key", key))
		_ = e.cache.Delete(ctx, key)
	}

	trace := SearchTrace{Fusion: e.fusion, StrategyHits: make(map[string]int)}

	weights := e.selectWeights(req.Query, &trace)

	results := e.fanOut(ctx, req, weights)
	for _, r := range results {
		trace.StrategyHits[r.Strategy] = len(r.Candidates)
	}

	fused := e.fuse(results)

	memories, err := e.hydrate(ctx, req.Scope.TenantID, fused)
	if err != nil {
		return nil, err
	}

	if e.embedder != nil && len(memories) > 0 {
		memories, err = e.rerank(ctx, req.Query, memories)
		if err != nil {
			e.logger.Warn("rerank failed, keeping fused order", zap.Error(err))
		} else {
			trace.Reranked = true
		}
	}

	before := len(memories)
	memories = e.guard.Filter(memories, req.Scope)
	trace.GuardDropped = before - len(memories)

	if len(memories) > req.Limit {
		memories = memories[:req.Limit]
	}

	if payload, err := json.Marshal(memories); err == nil {
		if err := e.cache.Set(ctx, key, payload, e.cacheTTL); err != nil {
			e.logger.Warn("result cache write failed", zap.Error(err))
		}
	}

	return &SearchResult{Memories: memories, Trace: trace}, nil
}

// selectWeights consults the override heuristic, then the bandit.
func (e *RetrievalEngine) selectWeights(query string, trace *SearchTrace) FusionWeights {
	if overrideFires(query) {
		trace.Override = true
		trace.Weights = overrideWeights
		return overrideWeights
	}

	choice := e.bandit.Select()
	e.mu.Lock()
	e.lastChoice = &choice
	e.mu.Unlock()

	trace.ArmLevel = choice.Level
	trace.ArmName = choice.Name
	trace.Explored = choice.Explored
	trace.Weights = choice.Weights
	return choice.Weights
}

// overrideFires reports whether the lexical-favoring heuristic applies.
func overrideFires(query string) bool {
	tokens := tokenize(query)
	if len(tokens) > overrideTokenThreshold {
		return true
	}
	for _, t := range tokens {
		if questionKeywords[strings.TrimSuffix(t, "?")] {
			return true
		}
	}
	return false
}

// fanOut runs every positively weighted strategy in parallel with an
// individual deadline. A strategy that fails or times out contributes an
// empty list; the query itself never fails on a strategy error.
func (e *RetrievalEngine) fanOut(ctx context.Context, req SearchRequest, weights FusionWeights) []score.StrategyResult {
	q := RetrievalQuery{
		Scope:  req.Scope,
		Text:   req.Query,
		Layers: req.Layers,
		Tags:   req.Tags,
		Limit:  req.Limit * candidateFanout,
	}

	results := make([]score.StrategyResult, len(e.strategies))
	g, gctx := errgroup.WithContext(ctx)

	for i, strat := range e.strategies {
		i, strat := i, strat
		w := weights[strat.Name()]
		results[i] = score.StrategyResult{Strategy: strat.Name(), Weight: w}
		if w <= 0 {
			continue
		}

		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, e.strategyTimeout)
			defer cancel()

			candidates, err := strat.Retrieve(sctx, q)
			if err != nil {
				e.logger.Warn("strategy failed",
					zap.String("strategy", strat.Name()),
					zap.Error(err))
				return nil
			}
			results[i].Candidates = candidates
			return nil
		})
	}
	_ = g.Wait()

	// Drop unweighted or empty strategies but keep registration order.
	out := results[:0]
	for _, r := range results {
		if r.Weight > 0 && len(r.Candidates) > 0 {
			out = append(out, r)
		}
	}
	return out
}

func (e *RetrievalEngine) fuse(results []score.StrategyResult) []score.Candidate {
	for i := range results {
		results[i].Candidates = score.MinMaxNormalize(results[i].Candidates)
	}
	switch e.fusion {
	case FusionWeightedSum:
		return score.FuseWeightedSum(results)
	case FusionMax:
		return score.FuseMax(results)
	default:
		return score.FuseRRF(results, score.RRFConstant)
	}
}

// hydrate loads memory rows for the fused candidates and blends the fused
// similarity with each row's importance and recency into the unified score.
// Ties keep fused order.
func (e *RetrievalEngine) hydrate(ctx context.Context, tenantID uuid.UUID, fused []score.Candidate) ([]domain.ScoredMemory, error) {
	if len(fused) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(fused))
	for i, c := range fused {
		ids[i] = c.ID
	}
	rows, err := e.store.List(ctx, tenantID, domain.ListFilter{MemoryIDs: ids, NotExpired: true})
	if err != nil {
		return nil, fmt.Errorf("hydrate candidates: %w", err)
	}

	byID := make(map[uuid.UUID]*domain.Memory, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
	}

	now := e.clock.Now()
	out := make([]domain.ScoredMemory, 0, len(fused))
	for _, c := range fused {
		m, ok := byID[c.ID]
		if !ok {
			continue
		}
		recency := score.Recency(m.FreshnessAnchor(), m.CreatedAt, m.AccessCount, now, e.decay)
		out = append(out, domain.ScoredMemory{
			Memory: *m,
			Score:  score.Unified(c.Score, m.Importance, recency, e.scoreWeights),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// rerank blends document-level cosine with the fused score for the head of
// the list; the tail keeps its fused order behind the reranked head.
func (e *RetrievalEngine) rerank(ctx context.Context, query string, memories []domain.ScoredMemory) ([]domain.ScoredMemory, error) {
	depth := rerankDepth
	if len(memories) < depth {
		depth = len(memories)
	}
	head := memories[:depth]

	queryVec, err := e.embedder.EmbedText(ctx, query, domain.TaskSearchQuery)
	if err != nil {
		return nil, fmt.Errorf("embed rerank query: %w", err)
	}

	texts := make([]string, depth)
	for i, m := range head {
		texts[i] = m.Memory.Content
	}
	docVecs, err := e.embedder.EmbedBatch(ctx, texts, domain.TaskSearchDocument)
	if err != nil {
		return nil, fmt.Errorf("embed rerank documents: %w", err)
	}
	if len(docVecs) != depth {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for %d texts", domain.ErrInternal, len(docVecs), depth)
	}

	for i := range head {
		cos := score.Clamp01(score.CosineSimilarity(queryVec, docVecs[i]))
		head[i].Score = rerankCosineWeight*cos + rerankFusedWeight*head[i].Score
	}
	sort.SliceStable(head, func(i, j int) bool { return head[i].Score > head[j].Score })
	return memories, nil
}

// UpdatePolicy records an out-of-band reward against the arm used by the
// most recent bandit-driven search, journals it, and persists bandit state.
func (e *RetrievalEngine) UpdatePolicy(ctx context.Context, tenantID uuid.UUID, success bool, reward float64) error {
	e.mu.Lock()
	choice := e.lastChoice
	e.mu.Unlock()
	if choice == nil {
		return fmt.Errorf("%w: no retrieval decision to reward", domain.ErrInvalidArgument)
	}

	e.bandit.Update(choice.Level, choice.Name, reward)

	if e.feedback != nil {
		f := &domain.Feedback{
			ID:        uuid.New(),
			TenantID:  tenantID,
			ArmLevel:  choice.Level,
			ArmName:   choice.Name,
			Success:   success,
			Reward:    reward,
			CreatedAt: e.clock.Now(),
		}
		if err := e.feedback.Create(ctx, f); err != nil {
			e.logger.Warn("feedback journal write failed", zap.Error(err))
		}
	}

	if e.banditStore != nil {
		if err := e.bandit.SaveTo(ctx, e.banditStore, e.instanceID); err != nil {
			e.logger.Warn("bandit state persist failed", zap.Error(err))
		}
	}
	return nil
}

// cacheKey hashes every request input into a deterministic key.
func (e *RetrievalEngine) cacheKey(req SearchRequest) string {
	var sb strings.Builder
	sb.WriteString(req.Scope.TenantID.String())
	sb.WriteByte('|')
	if req.Scope.AgentID != nil {
		sb.WriteString(req.Scope.AgentID.String())
	}
	sb.WriteByte('|')
	sb.WriteString(req.Scope.SessionID)
	sb.WriteByte('|')
	sb.WriteString(req.Scope.Project)
	sb.WriteByte('|')
	sb.WriteString(req.Query)
	fmt.Fprintf(&sb, "|%d|", req.Limit)

	layers := make([]string, len(req.Layers))
	for i, l := range req.Layers {
		layers[i] = string(l)
	}
	sort.Strings(layers)
	sb.WriteString(strings.Join(layers, ","))
	sb.WriteByte('|')

	tags := append([]string(nil), req.Tags...)
	sort.Strings(tags)
	sb.WriteString(strings.Join(tags, ","))

	sum := sha256.Sum256([]byte(sb.String()))
	return "search:" + hex.EncodeToString(sum[:])
}
