package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/score"
)

const (
	defaultReflectionInterval = 6 * time.Hour

	// Minimum cluster size before a reflection is generated.
	MinClusterSize = 5

	// Memories last accessed within this window of each other count as
	// co-accessed.
	CoAccessWindow = 15 * time.Minute

	reflectionSummaryMaxLen = 500
)

// ReflectionService generates higher-order reflective memories from clusters
// of related memories and prunes reflections whose confidence fell below the
// retention threshold.
type ReflectionService struct {
	store    domain.MemoryStore
	vectors  domain.VectorStore
	embedder domain.EmbeddingClient
	llm      domain.LLMClient // nil falls back to rule-based summaries
	clock    domain.Clock
	logger   *zap.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewReflectionService(
	store domain.MemoryStore,
	vectors domain.VectorStore,
	embedder domain.EmbeddingClient,
	llm domain.LLMClient,
	clk domain.Clock,
	logger *zap.Logger,
) *ReflectionService {
	return &ReflectionService{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		llm:      llm,
		clock:    clk,
		logger:   logger,
		interval: defaultReflectionInterval,
		stopCh:   make(chan struct{}),
	}
}

func (s *ReflectionService) SetInterval(d time.Duration) {
	s.interval = d
}

func (s *ReflectionService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("reflection worker started", zap.Duration("interval", s.interval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				s.RunCycle(ctx)
				cancel()
			case <-s.stopCh:
				s.logger.Info("reflection worker stopped")
				return
			}
		}
	}()
}

func (s *ReflectionService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// RunCycle runs one reflection cycle for every tenant.
func (s *ReflectionService) RunCycle(ctx context.Context) *domain.CycleSummary {
	total := &domain.CycleSummary{}

	tenantIDs, err := s.store.ListTenantIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list tenants for reflection", zap.Error(err))
		return total
	}

	for _, tenantID := range tenantIDs {
		summary, err := s.RunCycleForTenant(ctx, tenantID)
		if err != nil {
			s.logger.Error("reflection cycle failed for tenant",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			continue
		}
		total.ClustersFound += summary.ClustersFound
		total.ReflectionsCreated += summary.ReflectionsCreated
		total.ReflectionsPruned += summary.ReflectionsPruned
		total.MemoriesConsidered += summary.MemoriesConsidered
		total.TokensSavedEstimate += summary.TokensSavedEstimate
	}
	return total
}

// RunCycleForTenant runs the clustering pass for each of the tenant's
// agents, writes one reflective memory per new cluster, and prunes the
// tenant's low-confidence reflections. Clusters never span agents, so a
// reflection only ever cites its own agent's memories.
func (s *ReflectionService) RunCycleForTenant(ctx context.Context, tenantID uuid.UUID) (*domain.CycleSummary, error) {
	summary := &domain.CycleSummary{TenantID: tenantID}

	agentIDs, err := s.store.ListDistinctAgentIDs(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list reflection agents: %w", err)
	}

	reflLayer := domain.LayerReflective
	existing, err := s.store.List(ctx, tenantID, domain.ListFilter{Layer: &reflLayer})
	if err != nil {
		return nil, fmt.Errorf("list existing reflections: %w", err)
	}
	covered := coveredSourceSets(existing)

	for _, agentID := range agentIDs {
		rows, err := s.store.List(ctx, tenantID, domain.ListFilter{
			AgentID: &agentID,
			Layers: []domain.Layer{
				domain.LayerWorking,
				domain.LayerLongTermEpisodic,
				domain.LayerLongTermSemantic,
			},
			NotExpired: true,
		})
		if err != nil {
			return nil, fmt.Errorf("list reflection corpus: %w", err)
		}
		summary.MemoriesConsidered += len(rows)

		clusters := s.findClusters(rows)
		summary.ClustersFound += len(clusters)

		for _, c := range clusters {
			if covered(c.members) {
				continue
			}
			created, err := s.reflect(ctx, tenantID, agentID, c)
			if err != nil {
				s.logger.Warn("reflection generation failed",
					zap.String("agent_id", agentID.String()),
					zap.String("tag", c.tag), zap.Error(err))
				continue
			}
			if created != nil {
				summary.ReflectionsCreated++
				summary.TokensSavedEstimate += tokensSaved(s.llm, c.members, created.Content)
			}
		}
	}

	pruned, err := s.pruneLowConfidence(ctx, tenantID, existing)
	if err != nil {
		return nil, err
	}
	summary.ReflectionsPruned = pruned

	return summary, nil
}

// cluster is a candidate group of related memories.
type cluster struct {
	tag     string // empty for co-access clusters
	kind    domain.ReflectionType
	members []domain.Memory
}

// findClusters builds tag clusters and co-access clusters of at least
// MinClusterSize members.
func (s *ReflectionService) findClusters(rows []domain.Memory) []cluster {
	var out []cluster

	byTag := make(map[string][]domain.Memory)
	tagOrder := []string{}
	for _, m := range rows {
		for _, t := range m.Tags {
			if _, seen := byTag[t]; !seen {
				tagOrder = append(tagOrder, t)
			}
			byTag[t] = append(byTag[t], m)
		}
	}
	for _, t := range tagOrder {
		if members := byTag[t]; len(members) >= MinClusterSize {
			out = append(out, cluster{tag: t, kind: domain.ReflectionPattern, members: members})
		}
	}

	// Co-access: sort by last access and sweep a window.
	accessed := make([]domain.Memory, 0, len(rows))
	for _, m := range rows {
		if m.LastAccessedAt != nil {
			accessed = append(accessed, m)
		}
	}
	sort.Slice(accessed, func(i, j int) bool {
		return accessed[i].LastAccessedAt.Before(*accessed[j].LastAccessedAt)
	})
	start := 0
	for i := 1; i <= len(accessed); i++ {
		if i < len(accessed) && accessed[i].LastAccessedAt.Sub(*accessed[i-1].LastAccessedAt) <= CoAccessWindow {
			continue
		}
		if i-start >= MinClusterSize {
			out = append(out, cluster{kind: domain.ReflectionInsight, members: accessed[start:i]})
		}
		start = i
	}

	return out
}

// reflect writes one reflective memory for the cluster, unless its coherence
// confidence falls below the prune threshold.
func (s *ReflectionService) reflect(ctx context.Context, tenantID, agentID uuid.UUID, c cluster) (*domain.Memory, error) {
	confidence := s.clusterConfidence(ctx, tenantID, c.members)
	if confidence < domain.ReflectionPruneThreshold {
		return nil, nil
	}

	content, err := s.summarize(ctx, c)
	if err != nil {
		return nil, err
	}

	sourceIDs := make([]uuid.UUID, len(c.members))
	var importanceSum float64
	for i, m := range c.members {
		sourceIDs[i] = m.ID
		importanceSum += m.Importance
	}

	now := s.clock.Now()
	reflection := &domain.Memory{
		ID:              uuid.New(),
		TenantID:        tenantID,
		AgentID:         agentID,
		Project:         c.members[0].Project,
		Content:         content,
		Layer:           domain.LayerReflective,
		Importance:      clamp01(importanceSum / float64(len(c.members))),
		Tags:            reflectionTags(c),
		SourceMemoryIDs: sourceIDs,
		ReflectionType:  c.kind,
		Confidence:      confidence,
		Version:         1,
		CreatedAt:       now,
		ModifiedAt:      now,
	}
	if err := reflection.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, reflection); err != nil {
		return nil, fmt.Errorf("store reflection: %w", err)
	}
	return reflection, nil
}

// clusterConfidence measures coherence as the mean pairwise cosine of the
// members' stored vectors, falling back to mean pairwise tag Jaccard when
// vectors are unavailable.
func (s *ReflectionService) clusterConfidence(ctx context.Context, tenantID uuid.UUID, members []domain.Memory) float64 {
	if s.vectors != nil && s.embedder != nil {
		vecs := make([][]float32, 0, len(members))
		for _, m := range members {
			rec, err := s.vectors.GetVector(ctx, m.ID, tenantID, s.embedder.ModelName())
			if err != nil {
				continue
			}
			vecs = append(vecs, rec.Embedding)
		}
		if len(vecs) >= 2 {
			return clamp01(meanPairwise(len(vecs), func(i, j int) float64 {
				return score.CosineSimilarity(vecs[i], vecs[j])
			}))
		}
	}

	return clamp01(meanPairwise(len(members), func(i, j int) float64 {
		return tagJaccard(members[i].Tags, members[j].Tags)
	}))
}

func meanPairwise(n int, f func(i, j int) float64) float64 {
	if n < 2 {
		return 0
	}
	var sum float64
	var pairs int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += f(i, j)
			pairs++
		}
	}
	return sum / float64(pairs)
}

func tagJaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := len(set)
	for _, t := range b {
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// summarize produces the reflection body with the LLM when available,
// otherwise with a rule-based digest.
func (s *ReflectionService) summarize(ctx context.Context, c cluster) (string, error) {
	var sb strings.Builder
	for _, m := range c.members {
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}

	if s.llm != nil {
		out, err := s.llm.Summarize(ctx, sb.String(), reflectionSummaryMaxLen)
		if err == nil && out != "" {
			return out, nil
		}
		if err != nil {
			s.logger.Warn("llm summary failed, using rule-based digest", zap.Error(err))
		}
	}

	digest := sb.String()
	if len(digest) > reflectionSummaryMaxLen {
		digest = digest[:reflectionSummaryMaxLen]
	}
	if c.tag != "" {
		return fmt.Sprintf("Recurring theme %q across %d memories: %s", c.tag, len(c.members), digest), nil
	}
	return fmt.Sprintf("Co-accessed group of %d memories: %s", len(c.members), digest), nil
}

func reflectionTags(c cluster) []string {
	if c.tag != "" {
		return []string{c.tag}
	}
	return nil
}

// coveredSourceSets reports whether a cluster's members are already fully
// cited by an existing reflection.
func coveredSourceSets(existing []domain.Memory) func(members []domain.Memory) bool {
	sets := make([]map[uuid.UUID]bool, 0, len(existing))
	for _, r := range existing {
		set := make(map[uuid.UUID]bool, len(r.SourceMemoryIDs))
		for _, id := range r.SourceMemoryIDs {
			set[id] = true
		}
		sets = append(sets, set)
	}
	return func(members []domain.Memory) bool {
		for _, set := range sets {
			all := true
			for _, m := range members {
				if !set[m.ID] {
					all = false
					break
				}
			}
			if all {
				return true
			}
		}
		return false
	}
}

func (s *ReflectionService) pruneLowConfidence(ctx context.Context, tenantID uuid.UUID, reflections []domain.Memory) (int, error) {
	pruned := 0
	for _, r := range reflections {
		if r.Confidence >= domain.ReflectionPruneThreshold {
			continue
		}
		if err := s.store.Delete(ctx, r.ID, tenantID); err != nil {
			s.logger.Warn("reflection prune failed",
				zap.String("memory_id", r.ID.String()), zap.Error(err))
			continue
		}
		pruned++
	}
	return pruned, nil
}

// tokensSaved estimates how many tokens a future prompt saves by citing the
// reflection instead of its sources.
func tokensSaved(llm domain.LLMClient, members []domain.Memory, reflection string) int {
	count := func(text string) int {
		if llm != nil {
			return llm.CountTokens(text)
		}
		return len(text) / 4
	}
	var sourceTokens int
	for _, m := range members {
		sourceTokens += count(m.Content)
	}
	saved := sourceTokens - count(reflection)
	if saved < 0 {
		return 0
	}
	return saved
}
