package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
)

const (
	defaultConsolidationInterval = 1 * time.Hour

	// working -> long_term_episodic
	EpisodicMinAccessCount = 2
	EpisodicMinImportance  = 0.6
	EpisodicMinAge         = 10 * time.Minute

	// long_term_episodic -> long_term_semantic
	SemanticMinAccessCount = 3
	SemanticMinImportance  = 0.7

	// Bayesian importance update likelihoods.
	EvidenceLikelihoodScale   = 0.9
	CounterEvidenceLikelihood = 0.1
)

// ConsolidationResult reports one full consolidation pass.
type ConsolidationResult struct {
	PromotedEpisodic int `json:"promoted_episodic"`
	PromotedSemantic int `json:"promoted_semantic"`
	Archived         int `json:"archived"`
	SensoryExpired   int `json:"sensory_expired"`
	SensoryPromoted  int `json:"sensory_promoted"`
}

// ConsolidationService moves memories through the layer state machine in the
// background: sensory cleanup, promotion of frequently accessed working and
// episodic memories, and archival of long-term memories that lost importance.
type ConsolidationService struct {
	store  domain.MemoryStore
	layers *LayerManager
	clock  domain.Clock
	logger *zap.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewConsolidationService(store domain.MemoryStore, layers *LayerManager, clk domain.Clock, logger *zap.Logger) *ConsolidationService {
	return &ConsolidationService{
		store:    store,
		layers:   layers,
		clock:    clk,
		logger:   logger,
		interval: defaultConsolidationInterval,
		stopCh:   make(chan struct{}),
	}
}

// SetInterval sets the consolidation interval.
func (s *ConsolidationService) SetInterval(d time.Duration) {
	s.interval = d
}

// Start begins the background consolidation worker.
func (s *ConsolidationService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("consolidation worker started", zap.Duration("interval", s.interval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				s.RunConsolidation(ctx)
				cancel()
			case <-s.stopCh:
				s.logger.Info("consolidation worker stopped")
				return
			}
		}
	}()
}

// Stop stops the background worker and waits for it to exit.
func (s *ConsolidationService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// RunConsolidation runs one pass for every tenant.
func (s *ConsolidationService) RunConsolidation(ctx context.Context) *ConsolidationResult {
	total := &ConsolidationResult{}

	tenantIDs, err := s.store.ListTenantIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list tenants for consolidation", zap.Error(err))
		return total
	}

	for _, tenantID := range tenantIDs {
		result, err := s.RunConsolidationForTenant(ctx, tenantID)
		if err != nil {
			s.logger.Error("consolidation failed for tenant",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			continue
		}

		total.PromotedEpisodic += result.PromotedEpisodic
		total.PromotedSemantic += result.PromotedSemantic
		total.Archived += result.Archived
		total.SensoryExpired += result.SensoryExpired
		total.SensoryPromoted += result.SensoryPromoted

		if result.PromotedEpisodic > 0 || result.PromotedSemantic > 0 || result.Archived > 0 {
			s.logger.Info("consolidation complete for tenant",
				zap.String("tenant_id", tenantID.String()),
				zap.Int("promoted_episodic", result.PromotedEpisodic),
				zap.Int("promoted_semantic", result.PromotedSemantic),
				zap.Int("archived", result.Archived))
		}
	}

	return total
}

// RunConsolidationForTenant applies the full state machine for one tenant.
// Transitions are evaluated against the state read at the start of the pass,
// so a memory moves at most one layer per pass.
func (s *ConsolidationService) RunConsolidationForTenant(ctx context.Context, tenantID uuid.UUID) (*ConsolidationResult, error) {
	result := &ConsolidationResult{}
	now := s.clock.Now()

	cleanup, err := s.layers.CleanupSensory(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	result.SensoryExpired = cleanup.Expired
	result.SensoryPromoted = cleanup.Promoted

	rows, err := s.store.List(ctx, tenantID, domain.ListFilter{
		Layers: []domain.Layer{
			domain.LayerWorking,
			domain.LayerLongTermEpisodic,
			domain.LayerLongTermSemantic,
		},
	})
	if err != nil {
		return nil, err
	}

	for _, m := range rows {
		next, ok := s.nextLayer(&m, now)
		if !ok {
			continue
		}
		if !m.Layer.CanTransitionTo(next) {
			continue
		}
		fields := domain.UpdateFields{Layer: &next}
		if next == domain.LayerLongTermSemantic {
			// Repeated access that earns the semantic layer is evidence the
			// memory matters; fold it into the importance posterior.
			evidence := float64(m.AccessCount) / float64(m.AccessCount+SemanticMinAccessCount)
			posterior := BayesianImportance(m.Importance, evidence)
			fields.Importance = &posterior
		}
		if _, err := s.store.Update(ctx, m.ID, tenantID, fields); err != nil {
			s.logger.Warn("layer transition failed",
				zap.String("memory_id", m.ID.String()),
				zap.String("from", string(m.Layer)),
				zap.String("to", string(next)),
				zap.Error(err))
			continue
		}
		switch next {
		case domain.LayerLongTermEpisodic:
			result.PromotedEpisodic++
		case domain.LayerLongTermSemantic:
			result.PromotedSemantic++
		case domain.LayerArchived:
			result.Archived++
		}
	}

	return result, nil
}

// nextLayer evaluates the transition rules for one memory.
func (s *ConsolidationService) nextLayer(m *domain.Memory, now time.Time) (domain.Layer, bool) {
	switch m.Layer {
	case domain.LayerWorking:
		if m.AccessCount >= EpisodicMinAccessCount &&
			m.Importance >= EpisodicMinImportance &&
			now.Sub(m.CreatedAt) >= EpisodicMinAge {
			return domain.LayerLongTermEpisodic, true
		}
	case domain.LayerLongTermEpisodic:
		if m.Importance < LongTermArchiveThreshold {
			return domain.LayerArchived, true
		}
		if m.AccessCount >= SemanticMinAccessCount && m.Importance >= SemanticMinImportance {
			return domain.LayerLongTermSemantic, true
		}
	case domain.LayerLongTermSemantic:
		if m.Importance < LongTermArchiveThreshold {
			return domain.LayerArchived, true
		}
	}
	return "", false
}

// BayesianImportance folds one piece of evidence into a prior importance.
// Evidence strength is in [0,1]; the posterior is
// P(H|E) = P(E|H)P(H) / (P(E|H)P(H) + P(E|~H)(1-P(H)))
// with P(E|H) proportional to the evidence strength.
func BayesianImportance(prior, evidence float64) float64 {
	prior = clamp01(prior)
	evidence = clamp01(evidence)

	likelihood := EvidenceLikelihoodScale * evidence
	numerator := likelihood * prior
	denominator := numerator + CounterEvidenceLikelihood*(1-prior)
	if denominator == 0 {
		return prior
	}
	return clamp01(numerator / denominator)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
