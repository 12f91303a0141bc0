package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
)

// Per-layer defaults.
const (
	DefaultSensoryCapacity    = 200
	DefaultWorkingCapacity    = 2000
	DefaultReflectiveCapacity = 1000

	DefaultSensoryTTL = 5 * time.Minute

	// Sensory memories at or above this importance are promoted to the
	// working layer during cleanup instead of being dropped.
	AttentionPromotionThreshold = 0.5

	// Long-term memories below this importance are archived.
	LongTermArchiveThreshold = 0.1
)

// LayerPolicy is the retention rule set for one layer.
type LayerPolicy struct {
	Capacity   int64         // 0 means unbounded
	DefaultTTL time.Duration // sensory only
}

// LayerConfig maps each layer to its policy.
type LayerConfig map[domain.Layer]LayerPolicy

func DefaultLayerConfig() LayerConfig {
	return LayerConfig{
		domain.LayerSensory:    {Capacity: DefaultSensoryCapacity, DefaultTTL: DefaultSensoryTTL},
		domain.LayerWorking:    {Capacity: DefaultWorkingCapacity},
		domain.LayerReflective: {Capacity: DefaultReflectiveCapacity},
	}
}

// LayerManager enforces capacity, TTL and eviction per layer, and performs
// the attention-based sensory promotion.
type LayerManager struct {
	store  domain.MemoryStore
	clock  domain.Clock
	config LayerConfig
	logger *zap.Logger
}

func NewLayerManager(store domain.MemoryStore, clk domain.Clock, config LayerConfig, logger *zap.Logger) *LayerManager {
	if config == nil {
		config = DefaultLayerConfig()
	}
	return &LayerManager{store: store, clock: clk, config: config, logger: logger}
}

// Place prepares a new memory for its layer and frees capacity for it.
// Overflow is resolved by eviction; when the layer cannot admit the write
// at all (capacity 0) the write fails with RESOURCE_EXHAUSTED rather than
// being dropped silently.
func (lm *LayerManager) Place(ctx context.Context, m *domain.Memory) error {
	policy := lm.config[m.Layer]

	if m.Layer == domain.LayerSensory && m.ExpiresAt == nil {
		ttl := policy.DefaultTTL
		if ttl == 0 {
			ttl = DefaultSensoryTTL
		}
		at := lm.clock.Now().Add(ttl)
		m.ExpiresAt = &at
	}

	if policy.Capacity == 0 {
		if _, bounded := lm.config[m.Layer]; bounded {
			return fmt.Errorf("%w: layer %s has zero capacity", domain.ErrResourceExhausted, m.Layer)
		}
		return nil
	}
	if policy.Capacity < 0 {
		return nil
	}

	count, err := lm.store.Count(ctx, m.TenantID, domain.ListFilter{Layer: &m.Layer})
	if err != nil {
		return fmt.Errorf("count layer %s: %w", m.Layer, err)
	}
	if count < policy.Capacity {
		return nil
	}

	overflow := count - policy.Capacity + 1
	evicted, err := lm.evict(ctx, m.TenantID, m.Layer, int(overflow))
	if err != nil {
		return err
	}
	if int64(evicted) < overflow {
		return fmt.Errorf("%w: layer %s full and eviction freed %d of %d",
			domain.ErrResourceExhausted, m.Layer, evicted, overflow)
	}
	return nil
}

// evict removes n memories from the layer, choosing victims per layer policy:
// sensory evicts FIFO, reflective prunes lowest confidence, everything else
// minimizes (importance, -access_count, created_at).
func (lm *LayerManager) evict(ctx context.Context, tenantID uuid.UUID, layer domain.Layer, n int) (int, error) {
	rows, err := lm.store.List(ctx, tenantID, domain.ListFilter{Layer: &layer})
	if err != nil {
		return 0, fmt.Errorf("list layer %s for eviction: %w", layer, err)
	}

	switch layer {
	case domain.LayerSensory:
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		})
	case domain.LayerReflective:
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].Confidence != rows[j].Confidence {
				return rows[i].Confidence < rows[j].Confidence
			}
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		})
	default:
		sortByEvictionOrder(rows)
	}

	evicted := 0
	for _, victim := range rows {
		if evicted >= n {
			break
		}
		if err := lm.store.Delete(ctx, victim.ID, tenantID); err != nil {
			lm.logger.Warn("eviction delete failed",
				zap.String("memory_id", victim.ID.String()),
				zap.String("layer", string(layer)),
				zap.Error(err))
			continue
		}
		evicted++
	}

	if evicted > 0 {
		lm.logger.Info("layer eviction",
			zap.String("tenant_id", tenantID.String()),
			zap.String("layer", string(layer)),
			zap.Int("evicted", evicted))
	}
	return evicted, nil
}

// sortByEvictionOrder orders victims-first by the lexicographic tuple
// (importance, -access_count, created_at).
func sortByEvictionOrder(rows []domain.Memory) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Importance != rows[j].Importance {
			return rows[i].Importance < rows[j].Importance
		}
		if rows[i].AccessCount != rows[j].AccessCount {
			return rows[i].AccessCount > rows[j].AccessCount
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}

// SensoryCleanupResult reports one sensory sweep.
type SensoryCleanupResult struct {
	Expired  int `json:"expired"`
	Promoted int `json:"promoted"`
}

// CleanupSensory removes expired sensory memories and promotes the ones
// that earned attention. Promotion clears the TTL, moves the row to the
// working layer, and bumps the version.
func (lm *LayerManager) CleanupSensory(ctx context.Context, tenantID uuid.UUID) (*SensoryCleanupResult, error) {
	result := &SensoryCleanupResult{}
	now := lm.clock.Now()

	layer := domain.LayerSensory
	rows, err := lm.store.List(ctx, tenantID, domain.ListFilter{Layer: &layer})
	if err != nil {
		return nil, fmt.Errorf("list sensory: %w", err)
	}

	working := domain.LayerWorking
	for _, m := range rows {
		if m.Expired(now) {
			if m.Importance >= AttentionPromotionThreshold {
				if _, err := lm.store.Update(ctx, m.ID, tenantID, domain.UpdateFields{
					Layer:       &working,
					ClearExpiry: true,
				}); err != nil {
					lm.logger.Warn("sensory promotion failed",
						zap.String("memory_id", m.ID.String()), zap.Error(err))
					continue
				}
				result.Promoted++
				continue
			}
			if err := lm.store.Delete(ctx, m.ID, tenantID); err != nil {
				lm.logger.Warn("expired sensory delete failed",
					zap.String("memory_id", m.ID.String()), zap.Error(err))
				continue
			}
			result.Expired++
		}
	}
	return result, nil
}

// LayerCounts returns the per-layer row counts for a tenant.
func (lm *LayerManager) LayerCounts(ctx context.Context, tenantID uuid.UUID) (map[domain.Layer]int64, error) {
	out := make(map[domain.Layer]int64)
	for _, layer := range []domain.Layer{
		domain.LayerSensory, domain.LayerWorking,
		domain.LayerLongTermEpisodic, domain.LayerLongTermSemantic,
		domain.LayerReflective, domain.LayerArchived,
	} {
		l := layer
		n, err := lm.store.Count(ctx, tenantID, domain.ListFilter{Layer: &l})
		if err != nil {
			return nil, err
		}
		out[layer] = n
	}
	return out, nil
}
