package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
)

const (
	defaultExpiryInterval = 1 * time.Minute

	// Initial importance when the caller does not provide one.
	DefaultInitialImportance = 0.5
)

// StoreMemoryRequest is the write-side input.
type StoreMemoryRequest struct {
	TenantID   uuid.UUID
	AgentID    uuid.UUID
	Content    string
	Layer      domain.Layer
	Importance *float64
	Project    string
	SessionID  string
	Tags       []string
	Metadata   domain.Metadata
	ExpiresAt  *time.Time
	Embedding  []float32 // optional precomputed vector
}

// MemoryService is the write and point-read path: placement, persistence,
// embedding write-through, lazy expiry, and access accounting.
type MemoryService struct {
	store    domain.MemoryStore
	vectors  domain.VectorStore
	embedder domain.EmbeddingClient // nil disables vector write-through
	layers   *LayerManager
	clock    domain.Clock
	logger   *zap.Logger

	// Expiry sweep worker.
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewMemoryService(
	store domain.MemoryStore,
	vectors domain.VectorStore,
	embedder domain.EmbeddingClient,
	layers *LayerManager,
	clk domain.Clock,
	logger *zap.Logger,
) *MemoryService {
	return &MemoryService{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		layers:   layers,
		clock:    clk,
		logger:   logger,
		interval: defaultExpiryInterval,
		stopCh:   make(chan struct{}),
	}
}

// StoreMemory validates, places, persists, and embeds a new memory.
// Embedding failures are non-fatal: the memory lands in the metadata store
// and the reconciler keeps the stores honest.
func (s *MemoryService) StoreMemory(ctx context.Context, req StoreMemoryRequest) (*domain.Memory, error) {
	if req.Layer == "" {
		req.Layer = domain.LayerWorking
	}
	if req.Layer == domain.LayerReflective || req.Layer == domain.LayerArchived {
		return nil, fmt.Errorf("%w: direct writes to layer %s are not allowed", domain.ErrInvalidArgument, req.Layer)
	}
	if req.Content == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidArgument)
	}

	importance := DefaultInitialImportance
	if req.Importance != nil {
		importance = *req.Importance
	}

	now := s.clock.Now()
	m := &domain.Memory{
		ID:         uuid.New(),
		TenantID:   req.TenantID,
		AgentID:    req.AgentID,
		Project:    req.Project,
		SessionID:  req.SessionID,
		Content:    req.Content,
		Layer:      req.Layer,
		Importance: importance,
		Tags:       req.Tags,
		Metadata:   req.Metadata,
		ExpiresAt:  req.ExpiresAt,
		Version:    1,
		CreatedAt:  now,
		ModifiedAt: now,
	}

	if err := s.layers.Place(ctx, m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if s.embedder != nil {
		m.EmbeddingModels = []string{s.embedder.ModelName()}
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("persist memory: %w", err)
	}

	if s.embedder != nil && s.vectors != nil {
		if err := s.writeVector(ctx, m, req.Embedding); err != nil {
			s.logger.Warn("embedding write-through failed",
				zap.String("memory_id", m.ID.String()),
				zap.Error(err))
		}
	}

	return m, nil
}

func (s *MemoryService) writeVector(ctx context.Context, m *domain.Memory, precomputed []float32) error {
	embedding := precomputed
	if embedding == nil {
		var err error
		embedding, err = s.embedder.EmbedText(ctx, m.Content, domain.TaskSearchDocument)
		if err != nil {
			return err
		}
	}
	return s.vectors.StoreVector(ctx, domain.VectorRecord{
		MemoryID:  m.ID,
		Model:     s.embedder.ModelName(),
		TenantID:  m.TenantID,
		AgentID:   m.AgentID,
		Layer:     m.Layer,
		Project:   m.Project,
		Tags:      m.Tags,
		Embedding: embedding,
	})
}

// GetMemory returns one memory and records the access. An expired sensory
// memory is never returned; the read triggers its removal.
func (s *MemoryService) GetMemory(ctx context.Context, id, tenantID uuid.UUID) (*domain.Memory, error) {
	var m *domain.Memory
	err := withRetry(ctx, s.logger, "get_memory", func() error {
		var err error
		m, err = s.store.GetByID(ctx, id, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if m.Expired(now) {
		if err := s.store.Delete(ctx, id, tenantID); err != nil {
			s.logger.Warn("lazy expiry delete failed",
				zap.String("memory_id", id.String()), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: memory %s", domain.ErrNotFound, id)
	}

	if err := s.store.TouchAccess(ctx, tenantID, []uuid.UUID{id}, now); err != nil {
		s.logger.Warn("access touch failed",
			zap.String("memory_id", id.String()), zap.Error(err))
	} else {
		m.AccessCount++
		m.LastAccessedAt = &now
	}
	return m, nil
}

// ListMemories is a filtered tenant-scoped read.
func (s *MemoryService) ListMemories(ctx context.Context, tenantID uuid.UUID, f domain.ListFilter) ([]domain.Memory, error) {
	var rows []domain.Memory
	err := withRetry(ctx, s.logger, "list_memories", func() error {
		var err error
		rows, err = s.store.List(ctx, tenantID, f)
		return err
	})
	return rows, err
}

// UpdateMemory applies a partial update and refreshes the vector when the
// content changed.
func (s *MemoryService) UpdateMemory(ctx context.Context, id, tenantID uuid.UUID, fields domain.UpdateFields) (*domain.Memory, error) {
	if fields.Importance != nil && (*fields.Importance < 0 || *fields.Importance > 1) {
		return nil, fmt.Errorf("%w: importance %.3f outside [0,1]", domain.ErrInvalidArgument, *fields.Importance)
	}
	if fields.Layer != nil && !domain.ValidLayer(string(*fields.Layer)) {
		return nil, fmt.Errorf("%w: unknown layer %q", domain.ErrInvalidArgument, *fields.Layer)
	}

	m, err := s.store.Update(ctx, id, tenantID, fields)
	if err != nil {
		return nil, err
	}

	if fields.Content != nil && s.embedder != nil && s.vectors != nil {
		if err := s.writeVector(ctx, m, nil); err != nil {
			s.logger.Warn("vector refresh failed",
				zap.String("memory_id", id.String()), zap.Error(err))
		}
	}
	return m, nil
}

// DeleteMemory removes the metadata row and its vector.
func (s *MemoryService) DeleteMemory(ctx context.Context, id, tenantID uuid.UUID) error {
	if err := s.store.Delete(ctx, id, tenantID); err != nil {
		return err
	}
	if s.vectors != nil {
		if err := s.vectors.DeleteVector(ctx, id, tenantID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("vector delete failed",
				zap.String("memory_id", id.String()), zap.Error(err))
		}
	}
	return nil
}

// SetExpiry sets or clears a memory's TTL.
func (s *MemoryService) SetExpiry(ctx context.Context, id, tenantID uuid.UUID, at *time.Time) error {
	return s.store.SetExpiry(ctx, id, tenantID, at)
}

// SetInterval sets the expiry sweep interval.
func (s *MemoryService) SetInterval(d time.Duration) {
	s.interval = d
}

// Start begins the background expiry sweeper.
func (s *MemoryService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				s.runExpirySweep(ctx)
				cancel()
			case <-s.stopCh:
				s.logger.Info("expiry sweeper stopped")
				return
			}
		}
	}()
}

// Stop stops the background sweeper.
func (s *MemoryService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// runExpirySweep promotes attention-worthy sensory memories first, then
// bulk-deletes whatever else expired.
func (s *MemoryService) runExpirySweep(ctx context.Context) {
	tenantIDs, err := s.store.ListTenantIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list tenants for expiry sweep", zap.Error(err))
		return
	}
	for _, tenantID := range tenantIDs {
		if _, err := s.layers.CleanupSensory(ctx, tenantID); err != nil {
			s.logger.Warn("sensory cleanup failed",
				zap.String("tenant_id", tenantID.String()), zap.Error(err))
		}
	}

	deleted, err := s.store.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("expiry sweep removed memories", zap.Int64("deleted", deleted))
	}
}
