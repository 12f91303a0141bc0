package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/store"
)

// legacyIDVectorStore injects a non-UUID point identifier into the listing.
type legacyIDVectorStore struct {
	domain.VectorStore
	legacy string
}

func (s *legacyIDVectorStore) ListIDs(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]string, error) {
	ids, err := s.VectorStore.ListIDs(ctx, tenantID, offset, limit)
	if err != nil {
		return nil, err
	}
	if offset == 0 && s.legacy != "" {
		ids = append([]string{s.legacy}, ids...)
	}
	return ids, nil
}

func seedVector(t *testing.T, vectors domain.VectorStore, tenantID, memoryID uuid.UUID) {
	t.Helper()
	err := vectors.StoreVector(context.Background(), domain.VectorRecord{
		MemoryID:  memoryID,
		Model:     "test-model",
		TenantID:  tenantID,
		AgentID:   uuid.New(),
		Layer:     domain.LayerWorking,
		Embedding: []float32{0.1, 0.2, 0.3},
	})
	if err != nil {
		t.Fatalf("seed vector: %v", err)
	}
}

func TestReconcileTenantRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	st := newSeededStore(t, clk)
	vectors := store.NewInMemoryVectorStore()
	tenantID := uuid.New()

	backed := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(), Content: "still here",
	})
	seedVector(t, vectors, tenantID, backed.ID)

	orphanID := uuid.New()
	seedVector(t, vectors, tenantID, orphanID)

	r := NewReconciler(st, vectors, zap.NewNop())
	removed, err := r.ReconcileTenant(ctx, tenantID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	ids, err := vectors.ListIDs(ctx, tenantID, 0, 10)
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != backed.ID.String() {
		t.Errorf("surviving ids = %v, want only the backed vector", ids)
	}
}

func TestReconcileTenantSweepsAcrossPages(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	st := newSeededStore(t, clk)
	vectors := store.NewInMemoryVectorStore()
	tenantID := uuid.New()

	backed := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(), Content: "still here",
	})
	seedVector(t, vectors, tenantID, backed.ID)

	// Deleting orphans shifts later listing pages down; the sweep must not
	// step over the survivors.
	orphans := reconcilePageSize + 50
	for i := 0; i < orphans; i++ {
		seedVector(t, vectors, tenantID, uuid.New())
	}

	r := NewReconciler(st, vectors, zap.NewNop())
	removed, err := r.ReconcileTenant(ctx, tenantID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if removed != orphans {
		t.Fatalf("removed = %d, want %d in one pass", removed, orphans)
	}

	ids, err := vectors.ListIDs(ctx, tenantID, 0, orphans+1)
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != backed.ID.String() {
		t.Errorf("surviving ids = %v, want only the backed vector", ids)
	}
}

func TestReconcileTenantSkipsLegacyIDs(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	st := newSeededStore(t, clk)
	inner := store.NewInMemoryVectorStore()
	vectors := &legacyIDVectorStore{VectorStore: inner, legacy: "legacy-point-7"}
	tenantID := uuid.New()

	r := NewReconciler(st, vectors, zap.NewNop())
	removed, err := r.ReconcileTenant(ctx, tenantID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 when only a legacy id is listed", removed)
	}
}

func TestRunReconciliationCoversAllTenants(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	st := newSeededStore(t, clk)
	vectors := store.NewInMemoryVectorStore()

	tenantA := uuid.New()
	tenantB := uuid.New()
	seedMemory(t, st, domain.Memory{TenantID: tenantA, AgentID: uuid.New(), Content: "a"})
	seedMemory(t, st, domain.Memory{TenantID: tenantB, AgentID: uuid.New(), Content: "b"})
	seedVector(t, vectors, tenantA, uuid.New())
	seedVector(t, vectors, tenantB, uuid.New())

	r := NewReconciler(st, vectors, zap.NewNop())
	if total := r.RunReconciliation(ctx); total != 2 {
		t.Errorf("total removed = %d, want 2 across tenants", total)
	}
}
