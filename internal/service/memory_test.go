package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/clock"
	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/embedding"
	"github.com/mnemos-io/mnemos/internal/store"
)

func newTestMemoryService(t *testing.T, clk *clock.Manual, embedder domain.EmbeddingClient, vectors domain.VectorStore) (*MemoryService, *store.InMemoryStore) {
	t.Helper()
	st := newSeededStore(t, clk)
	lm := NewLayerManager(st, clk, nil, zap.NewNop())
	return NewMemoryService(st, vectors, embedder, lm, clk, zap.NewNop()), st
}

func TestStoreMemoryDefaults(t *testing.T) {
	clk := newTestClock()
	svc, _ := newTestMemoryService(t, clk, nil, nil)

	m, err := svc.StoreMemory(context.Background(), StoreMemoryRequest{
		TenantID: uuid.New(),
		AgentID:  uuid.New(),
		Content:  "first observation",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if m.Layer != domain.LayerWorking {
		t.Errorf("layer = %s, want working by default", m.Layer)
	}
	if m.Importance != DefaultInitialImportance {
		t.Errorf("importance = %v, want %v", m.Importance, DefaultInitialImportance)
	}
	if m.Version != 1 {
		t.Errorf("version = %d, want 1", m.Version)
	}
	if m.ID == uuid.Nil {
		t.Error("expected an assigned id")
	}
	if !m.CreatedAt.Equal(clk.Now()) || !m.ModifiedAt.Equal(clk.Now()) {
		t.Errorf("timestamps = %v/%v, want %v", m.CreatedAt, m.ModifiedAt, clk.Now())
	}
}

func TestStoreMemoryRejectsManagedLayers(t *testing.T) {
	clk := newTestClock()
	svc, _ := newTestMemoryService(t, clk, nil, nil)

	for _, layer := range []domain.Layer{domain.LayerReflective, domain.LayerArchived} {
		_, err := svc.StoreMemory(context.Background(), StoreMemoryRequest{
			TenantID: uuid.New(), AgentID: uuid.New(),
			Content: "x", Layer: layer,
		})
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("layer %s: err = %v, want invalid argument", layer, err)
		}
	}
}

func TestStoreMemoryRequiresContent(t *testing.T) {
	clk := newTestClock()
	svc, _ := newTestMemoryService(t, clk, nil, nil)

	_, err := svc.StoreMemory(context.Background(), StoreMemoryRequest{
		TenantID: uuid.New(), AgentID: uuid.New(),
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}

func TestStoreMemoryWritesVectorThrough(t *testing.T) {
	clk := newTestClock()
	embedder := embedding.NewMockClient()
	vectors := store.NewInMemoryVectorStore()
	svc, _ := newTestMemoryService(t, clk, embedder, vectors)
	tenantID := uuid.New()

	m, err := svc.StoreMemory(context.Background(), StoreMemoryRequest{
		TenantID: tenantID, AgentID: uuid.New(),
		Content: "connection pool sizing notes",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(m.EmbeddingModels) != 1 || m.EmbeddingModels[0] != embedder.ModelName() {
		t.Errorf("embedding models = %v, want [%s]", m.EmbeddingModels, embedder.ModelName())
	}

	ids, err := vectors.ListIDs(context.Background(), tenantID, 0, 10)
	if err != nil {
		t.Fatalf("list vectors: %v", err)
	}
	if len(ids) != 1 || ids[0] != m.ID.String() {
		t.Errorf("vector ids = %v, want [%s]", ids, m.ID)
	}
}

func TestGetMemoryRecordsAccess(t *testing.T) {
	clk := newTestClock()
	svc, st := newTestMemoryService(t, clk, nil, nil)
	tenantID := uuid.New()

	m := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Content: "remember me",
	})

	got, err := svc.GetMemory(context.Background(), m.ID, tenantID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("access count = %d, want 1", got.AccessCount)
	}
	if got.LastAccessedAt == nil || !got.LastAccessedAt.Equal(clk.Now()) {
		t.Errorf("last accessed = %v, want %v", got.LastAccessedAt, clk.Now())
	}

	// The touch must not bump the version.
	row, err := st.GetByID(context.Background(), m.ID, tenantID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.Version != 1 {
		t.Errorf("version = %d, want 1 after access touch", row.Version)
	}
}

func TestGetMemoryExpiresLazily(t *testing.T) {
	clk := newTestClock()
	svc, st := newTestMemoryService(t, clk, nil, nil)
	tenantID := uuid.New()

	past := clk.Now().Add(-time.Second)
	m := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Content: "fading", Layer: domain.LayerSensory,
		ExpiresAt: &past,
	})

	_, err := svc.GetMemory(context.Background(), m.ID, tenantID)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found for an expired memory", err)
	}

	// The read removed the row.
	if _, err := st.GetByID(context.Background(), m.ID, tenantID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expired row still present, err = %v", err)
	}
}

func TestUpdateMemoryValidatesFields(t *testing.T) {
	clk := newTestClock()
	svc, st := newTestMemoryService(t, clk, nil, nil)
	tenantID := uuid.New()

	m := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(), Content: "v1",
	})

	bad := 1.5
	if _, err := svc.UpdateMemory(context.Background(), m.ID, tenantID, domain.UpdateFields{Importance: &bad}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("importance 1.5: err = %v, want invalid argument", err)
	}

	badLayer := domain.Layer("cerebellum")
	if _, err := svc.UpdateMemory(context.Background(), m.ID, tenantID, domain.UpdateFields{Layer: &badLayer}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("unknown layer: err = %v, want invalid argument", err)
	}

	content := "v2"
	got, err := svc.UpdateMemory(context.Background(), m.ID, tenantID, domain.UpdateFields{Content: &content})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Content != "v2" {
		t.Errorf("content = %q, want v2", got.Content)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2 after update", got.Version)
	}
}

func TestDeleteMemoryRemovesVector(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	embedder := embedding.NewMockClient()
	vectors := store.NewInMemoryVectorStore()
	svc, _ := newTestMemoryService(t, clk, embedder, vectors)
	tenantID := uuid.New()

	m, err := svc.StoreMemory(ctx, StoreMemoryRequest{
		TenantID: tenantID, AgentID: uuid.New(),
		Content: "short lived",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := svc.DeleteMemory(ctx, m.ID, tenantID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ids, err := vectors.ListIDs(ctx, tenantID, 0, 10)
	if err != nil {
		t.Fatalf("list vectors: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("vector ids = %v, want none after delete", ids)
	}
}

func TestSetExpiryClears(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	svc, st := newTestMemoryService(t, clk, nil, nil)
	tenantID := uuid.New()

	future := clk.Now().Add(time.Hour)
	m := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Content: "pinned", ExpiresAt: &future,
	})

	if err := svc.SetExpiry(ctx, m.ID, tenantID, nil); err != nil {
		t.Fatalf("clear expiry: %v", err)
	}
	got, err := st.GetByID(ctx, m.ID, tenantID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.ExpiresAt != nil {
		t.Errorf("expires_at = %v, want cleared", got.ExpiresAt)
	}
}
