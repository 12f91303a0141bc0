package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
)

func TestPlaceDefaultsSensoryExpiry(t *testing.T) {
	clk := newTestClock()
	st := newSeededStore(t, clk)
	lm := NewLayerManager(st, clk, nil, zap.NewNop())

	m := &domain.Memory{
		TenantID: uuid.New(),
		AgentID:  uuid.New(),
		Layer:    domain.LayerSensory,
		Content:  "glimpse",
	}
	if err := lm.Place(context.Background(), m); err != nil {
		t.Fatalf("place: %v", err)
	}
	if m.ExpiresAt == nil {
		t.Fatal("expected a default TTL on sensory placement")
	}
	want := clk.Now().Add(DefaultSensoryTTL)
	if !m.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", m.ExpiresAt, want)
	}
}

func TestPlaceZeroCapacityLayerRejectsWrite(t *testing.T) {
	clk := newTestClock()
	st := newSeededStore(t, clk)
	cfg := LayerConfig{domain.LayerWorking: {Capacity: 0}}
	lm := NewLayerManager(st, clk, cfg, zap.NewNop())

	m := &domain.Memory{
		TenantID: uuid.New(),
		AgentID:  uuid.New(),
		Layer:    domain.LayerWorking,
		Content:  "no room",
	}
	err := lm.Place(context.Background(), m)
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Fatalf("err = %v, want resource exhausted", err)
	}
}

func TestPlaceEvictsLowestImportanceFirst(t *testing.T) {
	clk := newTestClock()
	st := newSeededStore(t, clk)
	cfg := LayerConfig{domain.LayerWorking: {Capacity: 2}}
	lm := NewLayerManager(st, clk, cfg, zap.NewNop())
	tenantID := uuid.New()

	weak := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Layer: domain.LayerWorking, Importance: 0.1,
	})
	strong := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Layer: domain.LayerWorking, Importance: 0.9,
	})

	m := &domain.Memory{
		TenantID: tenantID,
		AgentID:  uuid.New(),
		Layer:    domain.LayerWorking,
		Content:  "newcomer",
	}
	if err := lm.Place(context.Background(), m); err != nil {
		t.Fatalf("place: %v", err)
	}

	if _, err := st.GetByID(context.Background(), weak.ID, tenantID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("low-importance memory should have been evicted, got err = %v", err)
	}
	if _, err := st.GetByID(context.Background(), strong.ID, tenantID); err != nil {
		t.Errorf("high-importance memory should survive eviction: %v", err)
	}
}

func TestPlaceEvictionBreaksTiesOnAccessCount(t *testing.T) {
	clk := newTestClock()
	st := newSeededStore(t, clk)
	cfg := LayerConfig{domain.LayerWorking: {Capacity: 2}}
	lm := NewLayerManager(st, clk, cfg, zap.NewNop())
	tenantID := uuid.New()

	// Same importance: ascending (importance, -access_count, created_at)
	// puts the heavily accessed row first in line. Its content has had its
	// chance to consolidate upward.
	cold := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Layer: domain.LayerWorking, Importance: 0.5, AccessCount: 1,
	})
	warm := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Layer: domain.LayerWorking, Importance: 0.5, AccessCount: 8,
	})

	m := &domain.Memory{TenantID: tenantID, AgentID: uuid.New(), Layer: domain.LayerWorking, Content: "x"}
	if err := lm.Place(context.Background(), m); err != nil {
		t.Fatalf("place: %v", err)
	}

	if _, err := st.GetByID(context.Background(), warm.ID, tenantID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("heavily accessed memory should have been evicted, got err = %v", err)
	}
	if _, err := st.GetByID(context.Background(), cold.ID, tenantID); err != nil {
		t.Errorf("rarely accessed memory should survive: %v", err)
	}
}

func TestCleanupSensoryPromotesAndExpires(t *testing.T) {
	clk := newTestClock()
	st := newSeededStore(t, clk)
	lm := NewLayerManager(st, clk, nil, zap.NewNop())
	tenantID := uuid.New()

	past := testEpoch.Add(-time.Minute)
	future := testEpoch.Add(time.Hour)

	important := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Layer: domain.LayerSensory, Importance: 0.8, ExpiresAt: &past,
	})
	trivial := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Layer: domain.LayerSensory, Importance: 0.2, ExpiresAt: &past,
	})
	fresh := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Layer: domain.LayerSensory, Importance: 0.2, ExpiresAt: &future,
	})

	result, err := lm.CleanupSensory(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.Promoted != 1 || result.Expired != 1 {
		t.Fatalf("result = %+v, want 1 promoted, 1 expired", result)
	}

	got, err := st.GetByID(context.Background(), important.ID, tenantID)
	if err != nil {
		t.Fatalf("promoted memory missing: %v", err)
	}
	if got.Layer != domain.LayerWorking {
		t.Errorf("layer = %s, want %s", got.Layer, domain.LayerWorking)
	}
	if got.ExpiresAt != nil {
		t.Error("promotion should clear the TTL")
	}

	if _, err := st.GetByID(context.Background(), trivial.ID, tenantID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("trivial expired memory should be gone, got err = %v", err)
	}
	if _, err := st.GetByID(context.Background(), fresh.ID, tenantID); err != nil {
		t.Errorf("unexpired memory should remain: %v", err)
	}
}
