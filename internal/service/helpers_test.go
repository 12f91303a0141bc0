package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-io/mnemos/internal/clock"
	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/store"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClock() *clock.Manual {
	return clock.NewManual(testEpoch)
}

// seedMemory inserts a memory directly into the store, filling in the
// bookkeeping fields a fresh write would have.
func seedMemory(t *testing.T, s domain.MemoryStore, m domain.Memory) domain.Memory {
	t.Helper()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Version == 0 {
		m.Version = 1
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = testEpoch.Add(-time.Hour)
	}
	if m.ModifiedAt.IsZero() {
		m.ModifiedAt = m.CreatedAt
	}
	if m.Layer == "" {
		m.Layer = domain.LayerWorking
	}
	if m.Content == "" {
		m.Content = "seed content"
	}
	if err := s.Create(context.Background(), &m); err != nil {
		t.Fatalf("seed memory: %v", err)
	}
	return m
}

func newSeededStore(t *testing.T, clk *clock.Manual) *store.InMemoryStore {
	t.Helper()
	s := store.NewInMemoryStore()
	s.SetNowFunc(clk.Now)
	return s
}
