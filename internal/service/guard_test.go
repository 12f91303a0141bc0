package service

import (
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
)

func scored(m domain.Memory) domain.ScoredMemory {
	return domain.ScoredMemory{Memory: m, Score: 1}
}

func TestGuardDropsCrossTenantResults(t *testing.T) {
	guard := NewIsolationGuard(zap.NewNop(), true)
	tenantID := uuid.New()

	mine := scored(domain.Memory{ID: uuid.New(), TenantID: tenantID, AgentID: uuid.New()})
	theirs := scored(domain.Memory{ID: uuid.New(), TenantID: uuid.New(), AgentID: uuid.New()})

	out := guard.Filter([]domain.ScoredMemory{mine, theirs}, Scope{TenantID: tenantID})
	if len(out) != 1 || out[0].Memory.ID != mine.Memory.ID {
		t.Fatalf("filter kept %d results, want only the in-tenant one", len(out))
	}
	if guard.LeakCount() != 1 {
		t.Errorf("leak count = %d, want 1", guard.LeakCount())
	}
}

func TestGuardEnforcesNarrowScopes(t *testing.T) {
	guard := NewIsolationGuard(zap.NewNop(), false)
	tenantID := uuid.New()
	agentID := uuid.New()

	match := scored(domain.Memory{
		ID: uuid.New(), TenantID: tenantID, AgentID: agentID,
		SessionID: "s1", Project: "payments",
	})
	wrongAgent := scored(domain.Memory{
		ID: uuid.New(), TenantID: tenantID, AgentID: uuid.New(),
		SessionID: "s1", Project: "payments",
	})
	wrongSession := scored(domain.Memory{
		ID: uuid.New(), TenantID: tenantID, AgentID: agentID,
		SessionID: "s2", Project: "payments",
	})
	wrongProject := scored(domain.Memory{
		ID: uuid.New(), TenantID: tenantID, AgentID: agentID,
		SessionID: "s1", Project: "billing",
	})

	scope := Scope{TenantID: tenantID, AgentID: &agentID, SessionID: "s1", Project: "payments"}
	out := guard.Filter([]domain.ScoredMemory{match, wrongAgent, wrongSession, wrongProject}, scope)

	if len(out) != 1 || out[0].Memory.ID != match.Memory.ID {
		t.Fatalf("filter kept %d results, want 1 exact scope match", len(out))
	}
	if guard.LeakCount() != 3 {
		t.Errorf("leak count = %d, want 3", guard.LeakCount())
	}
}

func TestGuardUnconstrainedFieldsPass(t *testing.T) {
	guard := NewIsolationGuard(zap.NewNop(), false)
	tenantID := uuid.New()

	results := []domain.ScoredMemory{
		scored(domain.Memory{ID: uuid.New(), TenantID: tenantID, AgentID: uuid.New(), SessionID: "a"}),
		scored(domain.Memory{ID: uuid.New(), TenantID: tenantID, AgentID: uuid.New(), Project: "x"}),
	}

	out := guard.Filter(results, Scope{TenantID: tenantID})
	if len(out) != 2 {
		t.Fatalf("filter kept %d results, want 2 with tenant-only scope", len(out))
	}
	if guard.LeakCount() != 0 {
		t.Errorf("leak count = %d, want 0", guard.LeakCount())
	}
}
