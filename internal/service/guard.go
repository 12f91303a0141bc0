package service

import (
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
)

// Scope is the ownership tuple a retrieval is expected to stay inside.
// Nil/empty fields are unconstrained.
type Scope struct {
	TenantID  uuid.UUID
	AgentID   *uuid.UUID
	SessionID string
	Project   string
}

// IsolationGuard post-filters retrieval results against the expected scope.
// It is a defense-in-depth layer on top of adapter-level filters; both must
// hold independently.
type IsolationGuard struct {
	logger *zap.Logger
	strict bool

	leakCount atomic.Int64
}

func NewIsolationGuard(logger *zap.Logger, strict bool) *IsolationGuard {
	return &IsolationGuard{logger: logger, strict: strict}
}

// Filter drops any candidate whose ownership fields disagree with the scope
// and counts each drop as a leak.
func (g *IsolationGuard) Filter(results []domain.ScoredMemory, scope Scope) []domain.ScoredMemory {
	out := results[:0]
	for _, r := range results {
		if g.allowed(&r.Memory, scope) {
			out = append(out, r)
			continue
		}
		g.leakCount.Add(1)
		if g.strict {
			g.logger.Warn("isolation guard dropped cross-scope result",
				zap.String("memory_id", r.Memory.ID.String()),
				zap.String("memory_tenant", r.Memory.TenantID.String()),
				zap.String("expected_tenant", scope.TenantID.String()))
		}
	}
	return out
}

func (g *IsolationGuard) allowed(m *domain.Memory, scope Scope) bool {
	if m.TenantID != scope.TenantID {
		return false
	}
	if scope.AgentID != nil && m.AgentID != *scope.AgentID {
		return false
	}
	if scope.SessionID != "" && m.SessionID != scope.SessionID {
		return false
	}
	if scope.Project != "" && m.Project != scope.Project {
		return false
	}
	return true
}

// LeakCount returns the number of candidates dropped since startup.
func (g *IsolationGuard) LeakCount() int64 {
	return g.leakCount.Load()
}
