package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// ReflectionType classifies a derived reflective memory.
type ReflectionType string

const (
	ReflectionInsight       ReflectionType = "insight"
	ReflectionPattern       ReflectionType = "pattern"
	ReflectionContradiction ReflectionType = "contradiction"
	ReflectionSummary       ReflectionType = "summary"
)

func ValidReflectionType(t string) bool {
	switch ReflectionType(t) {
	case ReflectionInsight, ReflectionPattern, ReflectionContradiction, ReflectionSummary:
		return true
	}
	return false
}

// MinReflectionSources is the lower bound on distinct cited memories.
const MinReflectionSources = 2

// ReflectionPruneThreshold is the confidence below which reflections are removed.
const ReflectionPruneThreshold = 0.3

func validateReflectionSources(ids []uuid.UUID) error {
	distinct := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if id != uuid.Nil {
			distinct[id] = true
		}
	}
	if len(distinct) < MinReflectionSources {
		return fmt.Errorf("%w: reflection needs at least %d distinct sources, got %d",
			ErrInvalidArgument, MinReflectionSources, len(distinct))
	}
	return nil
}

// CycleSummary reports the outcome of one reflection cycle.
type CycleSummary struct {
	TenantID            uuid.UUID `json:"tenant_id"`
	AgentID             uuid.UUID `json:"agent_id"`
	ClustersFound       int       `json:"clusters_found"`
	ReflectionsCreated  int       `json:"reflections_created"`
	ReflectionsPruned   int       `json:"reflections_pruned"`
	MemoriesConsidered  int       `json:"memories_considered"`
	TokensSavedEstimate int       `json:"tokens_saved_estimate"`
}
