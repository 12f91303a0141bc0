package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Layer is the cognitive storage class a memory lives in.
type Layer string

const (
	LayerSensory          Layer = "sensory"
	LayerWorking          Layer = "working"
	LayerLongTermEpisodic Layer = "long_term_episodic"
	LayerLongTermSemantic Layer = "long_term_semantic"
	LayerReflective       Layer = "reflective"
	LayerArchived         Layer = "archived"
)

func ValidLayer(l string) bool {
	switch Layer(l) {
	case LayerSensory, LayerWorking, LayerLongTermEpisodic, LayerLongTermSemantic, LayerReflective, LayerArchived:
		return true
	}
	return false
}

// IsLongTerm reports whether the layer is one of the long-term classes.
func (l Layer) IsLongTerm() bool {
	return l == LayerLongTermEpisodic || l == LayerLongTermSemantic
}

// CanTransitionTo reports whether the lifecycle permits moving from l to next.
// The edges mirror the consolidation state machine; every layer may archive.
func (l Layer) CanTransitionTo(next Layer) bool {
	if next == LayerArchived {
		return l != LayerArchived
	}
	switch l {
	case LayerSensory:
		return next == LayerWorking
	case LayerWorking:
		return next == LayerLongTermEpisodic
	case LayerLongTermEpisodic:
		return next == LayerLongTermSemantic
	}
	return false
}

// Memory is the atomic unit of the store.
type Memory struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	AgentID    uuid.UUID `json:"agent_id"`
	Project    string    `json:"project,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Content    string    `json:"content"`
	Layer      Layer     `json:"layer"`
	Importance float64   `json:"importance"`

	AccessCount    int64      `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	Tags     []string `json:"tags,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`

	// Reflective memories cite the memories they were derived from.
	SourceMemoryIDs []uuid.UUID    `json:"source_memory_ids,omitempty"`
	ReflectionType  ReflectionType `json:"reflection_type,omitempty"`
	Confidence      float64        `json:"confidence,omitempty"`

	EmbeddingModels []string `json:"embedding_models,omitempty"`

	// Version increases on every mutation; sync relies on it.
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Validate checks the record invariants.
func (m *Memory) Validate() error {
	if m.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidArgument)
	}
	if m.AgentID == uuid.Nil {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidArgument)
	}
	if !ValidLayer(string(m.Layer)) {
		return fmt.Errorf("%w: unknown layer %q", ErrInvalidArgument, m.Layer)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("%w: importance %.3f outside [0,1]", ErrInvalidArgument, m.Importance)
	}
	if m.AccessCount < 0 {
		return fmt.Errorf("%w: negative access_count", ErrInvalidArgument)
	}
	if m.Layer == LayerSensory && m.ExpiresAt == nil {
		return fmt.Errorf("%w: sensory memory requires expires_at", ErrInvalidArgument)
	}
	if m.Layer == LayerReflective {
		if err := validateReflectionSources(m.SourceMemoryIDs); err != nil {
			return err
		}
		if !ValidReflectionType(string(m.ReflectionType)) {
			return fmt.Errorf("%w: unknown reflection_type %q", ErrInvalidArgument, m.ReflectionType)
		}
		if m.Confidence < 0 || m.Confidence > 1 {
			return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidArgument, m.Confidence)
		}
	}
	if !m.ModifiedAt.IsZero() && !m.CreatedAt.IsZero() && m.ModifiedAt.Before(m.CreatedAt) {
		return fmt.Errorf("%w: modified_at before created_at", ErrInvalidArgument)
	}
	return nil
}

// Expired reports whether the memory's TTL has passed at now.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// FreshnessAnchor is the reference instant recency decays from.
func (m *Memory) FreshnessAnchor() time.Time {
	if m.LastAccessedAt != nil && m.LastAccessedAt.After(m.CreatedAt) {
		return *m.LastAccessedAt
	}
	return m.CreatedAt
}

// HasTag reports whether the memory carries the given tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ContentEquals compares the fields sync treats as content-bearing.
func (m *Memory) ContentEquals(o *Memory) bool {
	if m.Content != o.Content || m.Importance != o.Importance || m.Version != o.Version {
		return false
	}
	if len(m.Tags) != len(o.Tags) {
		return false
	}
	tags := make(map[string]bool, len(m.Tags))
	for _, t := range m.Tags {
		tags[t] = true
	}
	for _, t := range o.Tags {
		if !tags[t] {
			return false
		}
	}
	return m.Metadata.Equal(o.Metadata)
}

// ScoredMemory pairs a memory with its retrieval score.
type ScoredMemory struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}
