package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the metadata persistence and lexical search port.
// Every call is tenant-scoped and returns only matching rows.
type MemoryStore interface {
	Create(ctx context.Context, m *Memory) error
	GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*Memory, error)
	List(ctx context.Context, tenantID uuid.UUID, f ListFilter) ([]Memory, error)
	// Search runs tokenized full-text matching over content; scores are
	// monotone in match quality.
	Search(ctx context.Context, tenantID uuid.UUID, query string, f ListFilter) ([]ScoredMemory, error)
	// Update applies a partial update, bumping version and modified_at.
	Update(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, fields UpdateFields) (*Memory, error)
	Delete(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
	DeleteWhere(ctx context.Context, tenantID uuid.UUID, pred DeletePredicate) (int64, error)
	Count(ctx context.Context, tenantID uuid.UUID, f ListFilter) (int64, error)
	Aggregate(ctx context.Context, tenantID uuid.UUID, f ListFilter, field AggregateField, op AggregateOp) (float64, error)
	SetExpiry(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, at *time.Time) error
	// TouchAccess increments access_count and stamps last_accessed_at for
	// the given rows in one round trip. Does not bump version.
	TouchAccess(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID, at time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	ListDistinctAgentIDs(ctx context.Context, tenantID uuid.UUID) ([]uuid.UUID, error)
	ListTenantIDs(ctx context.Context) ([]uuid.UUID, error)
}

// VectorRecord is one stored embedding point.
type VectorRecord struct {
	MemoryID  uuid.UUID
	Model     string
	TenantID  uuid.UUID
	AgentID   uuid.UUID
	Layer     Layer
	Project   string
	Tags      []string
	Embedding []float32
}

// VectorMatch is one ANN search hit.
type VectorMatch struct {
	MemoryID uuid.UUID
	Score    float64
}

// VectorFilter narrows ANN searches by payload fields.
type VectorFilter struct {
	AgentID *uuid.UUID
	Layer   *Layer
	Project string
	Tags    []string
}

// VectorStore is the dense-vector ANN search port.
type VectorStore interface {
	StoreVector(ctx context.Context, rec VectorRecord) error
	StoreBatch(ctx context.Context, recs []VectorRecord) error
	Search(ctx context.Context, tenantID uuid.UUID, query []float32, f VectorFilter, limit int, scoreThreshold float64, model string) ([]VectorMatch, error)
	// SearchWithContradictionPenalty multiplies a hit's score by penalty
	// when its stored vector's dot product with query falls below threshold.
	SearchWithContradictionPenalty(ctx context.Context, tenantID uuid.UUID, query []float32, f VectorFilter, limit int, dotThreshold, penalty float64, model string) ([]VectorMatch, error)
	GetVector(ctx context.Context, memoryID uuid.UUID, tenantID uuid.UUID, model string) (*VectorRecord, error)
	DeleteVector(ctx context.Context, memoryID uuid.UUID, tenantID uuid.UUID) error
	DeleteByLayer(ctx context.Context, tenantID uuid.UUID, layer Layer) (int64, error)
	CountVectors(ctx context.Context, tenantID uuid.UUID) (int64, error)
	// ListIDs pages raw point identifiers for the reconciler. Identifiers
	// that do not parse as UUIDs are legacy points the caller skips.
	ListIDs(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]string, error)
}

// EmbeddingTaskType selects the prefix for prefix-sensitive models.
type EmbeddingTaskType string

const (
	TaskSearchQuery    EmbeddingTaskType = "search_query"
	TaskSearchDocument EmbeddingTaskType = "search_document"
)

// EmbeddingClient turns text into vectors.
type EmbeddingClient interface {
	EmbedText(ctx context.Context, text string, task EmbeddingTaskType) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, task EmbeddingTaskType) ([][]float32, error)
	Dimension() int
	ModelName() string
}

// Message is one turn of an LLM conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest parameterizes a single-shot generation.
type GenerateRequest struct {
	Prompt        string
	SystemPrompt  string
	MaxTokens     int
	Temperature   float64
	StopSequences []string
}

// LLMClient is the opaque text-generation capability.
type LLMClient interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	GenerateWithContext(ctx context.Context, messages []Message) (string, error)
	CountTokens(text string) int
	Summarize(ctx context.Context, text string, maxLength int) (string, error)
	ExtractEntities(ctx context.Context, text string) ([]string, error)
}

// Cache is the shared key-value cache port. Get returns ErrNotFound on miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Increment(ctx context.Context, key string) (int64, error)
	GetTTL(ctx context.Context, key string) (time.Duration, error)
}

// Clock abstracts wall time so lifecycle rules are testable.
type Clock interface {
	Now() time.Time
}

// PeerClient is the transport to a remote sync peer.
type PeerClient interface {
	Handshake(ctx context.Context, peer SyncPeer) (*HandshakeResult, error)
	PushMemories(ctx context.Context, peer SyncPeer, tenantID uuid.UUID, memories []Memory) (int, error)
	PullMemories(ctx context.Context, peer SyncPeer, tenantID uuid.UUID, agentID *uuid.UUID, since *time.Time) ([]Memory, error)
	GetSyncStatus(ctx context.Context, peer SyncPeer) (*SyncStatus, error)
}

// Tenant is an API consumer; resolution happens at the surface.
type Tenant struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*Tenant, error)
}

// Feedback journals one reward signal against a retrieval decision.
type Feedback struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	ArmLevel  string    `json:"arm_level"`
	ArmName   string    `json:"arm_name"`
	Success   bool      `json:"success"`
	Reward    float64   `json:"reward"`
	CreatedAt time.Time `json:"created_at"`
}

type FeedbackStore interface {
	Create(ctx context.Context, f *Feedback) error
	ListRecent(ctx context.Context, limit int) ([]Feedback, error)
}

// BanditStore persists policy state as one document per engine instance.
type BanditStore interface {
	Load(ctx context.Context, instanceID string) ([]byte, error)
	Save(ctx context.Context, instanceID string, state []byte) error
}
