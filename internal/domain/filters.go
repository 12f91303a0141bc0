package domain

import (
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows metadata-store reads. Zero values mean "no constraint".
// TenantID is carried separately on every store call.
type ListFilter struct {
	AgentID       *uuid.UUID
	Layer         *Layer
	Layers        []Layer
	Project       string
	SessionID     string
	Tags          []string // match rows containing all of these
	Since         *time.Time
	MinImportance *float64
	NotExpired    bool
	MemoryIDs     []uuid.UUID
	Limit         int
	Offset        int
}

// UpdateFields is a partial update; nil fields are left untouched.
// Every applied update bumps the row's version and modified_at.
type UpdateFields struct {
	Content     *string
	Layer       *Layer
	Importance  *float64
	Confidence  *float64
	Tags        []string
	Metadata    Metadata
	ExpiresAt   *time.Time
	ClearExpiry bool

	// SetVersion overrides the automatic bump; sync uses it to apply a
	// merged version verbatim.
	SetVersion *int64
	// SetModifiedAt overrides the automatic timestamp for the same reason.
	SetModifiedAt *time.Time
}

// PredicateOp compares a numeric field against a bound.
type PredicateOp string

const (
	PredicateLess  PredicateOp = "<"
	PredicateEqual PredicateOp = "="
)

// DeletePredicate selects rows for bulk deletion.
type DeletePredicate struct {
	Field string // "importance" or a metadata key
	Op    PredicateOp
	Value float64
	Layer *Layer
}

// AggregateField is a numeric column aggregations run over.
type AggregateField string

const (
	AggImportance  AggregateField = "importance"
	AggAccessCount AggregateField = "access_count"
)

// AggregateOp is the aggregation applied.
type AggregateOp string

const (
	AggSum AggregateOp = "sum"
	AggAvg AggregateOp = "avg"
	AggMax AggregateOp = "max"
	AggMin AggregateOp = "min"
)
