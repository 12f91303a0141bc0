package domain

import (
	"time"

	"github.com/google/uuid"
)

// SyncProtocolVersion must match on both ends of a handshake.
const SyncProtocolVersion = 2

// PeerRole describes how a peer participates in replication.
type PeerRole string

const (
	PeerRolePrimary PeerRole = "primary"
	PeerRoleReplica PeerRole = "replica"
	PeerRolePeer    PeerRole = "peer"
)

func ValidPeerRole(r string) bool {
	switch PeerRole(r) {
	case PeerRolePrimary, PeerRoleReplica, PeerRolePeer:
		return true
	}
	return false
}

// SyncPeer identifies a remote node.
type SyncPeer struct {
	PeerID          string     `json:"peer_id"`
	Addr            string     `json:"addr"`
	Role            PeerRole   `json:"role"`
	ProtocolVersion int        `json:"protocol_version"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	Capabilities    []string   `json:"capabilities,omitempty"`
}

// HandshakeResult is the peer's response to a handshake.
type HandshakeResult struct {
	PeerID          string   `json:"peer_id"`
	Role            PeerRole `json:"role"`
	ProtocolVersion int      `json:"protocol_version"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// ConflictStrategy selects how MODIFIED conflicts are resolved.
type ConflictStrategy string

const (
	ConflictLastWriteWins ConflictStrategy = "last_write_wins"
	ConflictKeepLocal     ConflictStrategy = "keep_local"
	ConflictKeepRemote    ConflictStrategy = "keep_remote"
	ConflictFieldMerge    ConflictStrategy = "field_merge"
	ConflictManual        ConflictStrategy = "manual"
)

func ValidConflictStrategy(s string) bool {
	switch ConflictStrategy(s) {
	case ConflictLastWriteWins, ConflictKeepLocal, ConflictKeepRemote, ConflictFieldMerge, ConflictManual:
		return true
	}
	return false
}

// MemoryDiff buckets the differences between a local and a remote set.
type MemoryDiff struct {
	Created   []Memory       `json:"created"`   // in remote, not local
	Deleted   []Memory       `json:"deleted"`   // in local, not remote
	Modified  []ModifiedPair `json:"modified"`  // in both, compared fields differ
	Unchanged []uuid.UUID    `json:"unchanged"` // in both, compared fields equal
}

// Empty reports whether applying the diff would change anything.
func (d *MemoryDiff) Empty() bool {
	return len(d.Created) == 0 && len(d.Deleted) == 0 && len(d.Modified) == 0
}

// ModifiedPair holds both sides of a modified memory.
type ModifiedPair struct {
	Local    Memory `json:"local"`
	Remote   Memory `json:"remote"`
	Conflict bool   `json:"conflict"`
}

// SyncLog summarizes one sync run against a peer.
type SyncLog struct {
	PeerID            string    `json:"peer_id"`
	TenantID          uuid.UUID `json:"tenant_id"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	Pulled            int       `json:"pulled"`
	Pushed            int       `json:"pushed"`
	ConflictsResolved int       `json:"conflicts_resolved"`
	ConflictsManual   int       `json:"conflicts_manual"`
	Errors            []string  `json:"errors,omitempty"`
}

// SyncStatus is a peer's replication status report.
type SyncStatus struct {
	PeerID       string     `json:"peer_id"`
	Role         PeerRole   `json:"role"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	MemoryCount  int64      `json:"memory_count"`
}
