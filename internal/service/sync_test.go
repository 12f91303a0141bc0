package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
)

// fakePeerClient serves a fixed remote memory set and records pushes.
type fakePeerClient struct {
	protocolVersion int
	remote          []domain.Memory
	pushed          []domain.Memory
	handshakeErr    error
}

func newFakePeerClient(remote ...domain.Memory) *fakePeerClient {
	return &fakePeerClient{protocolVersion: domain.SyncProtocolVersion, remote: remote}
}

func (c *fakePeerClient) Handshake(ctx context.Context, peer domain.SyncPeer) (*domain.HandshakeResult, error) {
	if c.handshakeErr != nil {
		return nil, c.handshakeErr
	}
	return &domain.HandshakeResult{
		PeerID:          peer.PeerID,
		Role:            domain.PeerRolePeer,
		ProtocolVersion: c.protocolVersion,
	}, nil
}

func (c *fakePeerClient) PushMemories(ctx context.Context, peer domain.SyncPeer, tenantID uuid.UUID, memories []domain.Memory) (int, error) {
	c.pushed = append(c.pushed, memories...)
	return len(memories), nil
}

func (c *fakePeerClient) PullMemories(ctx context.Context, peer domain.SyncPeer, tenantID uuid.UUID, agentID *uuid.UUID, since *time.Time) ([]domain.Memory, error) {
	return c.remote, nil
}

func (c *fakePeerClient) GetSyncStatus(ctx context.Context, peer domain.SyncPeer) (*domain.SyncStatus, error) {
	return &domain.SyncStatus{PeerID: peer.PeerID}, nil
}

func syncTestMemory(tenantID uuid.UUID, content string, version int64, modifiedAt time.Time) domain.Memory {
	return domain.Memory{
		ID:         uuid.New(),
		TenantID:   tenantID,
		AgentID:    uuid.New(),
		Content:    content,
		Layer:      domain.LayerWorking,
		Importance: 0.5,
		Version:    version,
		CreatedAt:  modifiedAt.Add(-time.Hour),
		ModifiedAt: modifiedAt,
	}
}

func TestComputeDiffBuckets(t *testing.T) {
	tenantID := uuid.New()
	lastSync := testEpoch.Add(-time.Hour)

	localOnly := syncTestMemory(tenantID, "local only", 1, testEpoch)
	remoteOnly := syncTestMemory(tenantID, "remote only", 1, testEpoch)
	shared := syncTestMemory(tenantID, "same", 3, testEpoch)
	changedLocal := syncTestMemory(tenantID, "old", 2, testEpoch.Add(-2*time.Hour))
	changedRemote := changedLocal
	changedRemote.Content = "new"
	changedRemote.Version = 3
	changedRemote.ModifiedAt = testEpoch

	diff := ComputeDiff(
		[]domain.Memory{localOnly, shared, changedLocal},
		[]domain.Memory{remoteOnly, shared, changedRemote},
		lastSync,
	)

	require.Len(t, diff.Created, 1)
	require.Equal(t, remoteOnly.ID, diff.Created[0].ID)
	require.Len(t, diff.Deleted, 1)
	require.Equal(t, localOnly.ID, diff.Deleted[0].ID)
	require.Len(t, diff.Unchanged, 1)
	require.Equal(t, shared.ID, diff.Unchanged[0])
	require.Len(t, diff.Modified, 1)
	require.False(t, diff.Modified[0].Conflict, "one-sided change is not a conflict")
}

func TestComputeDiffConflictNeedsBothSidesAndSkew(t *testing.T) {
	tenantID := uuid.New()
	lastSync := testEpoch.Add(-time.Hour)

	local := syncTestMemory(tenantID, "local edit", 2, testEpoch.Add(-10*time.Minute))
	remote := local
	remote.Content = "remote edit"
	remote.ModifiedAt = testEpoch.Add(-2 * time.Minute)

	diff := ComputeDiff([]domain.Memory{local}, []domain.Memory{remote}, lastSync)
	require.Len(t, diff.Modified, 1)
	require.True(t, diff.Modified[0].Conflict)

	// Same edits inside the clock skew window are concurrent, not conflicting.
	remote.ModifiedAt = local.ModifiedAt.Add(500 * time.Millisecond)
	diff = ComputeDiff([]domain.Memory{local}, []domain.Memory{remote}, lastSync)
	require.Len(t, diff.Modified, 1)
	require.False(t, diff.Modified[0].Conflict)
}

func TestComputeDiffIdempotentOnEqualSets(t *testing.T) {
	tenantID := uuid.New()
	a := syncTestMemory(tenantID, "a", 1, testEpoch)
	b := syncTestMemory(tenantID, "b", 4, testEpoch)

	diff := ComputeDiff([]domain.Memory{a, b}, []domain.Memory{a, b}, testEpoch.Add(-time.Hour))
	require.True(t, diff.Empty())
	require.Len(t, diff.Unchanged, 2)
}

func conflictPair(tenantID uuid.UUID) domain.ModifiedPair {
	local := syncTestMemory(tenantID, "A", 3, testEpoch.Add(-10*time.Minute))
	local.Tags = []string{"x"}
	local.Importance = 0.8
	remote := local
	remote.Content = "B"
	remote.Tags = []string{"y"}
	remote.Importance = 0.6
	remote.Version = 2
	remote.ModifiedAt = testEpoch
	return domain.ModifiedPair{Local: local, Remote: remote, Conflict: true}
}

func TestResolveLastWriteWins(t *testing.T) {
	pair := conflictPair(uuid.New())

	merged, resolved := Resolve(pair, domain.ConflictLastWriteWins)
	require.True(t, resolved)
	require.Equal(t, "B", merged.Content, "remote side modified later")
	require.Equal(t, int64(4), merged.Version, "version must move past both sides")
}

func TestResolveKeepLocalAndKeepRemote(t *testing.T) {
	pair := conflictPair(uuid.New())

	merged, resolved := Resolve(pair, domain.ConflictKeepLocal)
	require.True(t, resolved)
	require.Equal(t, "A", merged.Content)
	require.Equal(t, int64(4), merged.Version)

	merged, resolved = Resolve(pair, domain.ConflictKeepRemote)
	require.True(t, resolved)
	require.Equal(t, "B", merged.Content)
	require.Equal(t, int64(4), merged.Version)
}

func TestResolveFieldMerge(t *testing.T) {
	pair := conflictPair(uuid.New())

	merged, resolved := Resolve(pair, domain.ConflictFieldMerge)
	require.True(t, resolved)
	require.Equal(t, "B", merged.Content, "content follows the newer side")
	require.ElementsMatch(t, []string{"x", "y"}, merged.Tags, "tags are unioned")
	require.Equal(t, 0.8, merged.Importance, "importance takes the max")
	require.Equal(t, int64(4), merged.Version)
}

func TestResolveManualSurfacesConflict(t *testing.T) {
	pair := conflictPair(uuid.New())
	merged, resolved := Resolve(pair, domain.ConflictManual)
	require.False(t, resolved)
	require.Nil(t, merged)
}

func TestSyncWithPeerPullsRemoteCreations(t *testing.T) {
	clk := newTestClock()
	st := newSeededStore(t, clk)
	tenantID := uuid.New()

	remote := syncTestMemory(tenantID, "remote knowledge", 1, testEpoch.Add(-time.Minute))
	client := newFakePeerClient(remote)
	svc := NewSyncService(st, client, nil, domain.ConflictLastWriteWins, clk, zap.NewNop())

	peer := domain.SyncPeer{PeerID: "peer-a", Addr: "http://peer-a"}
	log, err := svc.SyncWithPeer(context.Background(), peer, tenantID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, log.Pulled)
	require.Empty(t, log.Errors)

	got, err := st.GetByID(context.Background(), remote.ID, tenantID)
	require.NoError(t, err)
	require.Equal(t, "remote knowledge", got.Content)
}

func TestSyncWithPeerPushesLocalOnlyMemories(t *testing.T) {
	clk := newTestClock()
	st := newSeededStore(t, clk)
	tenantID := uuid.New()

	local := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Content: "local insight", Importance: 0.5,
	})

	client := newFakePeerClient()
	svc := NewSyncService(st, client, nil, domain.ConflictLastWriteWins, clk, zap.NewNop())

	log, err := svc.SyncWithPeer(context.Background(), domain.SyncPeer{PeerID: "peer-a"}, tenantID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, log.Pushed)
	require.Len(t, client.pushed, 1)
	require.Equal(t, local.ID, client.pushed[0].ID)
}

func TestSyncWithPeerRefusesProtocolMismatch(t *testing.T) {
	clk := newTestClock()
	st := newSeededStore(t, clk)

	client := newFakePeerClient()
	client.protocolVersion = domain.SyncProtocolVersion + 1
	svc := NewSyncService(st, client, nil, domain.ConflictLastWriteWins, clk, zap.NewNop())

	_, err := svc.SyncWithPeer(context.Background(), domain.SyncPeer{PeerID: "peer-a"}, uuid.New(), nil)
	require.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestSyncWithPeerResolvesConflictAndConverges(t *testing.T) {
	clk := newTestClock()
	st := newSeededStore(t, clk)
	tenantID := uuid.New()

	local := seedMemory(t, st, domain.Memory{
		TenantID: tenantID, AgentID: uuid.New(),
		Content: "local edit", Importance: 0.8, Version: 3,
		CreatedAt:  testEpoch.Add(-2 * time.Hour),
		ModifiedAt: testEpoch.Add(-10 * time.Minute),
	})
	remote := local
	remote.Content = "remote edit"
	remote.Importance = 0.6
	remote.Version = 2
	remote.ModifiedAt = testEpoch.Add(-2 * time.Minute)

	client := newFakePeerClient(remote)
	svc := NewSyncService(st, client, nil, domain.ConflictLastWriteWins, clk, zap.NewNop())

	log, err := svc.SyncWithPeer(context.Background(), domain.SyncPeer{PeerID: "peer-a"}, tenantID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, log.ConflictsResolved)

	got, err := st.GetByID(context.Background(), local.ID, tenantID)
	require.NoError(t, err)
	require.Equal(t, "remote edit", got.Content, "remote modified later under last_write_wins")
	require.Equal(t, int64(4), got.Version, "merged version applied verbatim")
	require.Len(t, client.pushed, 1, "resolution propagates back to the peer")
}

func TestApplyRemoteRejectsForeignTenant(t *testing.T) {
	clk := newTestClock()
	st := newSeededStore(t, clk)
	tenantID := uuid.New()

	foreign := syncTestMemory(uuid.New(), "not yours", 1, testEpoch)
	svc := NewSyncService(st, newFakePeerClient(), nil, domain.ConflictLastWriteWins, clk, zap.NewNop())

	_, err := svc.ApplyRemote(context.Background(), tenantID, []domain.Memory{foreign})
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
}
