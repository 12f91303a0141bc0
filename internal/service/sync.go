package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
)

const (
	defaultSyncInterval = 10 * time.Minute

	// Modified timestamps closer than this are treated as concurrent edits
	// of the same logical write, not a conflict.
	conflictClockSkew = 1 * time.Second
)

// SyncService replicates memories with configured peers: handshake, diff,
// conflict resolution, and directional apply.
type SyncService struct {
	store  domain.MemoryStore
	client domain.PeerClient
	clock  domain.Clock
	logger *zap.Logger

	strategy domain.ConflictStrategy
	peers    []domain.SyncPeer

	mu       sync.Mutex
	lastSync map[string]time.Time // peer id -> completion time

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewSyncService(store domain.MemoryStore, client domain.PeerClient, peers []domain.SyncPeer, strategy domain.ConflictStrategy, clk domain.Clock, logger *zap.Logger) *SyncService {
	if !domain.ValidConflictStrategy(string(strategy)) {
		strategy = domain.ConflictLastWriteWins
	}
	return &SyncService{
		store:    store,
		client:   client,
		clock:    clk,
		logger:   logger,
		strategy: strategy,
		peers:    peers,
		lastSync: make(map[string]time.Time),
		interval: defaultSyncInterval,
		stopCh:   make(chan struct{}),
	}
}

func (s *SyncService) SetInterval(d time.Duration) {
	s.interval = d
}

func (s *SyncService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("sync worker started",
			zap.Duration("interval", s.interval),
			zap.Int("peers", len(s.peers)))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				s.RunSync(ctx)
				cancel()
			case <-s.stopCh:
				s.logger.Info("sync worker stopped")
				return
			}
		}
	}()
}

func (s *SyncService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// RunSync syncs every tenant against every peer.
func (s *SyncService) RunSync(ctx context.Context) []domain.SyncLog {
	var logs []domain.SyncLog

	tenantIDs, err := s.store.ListTenantIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list tenants for sync", zap.Error(err))
		return logs
	}

	for _, peer := range s.peers {
		for _, tenantID := range tenantIDs {
			log, err := s.SyncWithPeer(ctx, peer, tenantID, nil)
			if err != nil {
				s.logger.Error("sync failed",
					zap.String("peer_id", peer.PeerID),
					zap.String("tenant_id", tenantID.String()),
					zap.Error(err))
				continue
			}
			logs = append(logs, *log)
		}
	}
	return logs
}

// SyncWithPeer runs one full sync round for a tenant against a peer.
func (s *SyncService) SyncWithPeer(ctx context.Context, peer domain.SyncPeer, tenantID uuid.UUID, agentID *uuid.UUID) (*domain.SyncLog, error) {
	log := &domain.SyncLog{
		PeerID:    peer.PeerID,
		TenantID:  tenantID,
		StartedAt: s.clock.Now(),
	}

	if err := s.handshake(ctx, peer); err != nil {
		return nil, err
	}

	local, err := s.store.List(ctx, tenantID, domain.ListFilter{AgentID: agentID})
	if err != nil {
		return nil, fmt.Errorf("list local memories: %w", err)
	}
	remote, err := s.client.PullMemories(ctx, peer, tenantID, agentID, nil)
	if err != nil {
		return nil, fmt.Errorf("pull remote memories: %w", err)
	}

	s.mu.Lock()
	since := s.lastSync[peer.PeerID]
	s.mu.Unlock()

	diff := ComputeDiff(local, remote, since)

	var toPush []domain.Memory

	for _, m := range diff.Created {
		if err := s.store.Create(ctx, &m); err != nil {
			log.Errors = append(log.Errors, fmt.Sprintf("create %s: %v", m.ID, err))
			continue
		}
		log.Pulled++
	}

	toPush = append(toPush, diff.Deleted...)

	for _, pair := range diff.Modified {
		if !pair.Conflict {
			if pair.Local.ModifiedAt.After(pair.Remote.ModifiedAt) {
				toPush = append(toPush, pair.Local)
			} else {
				if err := s.applyLocal(ctx, tenantID, &pair.Remote); err != nil {
					log.Errors = append(log.Errors, fmt.Sprintf("apply %s: %v", pair.Remote.ID, err))
					continue
				}
				log.Pulled++
			}
			continue
		}

		merged, resolved := Resolve(pair, s.strategy)
		if !resolved {
			log.ConflictsManual++
			s.logger.Warn("manual conflict surfaced",
				zap.String("memory_id", pair.Local.ID.String()),
				zap.String("peer_id", peer.PeerID))
			continue
		}
		if err := s.applyLocal(ctx, tenantID, merged); err != nil {
			log.Errors = append(log.Errors, fmt.Sprintf("apply merged %s: %v", merged.ID, err))
			continue
		}
		toPush = append(toPush, *merged)
		log.ConflictsResolved++
	}

	if len(toPush) > 0 {
		pushed, err := s.client.PushMemories(ctx, peer, tenantID, toPush)
		if err != nil {
			log.Errors = append(log.Errors, fmt.Sprintf("push: %v", err))
		} else {
			log.Pushed = pushed
		}
	}

	log.FinishedAt = s.clock.Now()
	s.mu.Lock()
	s.lastSync[peer.PeerID] = log.FinishedAt
	s.mu.Unlock()
	return log, nil
}

// SyncTenant runs one round for a single tenant against every peer.
func (s *SyncService) SyncTenant(ctx context.Context, tenantID uuid.UUID) []domain.SyncLog {
	var logs []domain.SyncLog
	for _, peer := range s.peers {
		log, err := s.SyncWithPeer(ctx, peer, tenantID, nil)
		if err != nil {
			s.logger.Error("sync failed",
				zap.String("peer_id", peer.PeerID),
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			continue
		}
		logs = append(logs, *log)
	}
	return logs
}

// ApplyRemote writes memories pushed by a peer into the local store,
// returning how many were applied.
func (s *SyncService) ApplyRemote(ctx context.Context, tenantID uuid.UUID, memories []domain.Memory) (int, error) {
	applied := 0
	for i := range memories {
		if memories[i].TenantID != tenantID {
			return applied, fmt.Errorf("%w: pushed memory %s belongs to a different tenant",
				domain.ErrPermissionDenied, memories[i].ID)
		}
		if err := s.applyLocal(ctx, tenantID, &memories[i]); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// LastSyncedAt returns the most recent sync completion across peers,
// or nil if no sync has finished yet.
func (s *SyncService) LastSyncedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	for _, at := range s.lastSync {
		if at.After(latest) {
			latest = at
		}
	}
	if latest.IsZero() {
		return nil
	}
	return &latest
}

// handshake refuses the peer unless the protocol versions are equal.
func (s *SyncService) handshake(ctx context.Context, peer domain.SyncPeer) error {
	result, err := s.client.Handshake(ctx, peer)
	if err != nil {
		return fmt.Errorf("%w: handshake with %s: %v", domain.ErrUnavailable, peer.PeerID, err)
	}
	if result.ProtocolVersion != domain.SyncProtocolVersion {
		return fmt.Errorf("%w: peer %s speaks protocol %d, want %d",
			domain.ErrUnavailable, peer.PeerID, result.ProtocolVersion, domain.SyncProtocolVersion)
	}
	return nil
}

// applyLocal writes a remote or merged memory over the local row verbatim.
func (s *SyncService) applyLocal(ctx context.Context, tenantID uuid.UUID, m *domain.Memory) error {
	_, err := s.store.Update(ctx, m.ID, tenantID, domain.UpdateFields{
		Content:       &m.Content,
		Importance:    &m.Importance,
		Tags:          m.Tags,
		Metadata:      m.Metadata,
		SetVersion:    &m.Version,
		SetModifiedAt: &m.ModifiedAt,
	})
	if errors.Is(err, domain.ErrNotFound) {
		return s.store.Create(ctx, m)
	}
	return err
}

// ComputeDiff buckets local against remote for one (tenant, agent) pair.
// A modified pair is a conflict when both sides changed since the last sync,
// the modified timestamps disagree by more than the skew allowance, and a
// compared field actually differs.
func ComputeDiff(local, remote []domain.Memory, lastSync time.Time) *domain.MemoryDiff {
	diff := &domain.MemoryDiff{}

	localByID := make(map[uuid.UUID]*domain.Memory, len(local))
	for i := range local {
		localByID[local[i].ID] = &local[i]
	}
	remoteByID := make(map[uuid.UUID]*domain.Memory, len(remote))
	for i := range remote {
		remoteByID[remote[i].ID] = &remote[i]
	}

	for i := range remote {
		if _, ok := localByID[remote[i].ID]; !ok {
			diff.Created = append(diff.Created, remote[i])
		}
	}

	for i := range local {
		lm := &local[i]
		rm, ok := remoteByID[lm.ID]
		if !ok {
			diff.Deleted = append(diff.Deleted, *lm)
			continue
		}
		if lm.ContentEquals(rm) {
			diff.Unchanged = append(diff.Unchanged, lm.ID)
			continue
		}

		bothChanged := lm.ModifiedAt.After(lastSync) && rm.ModifiedAt.After(lastSync)
		skew := lm.ModifiedAt.Sub(rm.ModifiedAt)
		if skew < 0 {
			skew = -skew
		}
		diff.Modified = append(diff.Modified, domain.ModifiedPair{
			Local:    *lm,
			Remote:   *rm,
			Conflict: bothChanged && skew > conflictClockSkew,
		})
	}

	return diff
}

// Resolve applies the conflict strategy to a conflicting pair. The returned
// bool is false only for the manual strategy, which surfaces the conflict
// without applying anything. Every resolution bumps the version past both
// sides so the next diff round converges.
func Resolve(pair domain.ModifiedPair, strategy domain.ConflictStrategy) (*domain.Memory, bool) {
	lv, rv := &pair.Local, &pair.Remote

	mergedVersion := lv.Version
	if rv.Version > mergedVersion {
		mergedVersion = rv.Version
	}
	mergedVersion++

	var out domain.Memory
	switch strategy {
	case domain.ConflictKeepLocal:
		out = *lv
	case domain.ConflictKeepRemote:
		out = *rv
	case domain.ConflictFieldMerge:
		out = mergeFields(lv, rv)
	case domain.ConflictManual:
		return nil, false
	default: // last_write_wins
		if rv.ModifiedAt.After(lv.ModifiedAt) {
			out = *rv
		} else if lv.ModifiedAt.After(rv.ModifiedAt) {
			out = *lv
		} else if rv.Version > lv.Version {
			out = *rv
		} else {
			out = *lv
		}
	}

	out.Version = mergedVersion
	return &out, true
}

// mergeFields combines both sides field-wise: newer content, union of tags,
// key-wise metadata merge (newer side wins a key collision), max importance.
func mergeFields(lv, rv *domain.Memory) domain.Memory {
	newer, older := lv, rv
	if rv.ModifiedAt.After(lv.ModifiedAt) {
		newer, older = rv, lv
	}

	out := *newer

	tags := append([]string(nil), lv.Tags...)
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		seen[t] = true
	}
	for _, t := range rv.Tags {
		if !seen[t] {
			tags = append(tags, t)
			seen[t] = true
		}
	}
	out.Tags = tags

	meta := older.Metadata.Clone()
	if meta == nil {
		meta = make(domain.Metadata, len(newer.Metadata))
	}
	for k, v := range newer.Metadata.Clone() {
		meta[k] = v
	}
	out.Metadata = meta

	if lv.Importance > out.Importance {
		out.Importance = lv.Importance
	}
	if rv.Importance > out.Importance {
		out.Importance = rv.Importance
	}
	if out.ModifiedAt.Before(older.ModifiedAt) {
		out.ModifiedAt = older.ModifiedAt
	}
	return out
}
