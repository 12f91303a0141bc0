package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/api/middleware"
	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/service"
	"github.com/mnemos-io/mnemos/internal/syncpeer"
)

// SyncHandler serves the peer-facing replication endpoints and the
// tenant-facing sync trigger. Payload shapes mirror the peer client.
type SyncHandler struct {
	svc    *service.SyncService
	store  domain.MemoryStore
	cipher *syncpeer.Cipher // nil accepts and sends plaintext only
	selfID string
	role   domain.PeerRole
	logger *zap.Logger
}

func NewSyncHandler(svc *service.SyncService, store domain.MemoryStore, cipher *syncpeer.Cipher, selfID string, role domain.PeerRole, logger *zap.Logger) *SyncHandler {
	if !domain.ValidPeerRole(string(role)) {
		role = domain.PeerRolePeer
	}
	return &SyncHandler{
		svc:    svc,
		store:  store,
		cipher: cipher,
		selfID: selfID,
		role:   role,
		logger: logger,
	}
}

type syncHandshakeRequest struct {
	PeerID          string   `json:"peer_id"`
	ProtocolVersion int      `json:"protocol_version"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

type syncMemoryPayload struct {
	TenantID uuid.UUID       `json:"tenant_id"`
	Memories []domain.Memory `json:"memories,omitempty"`
	Sealed   string          `json:"sealed,omitempty"`
}

type syncPullRequest struct {
	TenantID uuid.UUID  `json:"tenant_id"`
	AgentID  *uuid.UUID `json:"agent_id,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
}

type syncPushResponse struct {
	Applied int `json:"applied"`
}

func (h *SyncHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	var req syncHandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ProtocolVersion != domain.SyncProtocolVersion {
		writeError(w, http.StatusConflict, "protocol version mismatch")
		return
	}

	h.logger.Info("sync handshake",
		zap.String("peer_id", req.PeerID),
		zap.Int("protocol_version", req.ProtocolVersion))

	writeJSON(w, http.StatusOK, domain.HandshakeResult{
		PeerID:          h.selfID,
		Role:            h.role,
		ProtocolVersion: domain.SyncProtocolVersion,
	})
}

func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	var payload syncMemoryPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	memories, err := h.openPayload(&payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	applied, err := h.svc.ApplyRemote(r.Context(), payload.TenantID, memories)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, syncPushResponse{Applied: applied})
}

func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	var req syncPullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	memories, err := h.store.List(r.Context(), req.TenantID, domain.ListFilter{
		AgentID: req.AgentID,
		Since:   req.Since,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	payload, err := h.sealPayload(req.TenantID, memories)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, payload)
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	var total int64
	tenantIDs, err := h.store.ListTenantIDs(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	for _, tenantID := range tenantIDs {
		n, err := h.store.Count(r.Context(), tenantID, domain.ListFilter{})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		total += n
	}

	writeJSON(w, http.StatusOK, domain.SyncStatus{
		PeerID:       h.selfID,
		Role:         h.role,
		LastSyncedAt: h.svc.LastSyncedAt(),
		MemoryCount:  total,
	})
}

// Run triggers a sync round for the calling tenant against every peer.
func (h *SyncHandler) Run(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	logs := h.svc.SyncTenant(r.Context(), tenant.ID)
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (h *SyncHandler) sealPayload(tenantID uuid.UUID, memories []domain.Memory) (*syncMemoryPayload, error) {
	payload := &syncMemoryPayload{TenantID: tenantID}
	if h.cipher == nil {
		payload.Memories = memories
		return payload, nil
	}
	plaintext, err := json.Marshal(memories)
	if err != nil {
		return nil, err
	}
	sealed, err := h.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	payload.Sealed = base64.StdEncoding.EncodeToString(sealed)
	return payload, nil
}

func (h *SyncHandler) openPayload(payload *syncMemoryPayload) ([]domain.Memory, error) {
	if payload.Sealed == "" {
		return payload.Memories, nil
	}
	if h.cipher == nil {
		return nil, domain.ErrPermissionDenied
	}
	sealed, err := base64.StdEncoding.DecodeString(payload.Sealed)
	if err != nil {
		return nil, domain.ErrInvalidArgument
	}
	plaintext, err := h.cipher.Decrypt(sealed)
	if err != nil {
		return nil, domain.ErrPermissionDenied
	}
	var memories []domain.Memory
	if err := json.Unmarshal(plaintext, &memories); err != nil {
		return nil, domain.ErrInvalidArgument
	}
	return memories, nil
}
