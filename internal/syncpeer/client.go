// Package syncpeer implements the HTTP transport to remote sync peers.
package syncpeer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-io/mnemos/internal/domain"
)

// HTTPClient is the PeerClient over the peer's sync endpoints. When a
// shared secret is configured, memory payloads travel sealed.
type HTTPClient struct {
	httpClient *http.Client
	selfID     string
	cipher     *Cipher // nil sends plaintext payloads
}

func NewHTTPClient(selfID string, sharedSecret string) (*HTTPClient, error) {
	c := &HTTPClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		selfID:     selfID,
	}
	if sharedSecret != "" {
		cipher, err := NewCipher(sharedSecret)
		if err != nil {
			return nil, err
		}
		c.cipher = cipher
	}
	return c, nil
}

type handshakeRequest struct {
	PeerID          string   `json:"peer_id"`
	ProtocolVersion int      `json:"protocol_version"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

type memoryPayload struct {
	TenantID uuid.UUID `json:"tenant_id"`
	// Exactly one of Memories and Sealed is set, depending on whether the
	// sender encrypts.
	Memories []domain.Memory `json:"memories,omitempty"`
	Sealed   string          `json:"sealed,omitempty"`
}

type pullRequest struct {
	TenantID uuid.UUID  `json:"tenant_id"`
	AgentID  *uuid.UUID `json:"agent_id,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
}

type pushResponse struct {
	Applied int `json:"applied"`
}

func (c *HTTPClient) Handshake(ctx context.Context, peer domain.SyncPeer) (*domain.HandshakeResult, error) {
	var result domain.HandshakeResult
	err := c.post(ctx, peer, "/v1/sync/handshake", handshakeRequest{
		PeerID:          c.selfID,
		ProtocolVersion: domain.SyncProtocolVersion,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) PushMemories(ctx context.Context, peer domain.SyncPeer, tenantID uuid.UUID, memories []domain.Memory) (int, error) {
	payload, err := c.sealPayload(tenantID, memories)
	if err != nil {
		return 0, err
	}
	var resp pushResponse
	if err := c.post(ctx, peer, "/v1/sync/push", payload, &resp); err != nil {
		return 0, err
	}
	return resp.Applied, nil
}

func (c *HTTPClient) PullMemories(ctx context.Context, peer domain.SyncPeer, tenantID uuid.UUID, agentID *uuid.UUID, since *time.Time) ([]domain.Memory, error) {
	var payload memoryPayload
	err := c.post(ctx, peer, "/v1/sync/pull", pullRequest{
		TenantID: tenantID,
		AgentID:  agentID,
		Since:    since,
	}, &payload)
	if err != nil {
		return nil, err
	}
	return c.openPayload(&payload)
}

func (c *HTTPClient) GetSyncStatus(ctx context.Context, peer domain.SyncPeer) (*domain.SyncStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.Addr+"/v1/sync/status", nil)
	if err != nil {
		return nil, fmt.Errorf("create status request: %w", err)
	}
	var status domain.SyncStatus
	if err := c.do(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// sealPayload encrypts the memory list when a cipher is configured.
func (c *HTTPClient) sealPayload(tenantID uuid.UUID, memories []domain.Memory) (*memoryPayload, error) {
	payload := &memoryPayload{TenantID: tenantID}
	if c.cipher == nil {
		payload.Memories = memories
		return payload, nil
	}
	plaintext, err := json.Marshal(memories)
	if err != nil {
		return nil, fmt.Errorf("marshal sync payload: %w", err)
	}
	sealed, err := c.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	payload.Sealed = base64.StdEncoding.EncodeToString(sealed)
	return payload, nil
}

func (c *HTTPClient) openPayload(payload *memoryPayload) ([]domain.Memory, error) {
	if payload.Sealed == "" {
		return payload.Memories, nil
	}
	if c.cipher == nil {
		return nil, fmt.Errorf("%w: peer sent a sealed payload but no shared secret is configured", domain.ErrInvalidArgument)
	}
	sealed, err := base64.StdEncoding.DecodeString(payload.Sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed payload: %w", err)
	}
	plaintext, err := c.cipher.Decrypt(sealed)
	if err != nil {
		return nil, err
	}
	var memories []domain.Memory
	if err := json.Unmarshal(plaintext, &memories); err != nil {
		return nil, fmt.Errorf("unmarshal sync payload: %w", err)
	}
	return memories, nil
}

func (c *HTTPClient) post(ctx context.Context, peer domain.SyncPeer, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.Addr+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: peer request %s: %v", domain.ErrUnavailable, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read peer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer returned status %d on %s: %s", resp.StatusCode, req.URL.Path, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal peer response: %w", err)
	}
	return nil
}
