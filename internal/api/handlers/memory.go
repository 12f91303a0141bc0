package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mnemos-io/mnemos/internal/api/middleware"
	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/service"
)

type MemoryHandler struct {
	svc *service.MemoryService
}

func NewMemoryHandler(svc *service.MemoryService) *MemoryHandler {
	return &MemoryHandler{svc: svc}
}

type createMemoryRequest struct {
	AgentID    string          `json:"agent_id"`
	Content    string          `json:"content"`
	Layer      string          `json:"layer,omitempty"`
	Importance *float64        `json:"importance,omitempty"`
	Project    string          `json:"project,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Metadata   domain.Metadata `json:"metadata,omitempty"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	Embedding  []float32       `json:"embedding,omitempty"`
}

func (h *MemoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent_id")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Layer != "" && !domain.ValidLayer(req.Layer) {
		writeError(w, http.StatusBadRequest, "unknown layer")
		return
	}

	memory, err := h.svc.StoreMemory(r.Context(), service.StoreMemoryRequest{
		TenantID:   tenant.ID,
		AgentID:    agentID,
		Content:    req.Content,
		Layer:      domain.Layer(req.Layer),
		Importance: req.Importance,
		Project:    req.Project,
		SessionID:  req.SessionID,
		Tags:       req.Tags,
		Metadata:   req.Metadata,
		ExpiresAt:  req.ExpiresAt,
		Embedding:  req.Embedding,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, memory)
}

func (h *MemoryHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	memory, err := h.svc.GetMemory(r.Context(), id, tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, memory)
}

type listMemoriesResponse struct {
	Memories []domain.Memory `json:"memories"`
	Count    int             `json:"count"`
}

func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	f, err := listFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	memories, err := h.svc.ListMemories(r.Context(), tenant.ID, f)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listMemoriesResponse{Memories: memories, Count: len(memories)})
}

type updateMemoryRequest struct {
	Content    *string         `json:"content,omitempty"`
	Layer      *string         `json:"layer,omitempty"`
	Importance *float64        `json:"importance,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Metadata   domain.Metadata `json:"metadata,omitempty"`
}

func (h *MemoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	var req updateMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fields := domain.UpdateFields{
		Content:    req.Content,
		Importance: req.Importance,
		Confidence: req.Confidence,
		Tags:       req.Tags,
		Metadata:   req.Metadata,
	}
	if req.Layer != nil {
		if !domain.ValidLayer(*req.Layer) {
			writeError(w, http.StatusBadRequest, "unknown layer")
			return
		}
		layer := domain.Layer(*req.Layer)
		fields.Layer = &layer
	}

	memory, err := h.svc.UpdateMemory(r.Context(), id, tenant.ID, fields)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, memory)
}

func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	if err := h.svc.DeleteMemory(r.Context(), id, tenant.ID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type setExpiryRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

// SetExpiry sets or clears a memory's TTL. A null expires_at clears it.
func (h *MemoryHandler) SetExpiry(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	var req setExpiryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.SetExpiry(r.Context(), id, tenant.ID, req.ExpiresAt); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func listFilterFromQuery(r *http.Request) (domain.ListFilter, error) {
	var f domain.ListFilter
	q := r.URL.Query()

	if v := q.Get("agent_id"); v != "" {
		agentID, err := uuid.Parse(v)
		if err != nil {
			return f, errInvalidParam("agent_id")
		}
		f.AgentID = &agentID
	}
	if v := q.Get("layer"); v != "" {
		if !domain.ValidLayer(v) {
			return f, errInvalidParam("layer")
		}
		layer := domain.Layer(v)
		f.Layer = &layer
	}
	f.Project = q.Get("project")
	f.SessionID = q.Get("session_id")
	f.Tags = q["tag"]
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errInvalidParam("since")
		}
		f.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return f, errInvalidParam("limit")
		}
		f.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return f, errInvalidParam("offset")
		}
		f.Offset = offset
	}
	f.NotExpired = q.Get("include_expired") != "true"
	return f, nil
}

func errInvalidParam(name string) error { return fmt.Errorf("invalid %s", name) }
