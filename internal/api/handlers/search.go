package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/mnemos-io/mnemos/internal/api/middleware"
	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/service"
)

type SearchHandler struct {
	engine *service.RetrievalEngine
}

func NewSearchHandler(engine *service.RetrievalEngine) *SearchHandler {
	return &SearchHandler{engine: engine}
}

type searchRequest struct {
	Query     string   `json:"query"`
	Limit     int      `json:"limit,omitempty"`
	AgentID   string   `json:"agent_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Project   string   `json:"project,omitempty"`
	Layers    []string `json:"layers,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

const defaultSearchLimit = 10

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	scope := service.Scope{
		TenantID:  tenant.ID,
		SessionID: req.SessionID,
		Project:   req.Project,
	}
	if req.AgentID != "" {
		agentID, err := uuid.Parse(req.AgentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid agent_id")
			return
		}
		scope.AgentID = &agentID
	}

	var layers []domain.Layer
	for _, l := range req.Layers {
		if !domain.ValidLayer(l) {
			writeError(w, http.StatusBadRequest, "unknown layer")
			return
		}
		layers = append(layers, domain.Layer(l))
	}

	limit := req.Limit
	if limit == 0 {
		limit = defaultSearchLimit
	}

	result, err := h.engine.Search(r.Context(), service.SearchRequest{
		Scope:  scope,
		Query:  req.Query,
		Limit:  limit,
		Layers: layers,
		Tags:   req.Tags,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
