package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mnemos-io/mnemos/internal/api/middleware"
	"github.com/mnemos-io/mnemos/internal/service"
)

type FeedbackHandler struct {
	engine *service.RetrievalEngine
}

func NewFeedbackHandler(engine *service.RetrievalEngine) *FeedbackHandler {
	return &FeedbackHandler{engine: engine}
}

type feedbackRequest struct {
	Success bool    `json:"success"`
	Reward  float64 `json:"reward"`
}

// Create records a reward signal for the most recent retrieval decision.
func (h *FeedbackHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reward < 0 || req.Reward > 1 {
		writeError(w, http.StatusBadRequest, "reward must be in [0,1]")
		return
	}

	if err := h.engine.UpdatePolicy(r.Context(), tenant.ID, req.Success, req.Reward); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}
