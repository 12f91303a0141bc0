package handlers

import (
	"net/http"
	"time"

	"github.com/mnemos-io/mnemos/internal/api/middleware"
	"github.com/mnemos-io/mnemos/internal/domain"
	"github.com/mnemos-io/mnemos/internal/service"
)

// AdminHandler exposes on-demand lifecycle triggers and engine status.
type AdminHandler struct {
	consolidation *service.ConsolidationService
	reflection    *service.ReflectionService
	reconciler    *service.Reconciler
	layers        *service.LayerManager
	guard         *service.IsolationGuard
	vectors       domain.VectorStore
	bandit        *service.PolicyBandit
	sync          *service.SyncService
}

func NewAdminHandler(
	consolidation *service.ConsolidationService,
	reflection *service.ReflectionService,
	reconciler *service.Reconciler,
	layers *service.LayerManager,
	guard *service.IsolationGuard,
	vectors domain.VectorStore,
	bandit *service.PolicyBandit,
	sync *service.SyncService,
) *AdminHandler {
	return &AdminHandler{
		consolidation: consolidation,
		reflection:    reflection,
		reconciler:    reconciler,
		layers:        layers,
		guard:         guard,
		vectors:       vectors,
		bandit:        bandit,
		sync:          sync,
	}
}

// TriggerConsolidation runs a lifecycle pass for the calling tenant.
func (h *AdminHandler) TriggerConsolidation(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	result, err := h.consolidation.RunConsolidationForTenant(r.Context(), tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// TriggerReflection runs a reflection cycle for the calling tenant.
func (h *AdminHandler) TriggerReflection(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	summary, err := h.reflection.RunCycleForTenant(r.Context(), tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

type reconcileResponse struct {
	OrphansRemoved int `json:"orphans_removed"`
}

// TriggerReconcile removes vector points whose metadata rows are gone.
func (h *AdminHandler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	removed, err := h.reconciler.ReconcileTenant(r.Context(), tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, reconcileResponse{OrphansRemoved: removed})
}

type statusResponse struct {
	LayerCounts  map[domain.Layer]int64 `json:"layer_counts"`
	VectorCount  int64                  `json:"vector_count"`
	GuardLeaks   int64                  `json:"guard_leaks"`
	Bandit       []service.ArmStats     `json:"bandit"`
	LastSyncedAt *time.Time             `json:"last_synced_at,omitempty"`
}

// GetStatus reports per-layer memory counts, the vector point count, the
// isolation guard's leak counter, bandit arm statistics, and the last
// completed peer sync for the calling tenant.
func (h *AdminHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	counts, err := h.layers.LayerCounts(r.Context(), tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	vectorCount, err := h.vectors.CountVectors(r.Context(), tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		LayerCounts:  counts,
		VectorCount:  vectorCount,
		GuardLeaks:   h.guard.LeakCount(),
		Bandit:       h.bandit.Stats(),
		LastSyncedAt: h.sync.LastSyncedAt(),
	})
}
