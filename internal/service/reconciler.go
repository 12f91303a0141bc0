package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemos-io/mnemos/internal/domain"
)

const (
	defaultReconcileInterval = 30 * time.Minute
	reconcilePageSize        = 100
)

// Reconciler removes vector-store points whose metadata row no longer
// exists, keeping the two stores in agreement.
type Reconciler struct {
	store   domain.MemoryStore
	vectors domain.VectorStore
	logger  *zap.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewReconciler(store domain.MemoryStore, vectors domain.VectorStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		vectors:  vectors,
		logger:   logger,
		interval: defaultReconcileInterval,
		stopCh:   make(chan struct{}),
	}
}

func (r *Reconciler) SetInterval(d time.Duration) {
	r.interval = d
}

func (r *Reconciler) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.logger.Info("reconciler started", zap.Duration("interval", r.interval))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				r.RunReconciliation(ctx)
				cancel()
			case <-r.stopCh:
				r.logger.Info("reconciler stopped")
				return
			}
		}
	}()
}

func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// RunReconciliation reconciles every tenant and returns the total number of
// orphaned vectors removed.
func (r *Reconciler) RunReconciliation(ctx context.Context) int {
	total := 0

	tenantIDs, err := r.store.ListTenantIDs(ctx)
	if err != nil {
		r.logger.Error("failed to list tenants for reconciliation", zap.Error(err))
		return total
	}

	for _, tenantID := range tenantIDs {
		removed, err := r.ReconcileTenant(ctx, tenantID)
		if err != nil {
			r.logger.Error("reconciliation failed for tenant",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			continue
		}
		total += removed
	}
	return total
}

// ReconcileTenant pages through the tenant's vector ids and deletes every
// point without a backing metadata row. Identifiers that do not parse as
// UUIDs are legacy points and are skipped.
func (r *Reconciler) ReconcileTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	removed := 0
	offset := 0

	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		rawIDs, err := r.vectors.ListIDs(ctx, tenantID, offset, reconcilePageSize)
		if err != nil {
			return removed, fmt.Errorf("list vector ids: %w", err)
		}
		if len(rawIDs) == 0 {
			break
		}

		var pageIDs []uuid.UUID
		for _, raw := range rawIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				r.logger.Debug("skipping legacy vector id", zap.String("id", raw))
				continue
			}
			pageIDs = append(pageIDs, id)
		}

		deleted := 0
		if len(pageIDs) > 0 {
			rows, err := r.store.List(ctx, tenantID, domain.ListFilter{MemoryIDs: pageIDs})
			if err != nil {
				return removed, fmt.Errorf("list metadata rows: %w", err)
			}
			present := make(map[uuid.UUID]bool, len(rows))
			for _, m := range rows {
				present[m.ID] = true
			}

			for _, id := range pageIDs {
				if present[id] {
					continue
				}
				if err := r.vectors.DeleteVector(ctx, id, tenantID); err != nil {
					r.logger.Warn("orphan vector delete failed",
						zap.String("memory_id", id.String()), zap.Error(err))
					continue
				}
				removed++
				deleted++
			}
		}

		if len(rawIDs) < reconcilePageSize {
			break
		}
		// Deleted points vanish from the listing and shift the survivors
		// down, so advance only past the ids that are still there.
		offset += len(rawIDs) - deleted
	}

	if removed > 0 {
		r.logger.Info("reconciliation removed orphan vectors",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("removed", removed))
	}
	return removed, nil
}
