package store

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemos-io/mnemos/internal/domain"
)

// FeedbackStore journals retrieval reward signals.
type FeedbackStore struct {
	db *pgxpool.Pool
}

func NewFeedbackStore(db *pgxpool.Pool) *FeedbackStore {
	return &FeedbackStore{db: db}
}

func (s *FeedbackStore) Create(ctx context.Context, f *domain.Feedback) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO retrieval_feedback (id, tenant_id, arm_level, arm_name, success, reward, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.TenantID, f.ArmLevel, f.ArmName, f.Success, f.Reward, f.CreatedAt,
	)
	return wrapDBErr("create feedback", err)
}

func (s *FeedbackStore) ListRecent(ctx context.Context, limit int) ([]domain.Feedback, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, arm_level, arm_name, success, reward, created_at
		 FROM retrieval_feedback ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, wrapDBErr("list feedback", err)
	}
	defer rows.Close()

	var out []domain.Feedback
	for rows.Next() {
		var f domain.Feedback
		if err := rows.Scan(&f.ID, &f.TenantID, &f.ArmLevel, &f.ArmName, &f.Success, &f.Reward, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, wrapDBErr("list feedback", rows.Err())
}

// InMemoryFeedbackStore keeps the journal in process.
type InMemoryFeedbackStore struct {
	mu   sync.Mutex
	rows []domain.Feedback
}

func NewInMemoryFeedbackStore() *InMemoryFeedbackStore {
	return &InMemoryFeedbackStore{}
}

func (s *InMemoryFeedbackStore) Create(ctx context.Context, f *domain.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, *f)
	return nil
}

func (s *InMemoryFeedbackStore) ListRecent(ctx context.Context, limit int) ([]domain.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Feedback, 0, limit)
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.rows[i])
	}
	return out, nil
}
