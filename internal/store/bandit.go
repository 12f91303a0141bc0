package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BanditStore persists one policy-state JSON document per engine instance.
type BanditStore struct {
	db *pgxpool.Pool
}

func NewBanditStore(db *pgxpool.Pool) *BanditStore {
	return &BanditStore{db: db}
}

func (s *BanditStore) Load(ctx context.Context, instanceID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRow(ctx,
		`SELECT state FROM bandit_state WHERE instance_id = $1`,
		instanceID,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: bandit state for %s", ErrNotFound, instanceID)
		}
		return nil, wrapDBErr("load bandit state", err)
	}
	return state, nil
}

func (s *BanditStore) Save(ctx context.Context, instanceID string, state []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO bandit_state (instance_id, state, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (instance_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`,
		instanceID, state,
	)
	return wrapDBErr("save bandit state", err)
}

// InMemoryBanditStore keeps the document in process, for development and tests.
type InMemoryBanditStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewInMemoryBanditStore() *InMemoryBanditStore {
	return &InMemoryBanditStore{docs: make(map[string][]byte)}
}

func (s *InMemoryBanditStore) Load(ctx context.Context, instanceID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: bandit state for %s", ErrNotFound, instanceID)
	}
	return append([]byte(nil), doc...), nil
}

func (s *InMemoryBanditStore) Save(ctx context.Context, instanceID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[instanceID] = append([]byte(nil), state...)
	return nil
}
