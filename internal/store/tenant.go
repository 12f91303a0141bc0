package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemos-io/mnemos/internal/domain"
)

type TenantStore struct {
	db *pgxpool.Pool
}

func NewTenantStore(db *pgxpool.Pool) *TenantStore {
	return &TenantStore{db: db}
}

func (s *TenantStore) Create(ctx context.Context, t *domain.Tenant) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO tenants (id, name, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.APIKeyHash, t.CreatedAt,
	)
	return wrapDBErr("create tenant", err)
}

func (s *TenantStore) GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*domain.Tenant, error) {
	t := &domain.Tenant{}
	err := s.db.QueryRow(ctx,
		`SELECT id, name, api_key_hash, created_at FROM tenants WHERE api_key_hash = $1`,
		apiKeyHash,
	).Scan(&t.ID, &t.Name, &t.APIKeyHash, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: tenant", ErrNotFound)
		}
		return nil, wrapDBErr("get tenant", err)
	}
	return t, nil
}

// InMemoryTenantStore resolves tenants in process, for development and tests.
type InMemoryTenantStore struct {
	mu      sync.RWMutex
	byHash  map[string]domain.Tenant
}

func NewInMemoryTenantStore() *InMemoryTenantStore {
	return &InMemoryTenantStore{byHash: make(map[string]domain.Tenant)}
}

func (s *InMemoryTenantStore) Create(ctx context.Context, t *domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byHash[t.APIKeyHash]; exists {
		return fmt.Errorf("%w: api key already registered", domain.ErrConflict)
	}
	s.byHash[t.APIKeyHash] = *t
	return nil
}

func (s *InMemoryTenantStore) GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byHash[apiKeyHash]
	if !ok {
		return nil, fmt.Errorf("%w: tenant", ErrNotFound)
	}
	out := t
	return &out, nil
}
