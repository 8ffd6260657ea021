// Package tenant resolves the tenant a request runs under. Inbound requests
// carry a tenant id; the repository answers who that tenant is, whether it is
// active, and what providers and limits apply.
package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.TenantInfo, error)
	List(ctx context.Context) ([]*domain.TenantInfo, error)
	Create(ctx context.Context, t *domain.TenantInfo) error
	Update(ctx context.Context, t *domain.TenantInfo) error
}

type InMemoryRepository struct {
	mu      sync.RWMutex
	tenants map[string]*domain.TenantInfo
}

// NewInMemoryRepository seeds a permissive default tenant so a fresh install
// can serve traffic before any tenants are provisioned.
func NewInMemoryRepository() *InMemoryRepository {
	repo := &InMemoryRepository{tenants: make(map[string]*domain.TenantInfo)}

	now := time.Now().UTC()
	repo.tenants["default"] = &domain.TenantInfo{
		ID:             "default",
		Name:           "default",
		Active:         true,
		Tier:           "standard",
		DailyBudgetUSD: 100.0,
		RateLimitRPM:   60,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	return repo
}

func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*domain.TenantInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[id]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}

	copied := *t
	return &copied, nil
}

func (r *InMemoryRepository) List(ctx context.Context) ([]*domain.TenantInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.TenantInfo, 0, len(r.tenants))
	for _, t := range r.tenants {
		copied := *t
		out = append(out, &copied)
	}
	return out, nil
}

func (r *InMemoryRepository) Create(ctx context.Context, t *domain.TenantInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *t
	r.tenants[t.ID] = &copied
	return nil
}

func (r *InMemoryRepository) Update(ctx context.Context, t *domain.TenantInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[t.ID]; !ok {
		return domain.ErrTenantNotFound
	}

	copied := *t
	copied.UpdatedAt = time.Now().UTC()
	r.tenants[t.ID] = &copied
	return nil
}

// PostgresRepository backs tenant identity with the tenants table:
//
//	CREATE TABLE tenants (
//	    id                 TEXT PRIMARY KEY,
//	    name               TEXT NOT NULL,
//	    active             BOOLEAN NOT NULL DEFAULT true,
//	    tier               TEXT NOT NULL DEFAULT 'standard',
//	    daily_budget_usd   DOUBLE PRECISION NOT NULL,
//	    monthly_budget_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    rate_limit_rpm     INT NOT NULL DEFAULT 60,
//	    allowed_providers  TEXT[] NOT NULL DEFAULT '{}',
//	    settings           JSONB NOT NULL DEFAULT '{}',
//	    created_at         TIMESTAMPTZ NOT NULL,
//	    updated_at         TIMESTAMPTZ NOT NULL
//	);
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const tenantColumns = `id, name, active, tier, daily_budget_usd, monthly_budget_usd,
	       rate_limit_rpm, allowed_providers, settings, created_at, updated_at`

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.TenantInfo, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`

	t, err := scanTenant(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*domain.TenantInfo, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*domain.TenantInfo
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}

	return tenants, rows.Err()
}

func (r *PostgresRepository) Create(ctx context.Context, t *domain.TenantInfo) error {
	query := `
		INSERT INTO tenants (id, name, active, tier, daily_budget_usd, monthly_budget_usd,
		                     rate_limit_rpm, allowed_providers, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("marshal tenant settings: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		t.ID,
		t.Name,
		t.Active,
		t.Tier,
		t.DailyBudgetUSD,
		t.MonthlyBudgetUSD,
		t.RateLimitRPM,
		pq.Array(providerStrings(t.AllowedProviders)),
		settings,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}

	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, t *domain.TenantInfo) error {
	query := `
		UPDATE tenants
		SET name = $2, active = $3, tier = $4, daily_budget_usd = $5, monthly_budget_usd = $6,
		    rate_limit_rpm = $7, allowed_providers = $8, settings = $9, updated_at = $10
		WHERE id = $1
	`

	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("marshal tenant settings: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query,
		t.ID,
		t.Name,
		t.Active,
		t.Tier,
		t.DailyBudgetUSD,
		t.MonthlyBudgetUSD,
		t.RateLimitRPM,
		pq.Array(providerStrings(t.AllowedProviders)),
		settings,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrTenantNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*domain.TenantInfo, error) {
	var t domain.TenantInfo
	var providers pq.StringArray
	var settings []byte

	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Active,
		&t.Tier,
		&t.DailyBudgetUSD,
		&t.MonthlyBudgetUSD,
		&t.RateLimitRPM,
		&providers,
		&settings,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, raw := range providers {
		if p, ok := domain.ParseProvider(raw); ok {
			t.AllowedProviders = append(t.AllowedProviders, p)
		}
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &t.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal tenant settings: %w", err)
		}
	}

	return &t, nil
}

func providerStrings(providers []domain.Provider) []string {
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = string(p)
	}
	return out
}
