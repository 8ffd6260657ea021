package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Store is the durable spend ledger, keyed by (tenant_id, usage_date) so
// budgets survive process restarts.
type Store interface {
	AddUsage(ctx context.Context, tenantID string, day time.Time, cost float64) error
	DayUsage(ctx context.Context, tenantID string, day time.Time) (float64, error)
	RangeUsage(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}

// InMemoryStore suits tests and single-instance development setups.
type InMemoryStore struct {
	mu    sync.RWMutex
	spend map[string]float64 // tenantID + "|" + yyyy-mm-dd
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{spend: make(map[string]float64)}
}

func dayKey(tenantID string, day time.Time) string {
	return tenantID + "|" + day.UTC().Format("2006-01-02")
}

func (s *InMemoryStore) AddUsage(ctx context.Context, tenantID string, day time.Time, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spend[dayKey(tenantID, day)] += cost
	return nil
}

func (s *InMemoryStore) DayUsage(ctx context.Context, tenantID string, day time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spend[dayKey(tenantID, day)], nil
}

func (s *InMemoryStore) RangeUsage(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for d := from.UTC().Truncate(24 * time.Hour); !d.After(to.UTC()); d = d.AddDate(0, 0, 1) {
		total += s.spend[dayKey(tenantID, d)]
	}
	return total, nil
}

// PostgresStore upserts one row per tenant per day.
//
// Schema:
//
//	CREATE TABLE budget_ledger (
//	    tenant_id  TEXT NOT NULL,
//	    usage_date DATE NOT NULL,
//	    spent_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (tenant_id, usage_date)
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AddUsage(ctx context.Context, tenantID string, day time.Time, cost float64) error {
	query := `
		INSERT INTO budget_ledger (tenant_id, usage_date, spent_usd, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, usage_date)
		DO UPDATE SET spent_usd = budget_ledger.spent_usd + EXCLUDED.spent_usd, updated_at = now()
	`

	_, err := s.db.ExecContext(ctx, query, tenantID, day.UTC().Format("2006-01-02"), cost)
	if err != nil {
		return fmt.Errorf("upsert budget ledger: %w", err)
	}
	return nil
}

func (s *PostgresStore) DayUsage(ctx context.Context, tenantID string, day time.Time) (float64, error) {
	query := `
		SELECT COALESCE(spent_usd, 0)
		FROM budget_ledger
		WHERE tenant_id = $1 AND usage_date = $2
	`

	var spent float64
	err := s.db.QueryRowContext(ctx, query, tenantID, day.UTC().Format("2006-01-02")).Scan(&spent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query day usage: %w", err)
	}
	return spent, nil
}

func (s *PostgresStore) RangeUsage(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(spent_usd), 0)
		FROM budget_ledger
		WHERE tenant_id = $1 AND usage_date >= $2 AND usage_date <= $3
	`

	var total float64
	err := s.db.QueryRowContext(ctx, query,
		tenantID,
		from.UTC().Format("2006-01-02"),
		to.UTC().Format("2006-01-02"),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query range usage: %w", err)
	}
	return total, nil
}
