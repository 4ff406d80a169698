package repository

import (
	"context"
	"database/sql"

	"github.com/syncforge/etl-core/internal/models"
)

// TenantRepository is the tenant registry consulted for tier resolution
// and active-tenant discovery when worker pools start.
type TenantRepository interface {
	GetTier(ctx context.Context, tenantID string) (models.Tier, error)
	ListActiveTenants(ctx context.Context) ([]models.Tenant, error)
}

type tenantRepository struct {
	db *sql.DB
}

func NewTenantRepository(db *sql.DB) TenantRepository {
	return &tenantRepository{db: db}
}

func (r *tenantRepository) GetTier(ctx context.Context, tenantID string) (models.Tier, error) {
	const query = `
		SELECT tier
		FROM etl.tenants
		WHERE id = $1 AND active;
	`
	var tier models.Tier
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(&tier)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return tier, err
}

func (r *tenantRepository) ListActiveTenants(ctx context.Context) ([]models.Tenant, error) {
	const query = `
		SELECT id, name, tier, active, created_at, updated_at
		FROM etl.tenants
		WHERE active
		ORDER BY created_at;
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Tier, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
