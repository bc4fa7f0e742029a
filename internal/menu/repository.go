package menu

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-app/tessera/internal/authz"
)

// Querier is the query surface shared by a pool and a bound session.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository provides PostgreSQL backed access to the menu catalog without
// tenant scoping. Request paths should use TenantCatalog instead.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListCatalog returns the flat catalog rows in stable id order.
func (r *Repository) ListCatalog(ctx context.Context, _ authz.Principal) ([]Node, error) {
	return listCatalog(ctx, r.pool)
}

func listCatalog(ctx context.Context, q Querier) ([]Node, error) {
	rows, err := q.Query(ctx, `
		SELECT id, parent_id, name, COALESCE(required_permission, ''), COALESCE(tenant_scope, ''), sort_order
		FROM menu_nodes
		WHERE is_active
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nodes []Node
	for rows.Next() {
		var (
			n     Node
			scope string
		)
		if err := rows.Scan(&n.ID, &n.ParentID, &n.Name, &n.Permission, &scope, &n.SortOrder); err != nil {
			return nil, err
		}
		n.Scope = authz.ScopeType(scope)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}
