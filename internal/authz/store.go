package authz

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("authz: not found")

// Store reads authorization source-of-truth data from PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// PermissionNames returns the distinct active permission names reachable from
// the principal's active role assignments matching the exact scope.
func (s *Store) PermissionNames(ctx context.Context, principalID int64, scope Scope) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT p.name
		FROM role_assignments ra
		JOIN roles r ON r.id = ra.role_id AND r.is_active
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id AND p.is_active
		WHERE ra.principal_id = $1
		  AND ra.status = 'active'
		  AND ra.context_type = $2
		  AND ra.context_id = $3
		ORDER BY p.name`,
		principalID, string(scope.Type), scope.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// MaxRoleLevel returns the highest active role level the principal holds in
// the scope. A principal with no matching assignment has level zero.
func (s *Store) MaxRoleLevel(ctx context.Context, principalID int64, scope Scope) (int, error) {
	var level int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(r.level), 0)
		FROM role_assignments ra
		JOIN roles r ON r.id = ra.role_id AND r.is_active
		WHERE ra.principal_id = $1
		  AND ra.status = 'active'
		  AND ra.context_type = $2
		  AND ra.context_id = $3`,
		principalID, string(scope.Type), scope.ID).Scan(&level)
	if err != nil {
		return 0, err
	}
	return level, nil
}

// Principal fetches a principal by ID.
func (s *Store) Principal(ctx context.Context, id int64) (Principal, error) {
	var p Principal
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, is_admin, is_active FROM principals WHERE id = $1`,
		id).Scan(&p.ID, &p.TenantID, &p.IsAdmin, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrNotFound
		}
		return Principal{}, err
	}
	return p, nil
}
