package roles

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessera-app/tessera/internal/authz"
	"github.com/tessera-app/tessera/internal/platform/db"
	"github.com/tessera-app/tessera/internal/shared"
)

const uniqueViolation = "23505"

// Repository provides PostgreSQL backed persistence for roles, grants and
// assignments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListRoles returns all roles ordered by level then name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, description, level, is_active, created_at, updated_at
		FROM roles
		ORDER BY level DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Level, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// ListPermissions returns all permissions ordered by name.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, description, is_active FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.IsActive); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// AssignRole records an active assignment of a role to a principal in a
// scope. A second active assignment for the same triple is a duplicate.
func (r *Repository) AssignRole(ctx context.Context, principalID, roleID int64, scope authz.Scope) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO role_assignments (principal_id, role_id, context_type, context_id, status)
		VALUES ($1, $2, $3, $4, 'active')`,
		principalID, roleID, string(scope.Type), scope.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return shared.ErrDuplicate
		}
		return err
	}
	return nil
}

// RevokeRole soft-deletes an active assignment. Assignments are never
// physically removed; revocation flips the status.
func (r *Repository) RevokeRole(ctx context.Context, principalID, roleID int64, scope authz.Scope) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE role_assignments
		SET status = 'revoked', revoked_at = NOW()
		WHERE principal_id = $1 AND role_id = $2
		  AND context_type = $3 AND context_id = $4
		  AND status = 'active'`,
		principalID, roleID, string(scope.Type), scope.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// RolePermissionIDs returns the permission ids currently granted to a role.
func (r *Repository) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// SetRolePermissions replaces the grant set for a role inside one
// transaction. Grants are additive only; replacement detaches what the new
// set no longer contains.
func (r *Repository) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	existing, err := r.RolePermissionIDs(ctx, roleID)
	if err != nil {
		return err
	}
	current := make(map[int64]struct{}, len(existing))
	for _, id := range existing {
		current[id] = struct{}{}
	}
	keep := make(map[int64]struct{}, len(permissionIDs))

	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, id := range permissionIDs {
			keep[id] = struct{}{}
			if _, ok := current[id]; ok {
				continue
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, roleID, id); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
					continue
				}
				return err
			}
		}
		for _, id := range existing {
			if _, ok := keep[id]; ok {
				continue
			}
			if _, err := tx.Exec(ctx,
				`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// AssignmentScopes returns the distinct scopes in which the role is actively
// assigned; a grant change invalidates cached sets for each of them.
func (r *Repository) AssignmentScopes(ctx context.Context, roleID int64) ([]authz.Scope, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT context_type, context_id
		FROM role_assignments
		WHERE role_id = $1 AND status = 'active'
		ORDER BY context_type, context_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scopes []authz.Scope
	for rows.Next() {
		var (
			scopeType string
			scopeID   int64
		)
		if err := rows.Scan(&scopeType, &scopeID); err != nil {
			return nil, err
		}
		scopes = append(scopes, authz.Scope{Type: authz.ScopeType(scopeType), ID: scopeID})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return scopes, nil
}
