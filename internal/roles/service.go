package roles

import (
	"context"
	"log/slog"

	"github.com/tessera-app/tessera/internal/authz"
)

// RepositoryPort defines data access methods for roles and assignments.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	AssignRole(ctx context.Context, principalID, roleID int64, scope authz.Scope) error
	RevokeRole(ctx context.Context, principalID, roleID int64, scope authz.Scope) error
	SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	AssignmentScopes(ctx context.Context, roleID int64) ([]authz.Scope, error)
}

// Invalidator removes derived permission cache entries after a mutation.
type Invalidator interface {
	InvalidatePrincipal(ctx context.Context, principalID int64)
	InvalidateScope(ctx context.Context, scope authz.Scope)
}

// WarmupEnqueuer schedules background re-population of invalidated entries.
type WarmupEnqueuer interface {
	EnqueueAuthzWarmup(ctx context.Context, principalID int64, scopes []authz.Scope) error
}

// Service handles role and grant mutations. Every committed mutation
// invalidates the affected cache entries before returning so the next
// resolution reflects the change; warmup is best-effort.
type Service struct {
	repo   RepositoryPort
	cache  Invalidator
	warmup WarmupEnqueuer
	logger *slog.Logger
}

// NewService builds Service instance. The warmup enqueuer may be nil.
func NewService(repo RepositoryPort, cache Invalidator, warmup WarmupEnqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, warmup: warmup, logger: logger}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// ListPermissions returns the permission vocabulary.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// AssignRole grants a role to a principal in a scope and invalidates every
// cached set for that principal.
func (s *Service) AssignRole(ctx context.Context, principalID, roleID int64, scope authz.Scope) error {
	if err := s.repo.AssignRole(ctx, principalID, roleID, scope); err != nil {
		return err
	}
	s.cache.InvalidatePrincipal(ctx, principalID)
	s.enqueueWarmup(ctx, principalID, []authz.Scope{scope})
	return nil
}

// RevokeRole soft-deletes an assignment and invalidates the principal's
// cached sets.
func (s *Service) RevokeRole(ctx context.Context, principalID, roleID int64, scope authz.Scope) error {
	if err := s.repo.RevokeRole(ctx, principalID, roleID, scope); err != nil {
		return err
	}
	s.cache.InvalidatePrincipal(ctx, principalID)
	return nil
}

// SetRolePermissions replaces a role's grant set and invalidates every scope
// in which the role is actively assigned, since all principals holding the
// role in those scopes are affected.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if err := s.repo.SetRolePermissions(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	scopes, err := s.repo.AssignmentScopes(ctx, roleID)
	if err != nil {
		// The grant change is committed; a failed scope enumeration must not
		// undo it. TTL expiry remains the consistency backstop.
		s.logger.Warn("roles: enumerate assignment scopes", slog.Int64("role", roleID), slog.Any("error", err))
		return nil
	}
	for _, scope := range scopes {
		s.cache.InvalidateScope(ctx, scope)
	}
	return nil
}

func (s *Service) enqueueWarmup(ctx context.Context, principalID int64, scopes []authz.Scope) {
	if s.warmup == nil {
		return
	}
	if err := s.warmup.EnqueueAuthzWarmup(ctx, principalID, scopes); err != nil {
		s.logger.Warn("roles: enqueue warmup", slog.Int64("principal", principalID), slog.Any("error", err))
	}
}
