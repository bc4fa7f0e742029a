package menu

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tessera-app/tessera/internal/authz"
)

// CatalogSource lists the flat menu catalog for a principal.
type CatalogSource interface {
	ListCatalog(ctx context.Context, principal authz.Principal) ([]Node, error)
}

// PermissionResolver resolves the effective permission set for a principal.
type PermissionResolver interface {
	Get(ctx context.Context, principal authz.Principal, scope authz.Scope, forceRefresh bool) (authz.PermissionSet, error)
}

// PrincipalSource fetches principals by id.
type PrincipalSource interface {
	Principal(ctx context.Context, id int64) (authz.Principal, error)
}

// Service assembles permission-filtered menu trees for principals.
type Service struct {
	catalog    CatalogSource
	perms      PermissionResolver
	principals PrincipalSource
	logger     *slog.Logger
}

// NewService constructs a Service.
func NewService(catalog CatalogSource, perms PermissionResolver, principals PrincipalSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{catalog: catalog, perms: perms, principals: principals, logger: logger}
}

// UserMenu builds the filtered tree for the principal in the given scope.
// Catalog integrity defects are logged and excluded, not surfaced as errors.
func (s *Service) UserMenu(ctx context.Context, principalID int64, scope authz.Scope) ([]*TreeNode, error) {
	principal, err := s.principals.Principal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("menu: resolve principal: %w", err)
	}
	perms, err := s.perms.Get(ctx, principal, scope, false)
	if err != nil {
		return nil, fmt.Errorf("menu: resolve permissions: %w", err)
	}
	nodes, err := s.catalog.ListCatalog(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("menu: load catalog: %w", err)
	}

	tree, diags := BuildTree(nodes, perms, scope.Type, principal.IsAdmin)
	for _, d := range diags {
		s.logger.Warn("menu: malformed catalog entry excluded",
			slog.Int64("node", d.NodeID),
			slog.String("detail", d.Detail))
	}
	if tree == nil {
		tree = []*TreeNode{}
	}
	return tree, nil
}
