package menu

import (
	"context"

	"github.com/tessera-app/tessera/internal/authz"
	"github.com/tessera-app/tessera/internal/tenant"
)

// TenantCatalog reads the catalog through a tenant-bound session, so the
// database's row-visibility rules see the caller's tenant marker for the
// exact duration of the read.
type TenantCatalog struct {
	propagator *tenant.Propagator
}

// NewTenantCatalog constructs a TenantCatalog.
func NewTenantCatalog(propagator *tenant.Propagator) *TenantCatalog {
	return &TenantCatalog{propagator: propagator}
}

// ListCatalog binds the principal's tenant, reads the catalog, and unbinds
// before the session returns to the pool.
func (c *TenantCatalog) ListCatalog(ctx context.Context, principal authz.Principal) ([]Node, error) {
	var nodes []Node
	err := c.propagator.WithPrincipal(ctx, principal, func(ctx context.Context, sess tenant.Session) error {
		var err error
		nodes, err = listCatalog(ctx, sess)
		return err
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}
