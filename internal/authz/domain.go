package authz

import "sort"

// ScopeType identifies the level at which role assignments are evaluated.
type ScopeType string

const (
	// ScopeSystem covers system-wide assignments.
	ScopeSystem ScopeType = "system"
	// ScopeTenant covers assignments bound to one tenant.
	ScopeTenant ScopeType = "tenant"
	// ScopeSubTenant covers assignments bound to a sub-tenant of a tenant.
	ScopeSubTenant ScopeType = "subtenant"
)

// Valid reports whether the scope type is one of the known values.
func (t ScopeType) Valid() bool {
	switch t {
	case ScopeSystem, ScopeTenant, ScopeSubTenant:
		return true
	}
	return false
}

// Covers reports whether a node or rule scoped at t applies when evaluated
// in scope other. Tenant-scoped rules apply in tenant and sub-tenant scope,
// sub-tenant rules only in sub-tenant scope.
func (t ScopeType) Covers(other ScopeType) bool {
	switch t {
	case ScopeTenant:
		return other == ScopeTenant || other == ScopeSubTenant
	case ScopeSubTenant:
		return other == ScopeSubTenant
	}
	return true
}

// Scope is the (contextType, contextId) pair assignments are matched against.
// Callers must resolve singleton scopes to their configured identifier before
// building a Scope; this package never infers a missing ID.
type Scope struct {
	Type ScopeType
	ID   int64
}

// Principal is the authenticated actor as stored in the principals table.
type Principal struct {
	ID       int64
	TenantID *int64
	IsAdmin  bool
	IsActive bool
}

// PermissionSet is the resolved set of permission names a principal holds in
// one scope. The admin-bypass set is represented by the all flag instead of
// materializing every name.
type PermissionSet struct {
	all   bool
	names map[string]struct{}
}

// NewPermissionSet builds a set from explicit permission names.
func NewPermissionSet(names ...string) PermissionSet {
	set := PermissionSet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n == "" {
			continue
		}
		set.names[n] = struct{}{}
	}
	return set
}

// AllPermissions returns the admin-bypass sentinel set.
func AllPermissions() PermissionSet {
	return PermissionSet{all: true}
}

// Has reports whether the set contains the named permission.
func (s PermissionSet) Has(name string) bool {
	if s.all {
		return true
	}
	_, ok := s.names[name]
	return ok
}

// All reports whether the set denotes the admin-bypass "every permission" value.
func (s PermissionSet) All() bool {
	return s.all
}

// Len returns the number of explicit names; zero for the all-permissions set.
func (s PermissionSet) Len() int {
	return len(s.names)
}

// Names returns the explicit permission names in sorted order.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Clause identifies which part of a hybrid check produced the decision.
type Clause string

const (
	// ClauseAdmin means the principal carries the admin-bypass flag.
	ClauseAdmin Clause = "admin"
	// ClauseLevel means the role-level threshold was met.
	ClauseLevel Clause = "level"
	// ClausePermission means the named permission was held.
	ClausePermission Clause = "permission"
	// ClauseNone means neither clause matched.
	ClauseNone Clause = "none"
	// ClauseIndeterminate means a lookup failed and the check fell back to deny.
	ClauseIndeterminate Clause = "indeterminate"
)

// Decision is the outcome of one hybrid authorization check. Granted is what
// callers act on; the remaining fields exist for audit logging and are never
// exposed to the requesting client.
type Decision struct {
	Granted  bool
	Clause   Clause
	MaxLevel int
	Err      error
}
