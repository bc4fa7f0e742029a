package shared

// Core platform permissions.
const (
	PermRolesView = "roles.view"
	PermRolesEdit = "roles.edit"

	PermPermissionsView = "permissions.view"

	PermMenuView = "menu.view"

	PermBillingView = "billing.view"
	PermReportsView = "reports.view"
)

// CoreScopes lists all permissions owned by the core platform.
func CoreScopes() []string {
	return []string{
		PermRolesView,
		PermRolesEdit,
		PermPermissionsView,
		PermMenuView,
		PermBillingView,
		PermReportsView,
	}
}
