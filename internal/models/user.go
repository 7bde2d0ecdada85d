package models

// Roles recognised by the messaging core.
const (
	RoleStudent    = "student"
	RoleBatchAdmin = "batch_admin"
	RoleSuperAdmin = "super_admin"
)

// IsAdminRole reports whether role may initiate conversations.
func IsAdminRole(role string) bool {
	return role == RoleBatchAdmin || role == RoleSuperAdmin
}
