package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleBDR        = "bdr"
	RoleViewer     = "viewer"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// CanOperate reports whether role may place calls or drive a dialer.
func CanOperate(role string) bool {
	switch role {
	case RoleAdmin, RoleManager, RoleBDR, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
