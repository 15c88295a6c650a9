package rbac

// Role names a level in the hierarchy.
type Role string

const (
	RolePublic     Role = "public"
	RoleGuest      Role = "guest"
	RoleUser       Role = "user"
	RoleEditor     Role = "editor"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Principal is the signed-in subject as reported by the backend.
type Principal struct {
	ID    string `json:"id"`
	Roles []Role `json:"roles"`
}

// Clone returns a copy that does not share the roles slice.
func (p Principal) Clone() Principal {
	return Principal{ID: p.ID, Roles: append([]Role(nil), p.Roles...)}
}
