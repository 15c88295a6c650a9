package authsdk

import (
	"github.com/aussiebroadwan/bartab-session/internal/rbac"
)

// Principal returns a copy of the signed-in principal, or nil.
func (m *Manager) Principal() *rbac.Principal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.principal == nil {
		return nil
	}
	p := m.principal.Clone()
	return &p
}

// Permissions returns a copy of the effective permission set. It is empty
// when signed out.
func (m *Manager) Permissions() rbac.PermissionSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perms.Clone()
}

// HasPermission reports whether any of required is granted. An empty
// requirement is satisfied.
func (m *Manager) HasPermission(required ...rbac.Permission) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine.HasPermission(m.perms, rbac.MatchAny, required...)
}

// HasAllPermissions reports whether every one of required is granted.
func (m *Manager) HasAllPermissions(required ...rbac.Permission) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine.HasPermission(m.perms, rbac.MatchAll, required...)
}

// HasRole reports whether the principal holds any of roles.
func (m *Manager) HasRole(roles ...rbac.Role) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.principal == nil {
		return false
	}
	return m.engine.HasRole(m.principal.Roles, roles...)
}

// HasAccess evaluates a combined role and permission requirement.
func (m *Manager) HasAccess(req rbac.Requirement) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ac := rbac.AccessContext{Permissions: m.perms}
	if m.principal != nil {
		ac.Roles = m.principal.Roles
	}
	return m.engine.HasAccess(ac, req)
}

// UpdateRoles replaces the principal's roles, e.g. after the backend
// reports a role change, and recomputes the effective permissions.
func (m *Manager) UpdateRoles(roles ...rbac.Role) error {
	m.mu.RLock()
	if m.principal == nil {
		m.mu.RUnlock()
		return ErrNotSignedIn
	}
	p := m.principal.Clone()
	m.mu.RUnlock()

	p.Roles = append([]rbac.Role(nil), roles...)
	m.setPrincipal(p)
	return nil
}

// Engine exposes the permission engine for checks against arbitrary sets.
func (m *Manager) Engine() *rbac.Engine { return m.engine }
