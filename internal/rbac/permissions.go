package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidPermission = errors.New("rbac: invalid permission")

// Permission is a "domain:action" identifier. An action of "*" grants every
// action in the domain.
type Permission string

// Wildcard is the action that matches any action in a domain.
const Wildcard = "*"

// Known permissions. Every permission the default table grants is declared
// here and nowhere else.
const (
	PermContentRead    Permission = "content:read"
	PermContentCreate  Permission = "content:create"
	PermContentUpdate  Permission = "content:update"
	PermContentPublish Permission = "content:publish"

	PermProfileRead   Permission = "profile:read"
	PermProfileUpdate Permission = "profile:update"

	PermReportsRead   Permission = "reports:read"
	PermReportsExport Permission = "reports:export"

	PermUsersRead   Permission = "users:read"
	PermUsersUpdate Permission = "users:update"
	PermUsersCreate Permission = "users:create"
	PermUsersDelete Permission = "users:delete"
	PermUsersAll    Permission = "users:*"

	PermRolesRead   Permission = "roles:read"
	PermRolesAssign Permission = "roles:assign"
	PermRolesAll    Permission = "roles:*"

	PermAuditRead Permission = "audit:read"
	PermAuditAll  Permission = "audit:*"

	PermSettingsUpdate Permission = "settings:update"
	PermSettingsAll    Permission = "settings:*"

	PermSystemAll Permission = "system:*"
)

// ParsePermission validates s and returns it as a Permission.
func ParsePermission(s string) (Permission, error) {
	domain, action, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || domain == "" || action == "" || strings.Contains(action, ":") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}
	if domain == Wildcard {
		return "", fmt.Errorf("%w: domain wildcard not supported: %q", ErrInvalidPermission, s)
	}
	return Permission(domain + ":" + action), nil
}

// Domain returns the part before the colon.
func (p Permission) Domain() string {
	d, _, _ := strings.Cut(string(p), ":")
	return d
}

// Action returns the part after the colon.
func (p Permission) Action() string {
	_, a, _ := strings.Cut(string(p), ":")
	return a
}

// IsWildcard reports whether p is "domain:*".
func (p Permission) IsWildcard() bool {
	return p.Action() == Wildcard
}

// PermissionSet is an effective set of permissions.
type PermissionSet map[Permission]struct{}

func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Grants reports whether the set satisfies required, either literally or
// through a "domain:*" entry.
func (s PermissionSet) Grants(required Permission) bool {
	if _, ok := s[required]; ok {
		return true
	}
	_, ok := s[Permission(required.Domain()+":"+Wildcard)]
	return ok
}

// Contains reports literal membership, without wildcard expansion.
func (s PermissionSet) Contains(p Permission) bool {
	_, ok := s[p]
	return ok
}

// IsSuperset reports whether every literal member of other is in s.
func (s PermissionSet) IsSuperset(other PermissionSet) bool {
	for p := range other {
		if !s.Contains(p) {
			return false
		}
	}
	return true
}

func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
