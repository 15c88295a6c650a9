package rbac

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrInvalidTable = errors.New("rbac: invalid role table")

// RoleSpec is one row of the hierarchy table.
type RoleSpec struct {
	Level       int          `yaml:"level"`
	Permissions []Permission `yaml:"permissions"`
}

// Table is the immutable role hierarchy. Build it with NewTable, LoadTable
// or DefaultTable.
type Table struct {
	roles map[Role]RoleSpec
	known PermissionSet
}

// NewTable validates specs and returns a table. Permissions must parse and
// levels must be non-negative.
func NewTable(specs map[Role]RoleSpec) (*Table, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no roles", ErrInvalidTable)
	}

	t := &Table{
		roles: make(map[Role]RoleSpec, len(specs)),
		known: make(PermissionSet),
	}

	for role, spec := range specs {
		if role == "" {
			return nil, fmt.Errorf("%w: empty role name", ErrInvalidTable)
		}
		if spec.Level < 0 {
			return nil, fmt.Errorf("%w: role %q has negative level", ErrInvalidTable, role)
		}

		perms := make([]Permission, 0, len(spec.Permissions))
		for _, raw := range spec.Permissions {
			p, err := ParsePermission(string(raw))
			if err != nil {
				return nil, fmt.Errorf("%w: role %q: %w", ErrInvalidTable, role, err)
			}
			perms = append(perms, p)
			t.known[p] = struct{}{}
		}

		t.roles[role] = RoleSpec{Level: spec.Level, Permissions: perms}
	}

	return t, nil
}

// LoadTable parses a YAML document of the form
//
//	roles:
//	  admin:
//	    level: 5
//	    permissions: ["users:*"]
func LoadTable(r io.Reader) (*Table, error) {
	var doc struct {
		Roles map[Role]RoleSpec `yaml:"roles"`
	}

	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}

	return NewTable(doc.Roles)
}

// DefaultTable is the built-in hierarchy. Each role lists only what it adds
// over the levels below it.
func DefaultTable() *Table {
	t, err := NewTable(map[Role]RoleSpec{
		RolePublic: {Level: 0, Permissions: []Permission{PermContentRead}},
		RoleGuest:  {Level: 1, Permissions: []Permission{PermProfileRead}},
		RoleUser:   {Level: 2, Permissions: []Permission{PermProfileUpdate, PermContentCreate}},
		RoleEditor: {Level: 3, Permissions: []Permission{PermContentUpdate, PermContentPublish}},
		RoleManager: {Level: 4, Permissions: []Permission{
			PermUsersRead, PermUsersUpdate, PermReportsRead, PermReportsExport,
		}},
		RoleAdmin: {Level: 5, Permissions: []Permission{
			PermUsersAll, PermRolesRead, PermRolesAssign, PermAuditRead, PermSettingsUpdate,
		}},
		RoleSuperAdmin: {Level: 6, Permissions: []Permission{
			PermRolesAll, PermSettingsAll, PermSystemAll, PermAuditAll,
		}},
	})
	if err != nil {
		// The default table is static; failing here is a programming error
		panic(err)
	}
	return t
}

// Level returns the level of role and whether the role exists.
func (t *Table) Level(role Role) (int, bool) {
	spec, ok := t.roles[role]
	return spec.Level, ok
}

// Roles lists the role names ordered by level, then name.
func (t *Table) Roles() []Role {
	out := make([]Role, 0, len(t.roles))
	for r := range t.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := t.roles[out[i]].Level, t.roles[out[j]].Level
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}

// Known reports whether p is granted by some role, literally or through a
// domain wildcard.
func (t *Table) Known(p Permission) bool {
	return t.known.Grants(p)
}

// upTo returns the union of direct permissions of every role at or below level.
func (t *Table) upTo(level int) PermissionSet {
	out := make(PermissionSet)
	for _, spec := range t.roles {
		if spec.Level > level {
			continue
		}
		for _, p := range spec.Permissions {
			out[p] = struct{}{}
		}
	}
	return out
}
