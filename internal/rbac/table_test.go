package rbac_test

import (
	"strings"
	"testing"

	"github.com/aussiebroadwan/bartab-session/internal/rbac"
	"github.com/stretchr/testify/require"
)

func TestParsePermission(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"users:read", "users:*", " audit:read "} {
		_, err := rbac.ParsePermission(ok)
		require.NoError(t, err, ok)
	}

	for _, bad := range []string{"", "users", ":read", "users:", "*:read", "a:b:c"} {
		_, err := rbac.ParsePermission(bad)
		require.ErrorIs(t, err, rbac.ErrInvalidPermission, bad)
	}
}

func TestDefaultTable(t *testing.T) {
	t.Parallel()

	table := rbac.DefaultTable()

	require.Equal(t, []rbac.Role{
		rbac.RolePublic, rbac.RoleGuest, rbac.RoleUser, rbac.RoleEditor,
		rbac.RoleManager, rbac.RoleAdmin, rbac.RoleSuperAdmin,
	}, table.Roles())

	lvl, ok := table.Level(rbac.RoleAdmin)
	require.True(t, ok)
	require.Equal(t, 5, lvl)

	_, ok = table.Level("janitor")
	require.False(t, ok)

	require.True(t, table.Known(rbac.PermUsersDelete), "covered by users:*")
	require.True(t, table.Known(rbac.PermContentRead))
	require.False(t, table.Known("billing:refund"))
}

func TestLoadTable(t *testing.T) {
	t.Parallel()

	t.Run("valid document", func(t *testing.T) {
		doc := `
roles:
  viewer:
    level: 0
    permissions: ["docs:read"]
  owner:
    level: 1
    permissions: ["docs:*"]
`
		table, err := rbac.LoadTable(strings.NewReader(doc))
		require.NoError(t, err)
		require.Equal(t, []rbac.Role{"viewer", "owner"}, table.Roles())

		e := rbac.NewEngine(table, nil)
		perms := e.EffectivePermissions("owner")
		require.True(t, perms.Contains("docs:read"))
		require.True(t, perms.Grants("docs:delete"))
	})

	t.Run("malformed permission", func(t *testing.T) {
		doc := "roles:\n  viewer:\n    level: 0\n    permissions: [\"docs\"]\n"
		_, err := rbac.LoadTable(strings.NewReader(doc))
		require.ErrorIs(t, err, rbac.ErrInvalidTable)
		require.ErrorIs(t, err, rbac.ErrInvalidPermission)
	})

	t.Run("negative level", func(t *testing.T) {
		doc := "roles:\n  viewer:\n    level: -1\n"
		_, err := rbac.LoadTable(strings.NewReader(doc))
		require.ErrorIs(t, err, rbac.ErrInvalidTable)
	})

	t.Run("no roles", func(t *testing.T) {
		_, err := rbac.LoadTable(strings.NewReader("roles: {}\n"))
		require.ErrorIs(t, err, rbac.ErrInvalidTable)
	})
}
