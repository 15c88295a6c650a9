package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/aussiebroadwan/bartab-session/internal/rbac"
	"github.com/aussiebroadwan/bartab-session/pkg/authsdk"
	"github.com/spf13/cobra"
)

var errDenied = errors.New("permission denied")

func (c *cli) loginCmd() *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and persist the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username is required")
			}
			if password == "" {
				password = os.Getenv("SESSIONCTL_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password is required (or env SESSIONCTL_PASSWORD)")
			}

			p, err := c.application.Manager().Login(cmd.Context(), username, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			return printJSON(p)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Account username")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the refresh token and clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.application.Manager().Logout(cmd.Context())
		},
	}
}

func (c *cli) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in principal and its effective permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := c.application.Manager()

			p := mgr.Principal()
			if p == nil {
				return authsdk.ErrNotSignedIn
			}

			state := mgr.SessionState()
			return printJSON(map[string]any{
				"id":          p.ID,
				"roles":       p.Roles,
				"permissions": mgr.Permissions().Sorted(),
				"session": map[string]any{
					"phase":      state.Phase.String(),
					"expires_at": state.ExpiresAt,
					"remaining":  state.Remaining.String(),
				},
				"degraded": mgr.Degraded(),
			})
		},
	}
}

func (c *cli) canCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "can <permission>...",
		Short: "Check permissions; exits non-zero when denied",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms := make([]rbac.Permission, 0, len(args))
			for _, arg := range args {
				p, err := rbac.ParsePermission(arg)
				if err != nil {
					return err
				}
				perms = append(perms, p)
			}

			mgr := c.application.Manager()
			ok := mgr.HasPermission(perms...)
			if all {
				ok = mgr.HasAllPermissions(perms...)
			}

			if !ok {
				fmt.Println("no")
				return errDenied
			}
			fmt.Println("yes")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Require every permission instead of any")
	return cmd
}
