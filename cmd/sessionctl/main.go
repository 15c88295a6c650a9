package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aussiebroadwan/bartab-session/internal/app"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// cli holds the application shared by every command.
type cli struct {
	cfg         app.Config
	application *app.Application
}

func main() {
	// A missing .env is fine; the environment may already be set
	_ = godotenv.Load()

	c := &cli{cfg: app.LoadConfig()}

	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Manage a bartab client session from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}

	root.PersistentFlags().StringVar(&c.cfg.BaseURL, "base-url", c.cfg.BaseURL, "Backend base URL (env SESSION_BASE_URL)")
	root.PersistentFlags().StringVar(&c.cfg.Store, "store", c.cfg.Store, "Token store: memory|sqlite|redis (env SESSION_STORE)")
	root.PersistentFlags().StringVar(&c.cfg.SQLiteFile, "sqlite-file", c.cfg.SQLiteFile, "SQLite token database (env SESSION_SQLITE_FILE)")
	root.PersistentFlags().StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "Log level: debug|info|warn|error (env LOG_LEVEL)")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.whoamiCmd(),
		c.canCmd(),
		c.requestCmd(),
		c.watchCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		stop()
		os.Exit(1)
	}
}

// open builds the application and restores a persisted session.
func (c *cli) open(ctx context.Context) error {
	if c.cfg.BaseURL == "" {
		return errors.New("missing base url (flag --base-url or env SESSION_BASE_URL)")
	}

	application, err := app.New(c.cfg)
	if err != nil {
		return err
	}
	c.application = application

	if err := application.Manager().Init(ctx); err != nil {
		_ = application.Close()
		c.application = nil
		return fmt.Errorf("failed to restore session: %w", err)
	}
	return nil
}

func (c *cli) close() error {
	if c.application == nil {
		return nil
	}
	err := c.application.Close()
	c.application = nil
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
