package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aussiebroadwan/bartab-session/internal/tokenstore/drivers/sqlite"
	"github.com/aussiebroadwan/bartab-session/internal/tokenstore/storetest"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "tokens.db")
	s, err := sqlite.NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ApplyMigrations())
	return s
}

func TestBackendConformance(t *testing.T) {
	storetest.RunBackend(t, newStore(t))
}

func TestMigrationsAreRepeatable(t *testing.T) {
	s := newStore(t)

	// Second run sees ErrNoChange and must swallow it
	require.NoError(t, s.ApplyMigrations())
	require.NoError(t, s.Ping(context.Background()))
}
