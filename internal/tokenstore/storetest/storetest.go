// Package storetest holds the conformance checks every tokenstore.Backend
// must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/tokenstore"
	"github.com/stretchr/testify/require"
)

// RunBackend exercises b through the Backend contract and through a Store.
func RunBackend(t *testing.T, b tokenstore.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, ok, err := b.Get(ctx, "storetest.missing")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("set get overwrite remove", func(t *testing.T) {
		require.NoError(t, b.Set(ctx, "storetest.k", "v1"))
		require.NoError(t, b.Set(ctx, "storetest.k", "v2"))

		v, ok, err := b.Get(ctx, "storetest.k")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "v2", v)

		require.NoError(t, b.Remove(ctx, "storetest.k"))
		require.NoError(t, b.Remove(ctx, "storetest.k"), "remove must be idempotent")

		_, ok, err = b.Get(ctx, "storetest.k")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("round trip through a fresh store", func(t *testing.T) {
		now := time.Unix(1700000000, 0).UTC()
		pair := tokenstore.TokenPair{
			AccessToken:      "access",
			RefreshToken:     "refresh",
			AccessExpiresAt:  now.Add(15 * time.Minute),
			RefreshExpiresAt: now.Add(24 * time.Hour),
		}

		writer := tokenstore.New(b, tokenstore.WithKey("storetest.pair"))
		require.NoError(t, writer.Save(ctx, pair))

		// A second store has an empty mirror and must read the backend
		reader := tokenstore.New(b, tokenstore.WithKey("storetest.pair"))
		got := reader.Load(ctx)
		require.NotNil(t, got)
		require.Equal(t, pair.AccessToken, got.AccessToken)
		require.Equal(t, pair.RefreshToken, got.RefreshToken)
		require.True(t, pair.AccessExpiresAt.Equal(got.AccessExpiresAt))
		require.True(t, pair.RefreshExpiresAt.Equal(got.RefreshExpiresAt))

		reader.Clear(ctx)
		require.Nil(t, tokenstore.New(b, tokenstore.WithKey("storetest.pair")).Load(ctx))
	})
}
