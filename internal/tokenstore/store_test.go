package tokenstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/tokenstore"
	"github.com/aussiebroadwan/bartab-session/internal/tokenstore/storetest"
	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
	"github.com/stretchr/testify/require"
)

// flakyBackend wraps a MemoryBackend and fails writes while down is set.
type flakyBackend struct {
	*tokenstore.MemoryBackend

	mu   sync.Mutex
	down bool
}

func (f *flakyBackend) setDown(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = v
}

func (f *flakyBackend) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return errors.New("quota exceeded")
	}
	return f.MemoryBackend.Set(ctx, key, value)
}

func (f *flakyBackend) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return "", false, errors.New("backend unavailable")
	}
	return f.MemoryBackend.Get(ctx, key)
}

func samplePair(now time.Time) tokenstore.TokenPair {
	return tokenstore.TokenPair{
		AccessToken:      "access-1",
		RefreshToken:     "refresh-1",
		AccessExpiresAt:  now.Add(10 * time.Minute),
		RefreshExpiresAt: now.Add(time.Hour),
	}
}

func TestMemoryBackendConformance(t *testing.T) {
	storetest.RunBackend(t, tokenstore.NewMemoryBackend())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := tokenstore.New(tokenstore.NewMemoryBackend(), tokenstore.WithLogger(slogx.Discard()))
	require.Nil(t, s.Load(ctx))

	pair := samplePair(time.Now())
	require.NoError(t, s.Save(ctx, pair))
	require.Equal(t, &pair, s.Load(ctx))

	// Mutating the returned copy must not leak into the store
	got := s.Load(ctx)
	got.AccessToken = "tampered"
	require.Equal(t, "access-1", s.Load(ctx).AccessToken)
}

func TestSaveRejectsInvertedExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	pair := samplePair(now)
	pair.AccessExpiresAt = now.Add(2 * time.Hour)

	s := tokenstore.New(tokenstore.NewMemoryBackend())
	err := s.Save(context.Background(), pair)
	require.ErrorIs(t, err, tokenstore.ErrInvalidPair)
}

func TestCorruptDataIsAbsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := tokenstore.NewMemoryBackend()
	require.NoError(t, backend.Set(ctx, tokenstore.DefaultKey, "{not json"))

	s := tokenstore.New(backend, tokenstore.WithLogger(slogx.Discard()))
	require.Nil(t, s.Load(ctx))
	require.True(t, s.IsAccessExpired(ctx, 0))
}

func TestDegradedModeKeepsPairInMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	backend := &flakyBackend{MemoryBackend: tokenstore.NewMemoryBackend()}
	backend.setDown(true)

	s := tokenstore.New(backend, tokenstore.WithLogger(slogx.Discard()))
	pair := samplePair(time.Now())

	require.NoError(t, s.Save(ctx, pair), "backend failures never reach the caller")
	require.True(t, s.Degraded())
	require.Equal(t, &pair, s.Load(ctx))

	// Once the backend is back the next write leaves degraded mode
	backend.setDown(false)
	require.NoError(t, s.Save(ctx, pair))
	require.False(t, s.Degraded())
}

func TestClearIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := tokenstore.New(tokenstore.NewMemoryBackend())
	require.NoError(t, s.Save(ctx, samplePair(time.Now())))

	s.Clear(ctx)
	s.Clear(ctx)
	require.Nil(t, s.Load(ctx))
}

func TestExpiryChecks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	s := tokenstore.New(tokenstore.NewMemoryBackend(), tokenstore.WithClock(clock))
	require.True(t, s.IsAccessExpired(ctx, 0), "no pair counts as expired")
	require.True(t, s.IsRefreshExpired(ctx))

	require.NoError(t, s.Save(ctx, samplePair(now)))

	require.False(t, s.IsAccessExpired(ctx, 0))
	require.False(t, s.IsAccessExpired(ctx, 9*time.Minute))
	require.True(t, s.IsAccessExpired(ctx, 10*time.Minute), "buffer reaching expiry counts")
	require.False(t, s.IsRefreshExpired(ctx))

	now = now.Add(time.Hour)
	require.True(t, s.IsRefreshExpired(ctx))
}
