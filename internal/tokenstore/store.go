// Package tokenstore persists the access/refresh token pair through a
// pluggable storage backend.
//
// The Store keeps an in-memory mirror of the last pair it saw. Backend
// failures never reach callers: writes fall back to the mirror (degraded
// mode) and reads of corrupt data are treated as "no session".
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/metrics"
	"github.com/aussiebroadwan/bartab-session/pkg/errx"
	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
)

// DefaultKey is the backend key the pair is stored under.
const DefaultKey = "bartab.session.tokens"

var ErrInvalidPair = errors.New("tokenstore: invalid token pair")

// TokenPair is the credential set issued by the backend.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Validate checks the pair is usable and that the access token does not
// outlive the refresh token.
func (p TokenPair) Validate() error {
	if p.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrInvalidPair)
	}
	if !p.AccessExpiresAt.IsZero() && !p.RefreshExpiresAt.IsZero() &&
		p.AccessExpiresAt.After(p.RefreshExpiresAt) {
		return fmt.Errorf("%w: access token expires after refresh token", ErrInvalidPair)
	}
	return nil
}

// Backend is the storage collaborator. Implementations may block on I/O;
// the context bounds that.
type Backend interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

type Option func(*Store)

// WithKey overrides DefaultKey, e.g. to keep several profiles in one backend.
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = slogx.OrDefault(l) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

type Store struct {
	backend Backend
	key     string
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	mirror   *TokenPair
	loaded   bool // mirror reflects the backend (or a later write)
	degraded bool
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		key:     DefaultKey,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists pair. Only validation failures are returned; backend
// failures switch the store into degraded, memory-only mode.
func (s *Store) Save(ctx context.Context, pair TokenPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}

	raw, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("tokenstore: encode pair: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := pair
	s.mirror = &stored
	s.loaded = true

	if err := s.backend.Set(ctx, s.key, string(raw)); err != nil {
		s.enterDegraded("save", err)
		return nil
	}

	if s.degraded {
		s.logger.Info("token store backend recovered")
		s.degraded = false
	}
	return nil
}

// Load returns the current pair or nil when there is none or the stored data
// is unreadable.
func (s *Store) Load(ctx context.Context) *TokenPair {
	s.mu.RLock()
	if s.loaded {
		p := s.copyMirror()
		s.mu.RUnlock()
		return p
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.copyMirror()
	}

	raw, ok, err := s.backend.Get(ctx, s.key)
	if err != nil {
		// Not marking loaded lets a later Load retry the backend
		s.logger.Warn("token store backend read failed",
			"error", errx.Storage("tokenstore.load", err))
		return nil
	}

	s.loaded = true
	if !ok {
		return nil
	}

	var pair TokenPair
	if err := json.Unmarshal([]byte(raw), &pair); err != nil {
		s.logger.Warn("discarding corrupt token data", "error", err)
		return nil
	}
	if err := pair.Validate(); err != nil {
		s.logger.Warn("discarding invalid token data", "error", err)
		return nil
	}

	s.mirror = &pair
	return s.copyMirror()
}

// Clear removes the pair from memory and the backend. Idempotent.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mirror = nil
	s.loaded = true

	if err := s.backend.Remove(ctx, s.key); err != nil {
		s.logger.Warn("token store backend remove failed",
			"error", errx.Storage("tokenstore.clear", err))
		return
	}
	s.degraded = false
}

// IsAccessExpired reports whether the access token expires within buffer.
// No pair counts as expired.
func (s *Store) IsAccessExpired(ctx context.Context, buffer time.Duration) bool {
	p := s.Load(ctx)
	if p == nil {
		return true
	}
	if p.AccessExpiresAt.IsZero() {
		return false
	}
	return !s.now().Add(buffer).Before(p.AccessExpiresAt)
}

// IsRefreshExpired reports whether the refresh token can no longer be used.
func (s *Store) IsRefreshExpired(ctx context.Context) bool {
	p := s.Load(ctx)
	if p == nil || p.RefreshToken == "" {
		return true
	}
	if p.RefreshExpiresAt.IsZero() {
		return false
	}
	return !s.now().Before(p.RefreshExpiresAt)
}

// Degraded reports whether the last write only reached memory.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *Store) copyMirror() *TokenPair {
	if s.mirror == nil {
		return nil
	}
	p := *s.mirror
	return &p
}

func (s *Store) enterDegraded(op string, err error) {
	s.metrics.StoreDegraded()
	s.logger.Warn("token store degraded to in-memory mode",
		"op", op,
		"error", errx.Storage("tokenstore."+op, err),
	)
	s.degraded = true
}
