package authsdk

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/events"
	"github.com/aussiebroadwan/bartab-session/internal/metrics"
	"github.com/aussiebroadwan/bartab-session/internal/monitor"
	"github.com/aussiebroadwan/bartab-session/internal/rbac"
	"github.com/aussiebroadwan/bartab-session/internal/refresh"
	"github.com/aussiebroadwan/bartab-session/internal/request"
	"github.com/aussiebroadwan/bartab-session/internal/tokenstore"
	"github.com/aussiebroadwan/bartab-session/pkg/errx"
	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
)

var (
	ErrInvalidConfig = errors.New("authsdk: invalid config")
	ErrNotSignedIn   = errors.New("authsdk: not signed in")
)

// Config wires a Manager. Only BaseURL is required.
type Config struct {
	BaseURL string

	// Backend persists the token pair. Nil keeps tokens in memory only.
	Backend  tokenstore.Backend
	StoreKey string

	// Roles is the role hierarchy. Nil uses rbac.DefaultTable.
	Roles *rbac.Table

	Refresh refresh.Config
	Request request.Config
	Monitor monitor.Config

	// WarningWindow is how long before the end of the session the warning
	// event fires.
	WarningWindow time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Option func(*options)

type options struct {
	transport request.Transport
	bus       *events.Bus
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// WithTransport replaces the HTTP transport, e.g. with one built on a test
// server's client.
func WithTransport(t request.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithBus shares an existing event bus.
func WithBus(b *events.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithClock overrides the time source of the store, monitor and client.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSleep overrides the waits between retries.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

// Manager is one client session: it owns the token store, refresh
// coordinator, request executor and session monitor and keeps the signed-in
// principal with its effective permissions.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus

	client  *SDKClient
	store   *tokenstore.Store
	engine  *rbac.Engine
	coord   *refresh.Coordinator
	exec    *request.Executor
	monitor *monitor.Monitor

	unsubscribe []func()

	mu        sync.RWMutex
	principal *rbac.Principal
	perms     rbac.PermissionSet
}

// NewManager validates cfg and wires the components. Call Init to restore a
// persisted session and Dispose when done.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.BaseURL == "" {
		return nil, errors.Join(ErrInvalidConfig, errors.New("base url is required"))
	}
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Join(ErrInvalidConfig, errors.New("base url must be absolute"), err)
	}
	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = monitor.DefaultWarningWindow
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := slogx.OrDefault(cfg.Logger)
	if o.bus == nil {
		o.bus = events.NewBus(logger)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.transport == nil {
		o.transport = request.HTTPTransport(&http.Client{
			Transport: slogx.Transport(logger, http.DefaultTransport),
		})
	}
	backend := cfg.Backend
	if backend == nil {
		backend = tokenstore.NewMemoryBackend()
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger,
		bus:    o.bus,
		perms:  rbac.PermissionSet{},
	}

	m.client = NewSDKClient(cfg.BaseURL, o.transport)
	m.client.now = o.now

	storeOpts := []tokenstore.Option{
		tokenstore.WithLogger(logger),
		tokenstore.WithClock(o.now),
		tokenstore.WithMetrics(cfg.Metrics),
	}
	if cfg.StoreKey != "" {
		storeOpts = append(storeOpts, tokenstore.WithKey(cfg.StoreKey))
	}
	m.store = tokenstore.New(backend, storeOpts...)

	m.engine = rbac.NewEngine(cfg.Roles, logger)

	refreshOpts := []refresh.Option{
		refresh.WithLogger(logger),
		refresh.WithMetrics(cfg.Metrics),
		refresh.WithBus(o.bus),
	}
	if o.sleep != nil {
		refreshOpts = append(refreshOpts, refresh.WithSleep(o.sleep))
	}
	m.coord = refresh.New(m.store, m.client.Refresh, cfg.Refresh, refreshOpts...)

	m.monitor = monitor.New(m.store, m.coord, cfg.Monitor,
		monitor.WithLogger(logger),
		monitor.WithMetrics(cfg.Metrics),
		monitor.WithBus(o.bus),
		monitor.WithClock(o.now),
	)

	execOpts := []request.Option{
		request.WithLogger(logger),
		request.WithMetrics(cfg.Metrics),
		request.WithBus(o.bus),
		request.WithAuthFailure(m.monitor.ForceExpire),
		request.WithClock(o.now),
	}
	if o.sleep != nil {
		execOpts = append(execOpts, request.WithSleep(o.sleep))
	}
	m.exec = request.New(o.transport, m.coord, cfg.Request, execOpts...)

	m.coord.SetHooks(refresh.Hooks{
		OnGrant:    m.applyGrant,
		OnTerminal: m.monitor.ForceExpire,
	})

	m.unsubscribe = append(m.unsubscribe,
		o.bus.Subscribe(events.SessionExpired, func(events.Event) { m.clearPrincipal() }),
		o.bus.Subscribe(events.LoggedOut, func(events.Event) { m.clearPrincipal() }),
	)

	return m, nil
}

// Init restores a persisted session. The principal is not persisted, so a
// forced refresh recovers it; if that fails the stored tokens are dropped and
// the manager starts signed out. Only cancellation is returned as an error.
func (m *Manager) Init(ctx context.Context) error {
	pair := m.store.Load(ctx)
	if pair == nil {
		m.logger.Debug("no persisted session")
		return nil
	}
	if m.store.IsRefreshExpired(ctx) {
		m.logger.Info("persisted session expired, discarding")
		m.store.Clear(ctx)
		return nil
	}

	restored, err := m.coord.ForceRefresh(ctx, "")
	if err != nil {
		if errx.Is(err, errx.KindCancelled) {
			return err
		}
		m.logger.Info("persisted session could not be restored", "error", err)
		m.store.Clear(ctx)
		m.coord.Reset()
		return nil
	}

	m.monitor.Start(restored.RefreshExpiresAt, m.cfg.WarningWindow)
	m.logger.Info("session restored", "principal_id", m.principalID())
	return nil
}

// Dispose stops background work. Persisted tokens are kept so the session
// can be restored by a later Init.
func (m *Manager) Dispose() {
	m.monitor.Halt()
	for _, fn := range m.unsubscribe {
		fn()
	}
	m.unsubscribe = nil
}

// Login authenticates and starts a new session, superseding any refresh in
// flight for the previous one, including refreshes that start while the
// login call itself is out.
func (m *Manager) Login(ctx context.Context, username, password string) (*rbac.Principal, error) {
	m.coord.Reset()

	grant, err := m.client.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if grant.Principal == nil {
		return nil, errx.New(errx.KindServer, "login", errors.New("response has no user"))
	}

	// A refresh started on the old pair while the login call was out must
	// not clear or replace the new one
	if err := m.coord.Install(ctx, grant.Pair); err != nil {
		return nil, errx.New(errx.KindServer, "login", err)
	}

	m.setPrincipal(*grant.Principal)
	m.monitor.Start(grant.Pair.RefreshExpiresAt, m.cfg.WarningWindow)

	m.logger.Info("signed in", "principal_id", grant.Principal.ID, "roles", grant.Principal.Roles)

	p := grant.Principal.Clone()
	return &p, nil
}

// Logout revokes the refresh token on a best-effort basis and ends the
// session locally regardless of the outcome.
func (m *Manager) Logout(ctx context.Context) error {
	if pair := m.store.Load(ctx); pair != nil && pair.RefreshToken != "" {
		if err := m.client.Logout(ctx, pair.RefreshToken); err != nil {
			m.logger.Warn("backend logout failed", "error", err)
		}
	}

	m.coord.Reset()
	m.monitor.Logout()
	m.clearPrincipal()
	return nil
}

// applyGrant runs after every successful refresh.
func (m *Manager) applyGrant(g refresh.Grant) {
	if g.Principal != nil {
		m.setPrincipal(*g.Principal)
	}
	m.monitor.Renew(g.Pair.RefreshExpiresAt)
}

func (m *Manager) setPrincipal(p rbac.Principal) {
	perms := m.engine.EffectivePermissions(p.Roles...)
	clone := p.Clone()

	m.mu.Lock()
	m.principal = &clone
	m.perms = perms
	m.mu.Unlock()
}

func (m *Manager) clearPrincipal() {
	m.mu.Lock()
	m.principal = nil
	m.perms = rbac.PermissionSet{}
	m.mu.Unlock()
}

func (m *Manager) principalID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.principal == nil {
		return ""
	}
	return m.principal.ID
}
