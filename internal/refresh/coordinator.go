// Package refresh serializes access-token refresh so that at most one
// refresh call is outstanding no matter how many callers need a token.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/events"
	"github.com/aussiebroadwan/bartab-session/internal/metrics"
	"github.com/aussiebroadwan/bartab-session/internal/rbac"
	"github.com/aussiebroadwan/bartab-session/internal/tokenstore"
	"github.com/aussiebroadwan/bartab-session/pkg/errx"
	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
)

const op = "refresh"

const (
	DefaultBuffer      = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

var (
	// ErrSuperseded rejects waiters of a refresh that a new login replaced.
	ErrSuperseded = errors.New("refresh: superseded by a new login")

	ErrNoRefreshToken = errors.New("refresh: no refresh token stored")
	ErrRefreshExpired = errors.New("refresh: refresh token expired")

	// ErrSessionEnded is returned while the coordinator sits in Failed.
	ErrSessionEnded = errors.New("refresh: session ended")
)

type State int

const (
	Idle State = iota
	Refreshing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Grant is what a successful refresh yields. Principal is nil when the
// backend did not include the user.
type Grant struct {
	Pair      tokenstore.TokenPair
	Principal *rbac.Principal
}

// RefreshFunc performs the network refresh. It should return errx kinds so
// transient failures can be told apart from rejected tokens.
type RefreshFunc func(ctx context.Context, refreshToken string) (*Grant, error)

type Config struct {
	// Buffer is how close to expiry an access token is treated as stale.
	Buffer time.Duration

	// MaxAttempts bounds network attempts per refresh, including the first.
	MaxAttempts int

	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Hooks connect the coordinator to the rest of the session.
type Hooks struct {
	// OnGrant runs after a successful refresh is saved, before waiters resume.
	OnGrant func(Grant)

	// OnTerminal runs once per failed refresh, before waiters are rejected.
	OnTerminal func(error)
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithBus(b *events.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithSleep replaces the wait between attempts. Tests use it to skip delays.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

type result struct {
	pair tokenstore.TokenPair
	err  error
}

type Coordinator struct {
	store   *tokenstore.Store
	refresh RefreshFunc
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	sleep   func(context.Context, time.Duration) error

	mu         sync.Mutex
	state      State
	gen        uint64
	nextWaiter uint64
	waiters    map[uint64]chan result
	hooks      Hooks

	// inflight closes when the most recently started refresh goroutine
	// returns, superseded or not.
	inflight chan struct{}
}

func New(store *tokenstore.Store, fn RefreshFunc, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		refresh: fn,
		cfg:     cfg.withDefaults(),
		sleep:   sleepCtx,
		waiters: make(map[uint64]chan result),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = slogx.OrDefault(c.logger)
	return c
}

// SetHooks installs the session hooks. The monitor and the coordinator
// reference each other, so hooks are wired after both exist.
func (c *Coordinator) SetHooks(h Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Waiters returns how many callers are parked on the in-flight refresh.
func (c *Coordinator) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Buffer is the configured staleness window.
func (c *Coordinator) Buffer() time.Duration { return c.cfg.Buffer }

// EnsureFreshToken returns a pair whose access token is valid beyond the
// buffer, refreshing or joining the in-flight refresh when needed.
func (c *Coordinator) EnsureFreshToken(ctx context.Context) (tokenstore.TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return tokenstore.TokenPair{}, errx.Cancelled(op, err)
	}

	c.mu.Lock()
	switch c.state {
	case Failed:
		c.mu.Unlock()
		return tokenstore.TokenPair{}, errx.Auth(op, ErrSessionEnded)
	case Idle:
		if p := c.store.Load(ctx); p != nil && !c.store.IsAccessExpired(ctx, c.cfg.Buffer) {
			c.mu.Unlock()
			return *p, nil
		}
	}
	id, ch := c.joinLocked(ctx)
	c.mu.Unlock()

	return c.wait(ctx, id, ch)
}

// ForceRefresh refreshes even when the stored access token looks valid,
// unless the stored token already differs from staleAccess, meaning someone
// else refreshed in the meantime. An empty staleAccess always refreshes.
func (c *Coordinator) ForceRefresh(ctx context.Context, staleAccess string) (tokenstore.TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return tokenstore.TokenPair{}, errx.Cancelled(op, err)
	}

	c.mu.Lock()
	switch c.state {
	case Failed:
		c.mu.Unlock()
		return tokenstore.TokenPair{}, errx.Auth(op, ErrSessionEnded)
	case Idle:
		if staleAccess != "" {
			p := c.store.Load(ctx)
			if p != nil && p.AccessToken != staleAccess && !c.store.IsAccessExpired(ctx, c.cfg.Buffer) {
				c.mu.Unlock()
				return *p, nil
			}
		}
	}
	id, ch := c.joinLocked(ctx)
	c.mu.Unlock()

	return c.wait(ctx, id, ch)
}

// Reset abandons any in-flight refresh. Its waiters are rejected with
// ErrSuperseded and its eventual result is discarded. The next refresh
// starts its network call only once the abandoned one has returned.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.gen++
	c.state = Idle
	waiters := c.takeWaitersLocked()
	c.mu.Unlock()

	deliver(waiters, result{err: errx.Auth(op, ErrSuperseded)})
}

// Install saves pair as the start of a new session. Like Reset it
// supersedes any refresh in flight; the save and the generation bump happen
// under one lock, so a superseded refresh can neither clear nor overwrite
// pair.
func (c *Coordinator) Install(ctx context.Context, pair tokenstore.TokenPair) error {
	c.mu.Lock()
	if err := c.store.Save(ctx, pair); err != nil {
		c.mu.Unlock()
		return err
	}
	c.gen++
	c.state = Idle
	waiters := c.takeWaitersLocked()
	c.mu.Unlock()

	deliver(waiters, result{err: errx.Auth(op, ErrSuperseded)})
	return nil
}

func (c *Coordinator) joinLocked(ctx context.Context) (uint64, chan result) {
	id := c.nextWaiter
	c.nextWaiter++
	ch := make(chan result, 1)
	c.waiters[id] = ch

	if c.state != Refreshing {
		c.state = Refreshing
		prev := c.inflight
		done := make(chan struct{})
		c.inflight = done
		go c.run(context.WithoutCancel(ctx), c.gen, prev, done)
	}
	return id, ch
}

func (c *Coordinator) wait(ctx context.Context, id uint64, ch chan result) (tokenstore.TokenPair, error) {
	select {
	case r := <-ch:
		return r.pair, r.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()

		// The result may have landed while we were leaving
		select {
		case r := <-ch:
			return r.pair, r.err
		default:
		}
		return tokenstore.TokenPair{}, errx.Cancelled(op, ctx.Err())
	}
}

func (c *Coordinator) run(ctx context.Context, gen uint64, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// A superseded refresh may still be on the wire; at most one network
	// call is outstanding at any time.
	if prev != nil {
		<-prev
	}
	if !c.current(gen) {
		return
	}

	pair := c.store.Load(ctx)
	if pair == nil || pair.RefreshToken == "" {
		c.fail(ctx, gen, errx.Auth(op, ErrNoRefreshToken))
		return
	}
	if c.store.IsRefreshExpired(ctx) {
		c.fail(ctx, gen, errx.Auth(op, ErrRefreshExpired))
		return
	}

	var (
		grant *Grant
		err   error
	)
	for attempt := 1; ; attempt++ {
		if !c.current(gen) {
			c.logger.Debug("refresh superseded before attempt", "attempt", attempt)
			return
		}

		grant, err = c.refresh(ctx, pair.RefreshToken)
		if err == nil {
			break
		}
		if !errx.Transient(err) || attempt >= c.cfg.MaxAttempts {
			break
		}

		c.logger.Warn("token refresh failed, retrying",
			"attempt", attempt,
			"delay", c.cfg.RetryDelay,
			"error", err,
		)
		c.metrics.Refreshed("retry")
		_ = c.sleep(ctx, c.cfg.RetryDelay)
	}

	if err != nil {
		if !errx.Is(err, errx.KindAuth) {
			err = errx.Auth(op, err)
		}
		c.fail(ctx, gen, err)
		return
	}
	if grant == nil {
		c.fail(ctx, gen, errx.Auth(op, errors.New("empty refresh response")))
		return
	}

	c.succeed(ctx, gen, *grant)
}

func (c *Coordinator) succeed(ctx context.Context, gen uint64, grant Grant) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("discarding superseded refresh result")
		return
	}

	// Save before leaving Refreshing so later requests observe the new pair
	if err := c.store.Save(ctx, grant.Pair); err != nil {
		c.mu.Unlock()
		c.fail(ctx, gen, errx.Auth(op, err))
		return
	}

	c.state = Idle
	waiters := c.takeWaitersLocked()
	hooks := c.hooks
	c.mu.Unlock()

	c.metrics.Refreshed("success")
	c.logger.Info("access token refreshed", "access_expires_at", grant.Pair.AccessExpiresAt)

	if hooks.OnGrant != nil {
		hooks.OnGrant(grant)
	}
	c.bus.Emit(events.TokenRefreshed, events.Refreshed{
		AccessExpiresAt:  grant.Pair.AccessExpiresAt,
		RefreshExpiresAt: grant.Pair.RefreshExpiresAt,
	})

	deliver(waiters, result{pair: grant.Pair})
}

func (c *Coordinator) fail(ctx context.Context, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.store.Clear(ctx)
	c.state = Failed
	waiters := c.takeWaitersLocked()
	hooks := c.hooks
	c.mu.Unlock()

	c.metrics.Refreshed("failure")
	c.logger.Warn("token refresh failed, ending session", "error", err)

	// The session is ended before any caller sees the error
	if hooks.OnTerminal != nil {
		hooks.OnTerminal(err)
	}

	deliver(waiters, result{err: err})
}

func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Coordinator) takeWaitersLocked() []chan result {
	out := make([]chan result, 0, len(c.waiters))
	for id, ch := range c.waiters {
		out = append(out, ch)
		delete(c.waiters, id)
	}
	return out
}

func deliver(waiters []chan result, r result) {
	for _, ch := range waiters {
		ch <- r
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
