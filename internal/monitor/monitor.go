// Package monitor tracks session lifetime and user activity, warning before
// the session ends and terminating it when it does.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/events"
	"github.com/aussiebroadwan/bartab-session/internal/metrics"
	"github.com/aussiebroadwan/bartab-session/internal/tokenstore"
	"github.com/aussiebroadwan/bartab-session/pkg/errx"
	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
)

const (
	DefaultTick             = 30 * time.Second
	DefaultWarningWindow    = 5 * time.Minute
	DefaultActivityDebounce = time.Second
)

const (
	ReasonExpired = "expired"
	ReasonIdle    = "idle"
)

var ErrNotRunning = errors.New("monitor: no active session")

type Phase int

const (
	Inactive Phase = iota
	Active
	Warning
	Expired
)

func (p Phase) String() string {
	switch p {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Warning:
		return "warning"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

type Snapshot struct {
	Phase          Phase
	Running        bool
	ExpiresAt      time.Time
	LastActivityAt time.Time
	WarningFiredAt time.Time
	Remaining      time.Duration
}

// Extender renews the session. *refresh.Coordinator satisfies it.
type Extender interface {
	ForceRefresh(ctx context.Context, staleAccess string) (tokenstore.TokenPair, error)
}

type Config struct {
	// Tick is the evaluation interval. Zero uses DefaultTick; negative
	// disables the background loop and callers drive Check themselves.
	Tick time.Duration

	// IdleTimeout ends the session after this long without activity.
	// Zero disables idle tracking.
	IdleTimeout time.Duration

	ActivityDebounce time.Duration
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

func WithBus(b *events.Bus) Option {
	return func(m *Monitor) { m.bus = b }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

type Monitor struct {
	store    *tokenstore.Store
	extender Extender
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	bus      *events.Bus
	now      func() time.Time

	mu             sync.Mutex
	phase          Phase
	running        bool
	started        bool
	expiresAt      time.Time
	window         time.Duration
	lastActivity   time.Time
	warningFiredAt time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(store *tokenstore.Store, extender Extender, cfg Config, opts ...Option) *Monitor {
	if cfg.Tick == 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.ActivityDebounce <= 0 {
		cfg.ActivityDebounce = DefaultActivityDebounce
	}

	m := &Monitor{
		store:    store,
		extender: extender,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = slogx.OrDefault(m.logger)
	return m
}

// Start begins monitoring a session that ends at expiresAt, warning once
// the remaining time drops to window. A running session is replaced.
func (m *Monitor) Start(expiresAt time.Time, window time.Duration) {
	m.Halt()

	if window <= 0 {
		window = DefaultWarningWindow
	}

	m.mu.Lock()
	m.phase = Active
	m.running = true
	m.started = true
	m.expiresAt = expiresAt
	m.window = window
	m.lastActivity = m.now()
	m.warningFiredAt = time.Time{}

	if m.cfg.Tick > 0 {
		m.stopCh = make(chan struct{})
		m.doneCh = make(chan struct{})
		go m.run(m.cfg.Tick, m.stopCh, m.doneCh)
	}
	m.mu.Unlock()

	m.metrics.SessionTransition(Active.String())
	m.logger.Info("session monitor started", "expires_at", expiresAt, "warning_window", window)
}

func (m *Monitor) run(tick time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check()
		case <-stopCh:
			return
		}
	}
}

// Check evaluates the session once.
func (m *Monitor) Check() Snapshot {
	m.mu.Lock()
	if !m.running {
		snap := m.snapshotLocked(m.now())
		m.mu.Unlock()
		return snap
	}

	now := m.now()
	remaining, reason := m.remainingLocked(now)

	var emit []events.Event
	expired := false

	switch {
	case remaining <= 0:
		if m.warningFiredAt.IsZero() {
			m.warningFiredAt = now
			emit = append(emit, events.Event{Name: events.SessionWarning, At: now, Payload: events.Warning{Remaining: 0}})
		}
		m.phase = Expired
		m.running = false
		m.started = false
		expired = true
		emit = append(emit, events.Event{Name: events.SessionExpired, At: now, Payload: events.Expired{Reason: reason}})

	case remaining <= m.window && m.phase == Active:
		m.phase = Warning
		m.warningFiredAt = now
		emit = append(emit, events.Event{Name: events.SessionWarning, At: now, Payload: events.Warning{Remaining: remaining}})
	}

	snap := m.snapshotLocked(now)
	stopCh := m.detachLoopLocked()
	m.mu.Unlock()

	if stopCh != nil && expired {
		close(stopCh)
	}
	if expired {
		m.store.Clear(context.Background())
		m.logger.Info("session expired", "reason", reason)
	}
	for _, ev := range emit {
		m.metrics.SessionTransition(transitionFor(ev.Name))
		m.bus.Publish(ev)
	}

	return snap
}

// RecordActivity marks user activity. Calls within the debounce window of
// the previous one are ignored. A session in Warning returns to Active when
// the activity moves its end past the warning window.
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	now := m.now()
	if now.Sub(m.lastActivity) < m.cfg.ActivityDebounce {
		return
	}
	m.lastActivity = now

	if m.phase == Warning {
		if remaining, _ := m.remainingLocked(now); remaining > m.window {
			m.phase = Active
			m.warningFiredAt = time.Time{}
			m.metrics.SessionTransition(Active.String())
		}
	}
}

// Extend forces a token refresh and, on success, moves the session end to
// the new refresh expiry. Failure ends the session.
func (m *Monitor) Extend(ctx context.Context) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	if !running {
		return ErrNotRunning
	}

	pair, err := m.extender.ForceRefresh(ctx, "")
	if err != nil {
		if errx.Is(err, errx.KindCancelled) {
			return err
		}
		m.ForceExpire(err)
		return err
	}

	m.Renew(pair.RefreshExpiresAt)
	return nil
}

// Renew moves the session end after a successful refresh and resets the
// session to Active. A zero expiresAt keeps the current end.
func (m *Monitor) Renew(expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if !expiresAt.IsZero() {
		m.expiresAt = expiresAt
	}
	m.lastActivity = m.now()
	if m.phase != Active {
		m.phase = Active
		m.warningFiredAt = time.Time{}
		m.metrics.SessionTransition(Active.String())
	}
}

// ForceExpire ends the session from outside, e.g. after a rejected refresh.
// It emits auth_error then session_expired, and does nothing when no
// session is running.
func (m *Monitor) ForceExpire(reason error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.phase = Expired
	m.running = false
	m.started = false
	stopCh := m.detachLoopLocked()
	now := m.now()
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	m.store.Clear(context.Background())

	msg := "session terminated"
	if reason != nil {
		msg = reason.Error()
	}
	m.logger.Warn("session force expired", "reason", msg)
	m.metrics.SessionTransition(Expired.String())

	m.bus.Publish(events.Event{Name: events.AuthError, At: now, Payload: events.AuthFailure{Err: reason}})
	m.bus.Publish(events.Event{Name: events.SessionExpired, At: now, Payload: events.Expired{Reason: msg}})
}

// Logout ends the session deliberately. Tokens are cleared every time;
// logged_out is emitted once per started session, and not at all for a
// session that already expired.
func (m *Monitor) Logout() {
	m.mu.Lock()
	emit := m.started
	m.started = false
	m.running = false
	m.phase = Inactive
	stopCh := m.detachLoopLocked()
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	m.store.Clear(context.Background())

	if emit {
		m.metrics.SessionTransition(Inactive.String())
		m.logger.Info("session logged out")
		m.bus.Emit(events.LoggedOut, nil)
	}
}

// Stop is Logout.
func (m *Monitor) Stop() { m.Logout() }

// Halt stops the background loop and waits for it without touching the
// stored tokens, so a persisted session can be restored later. It must not
// be called from an event handler.
func (m *Monitor) Halt() {
	m.mu.Lock()
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.now())
}

// remainingLocked returns the time left and which deadline is nearer.
func (m *Monitor) remainingLocked(now time.Time) (time.Duration, string) {
	deadline, reason := m.expiresAt, ReasonExpired
	if m.cfg.IdleTimeout > 0 {
		if idle := m.lastActivity.Add(m.cfg.IdleTimeout); deadline.IsZero() || idle.Before(deadline) {
			deadline, reason = idle, ReasonIdle
		}
	}
	if deadline.IsZero() {
		// No known end and no idle tracking
		return time.Duration(1<<63 - 1), ReasonExpired
	}
	return max(deadline.Sub(now), 0), reason
}

func (m *Monitor) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		Phase:          m.phase,
		Running:        m.running,
		ExpiresAt:      m.expiresAt,
		LastActivityAt: m.lastActivity,
		WarningFiredAt: m.warningFiredAt,
	}
	if m.running {
		s.Remaining, _ = m.remainingLocked(now)
	}
	return s
}

// detachLoopLocked hands the loop's stop channel to the caller, who closes
// it after releasing the lock. The loop may be the caller, so it is not
// waited for.
func (m *Monitor) detachLoopLocked() chan struct{} {
	if m.running {
		return nil
	}
	stopCh := m.stopCh
	m.stopCh, m.doneCh = nil, nil
	return stopCh
}

func transitionFor(name events.Name) string {
	if name == events.SessionWarning {
		return Warning.String()
	}
	return Expired.String()
}
