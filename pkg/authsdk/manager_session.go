package authsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/aussiebroadwan/bartab-session/internal/events"
	"github.com/aussiebroadwan/bartab-session/internal/monitor"
	"github.com/aussiebroadwan/bartab-session/internal/request"
)

// Do executes req with the session's token, deduplication and retry
// policy. A relative URL is resolved against the base URL.
func (m *Manager) Do(ctx context.Context, req *request.Request) (*request.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("authsdk: nil request")
	}
	r := *req
	r.URL = m.resolve(r.URL)
	return m.exec.Execute(ctx, &r)
}

// Get issues an authenticated GET.
func (m *Manager) Get(ctx context.Context, path string) (*request.Response, error) {
	return m.Do(ctx, &request.Request{Method: http.MethodGet, URL: path})
}

// PostJSON issues an authenticated POST with body encoded as JSON.
func (m *Manager) PostJSON(ctx context.Context, path string, body any) (*request.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	return m.Do(ctx, &request.Request{
		Method: http.MethodPost,
		URL:    path,
		Header: header,
		Body:   bytes.TrimSpace(buf.Bytes()),
	})
}

// ExtendSession renews the session with a forced refresh. Failure ends it.
func (m *Manager) ExtendSession(ctx context.Context) error {
	return m.monitor.Extend(ctx)
}

// KeepAlive extends the session each time it enters its warning window,
// until ctx is done or stop is called. A failed extension ends the session
// like any other rejected refresh.
func (m *Manager) KeepAlive(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	unsubscribe := m.bus.Subscribe(events.SessionWarning, func(ev events.Event) {
		// A zero remaining warning comes with the expiry itself
		if w, ok := ev.Payload.(events.Warning); ok && w.Remaining <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.ExtendSession(ctx); err != nil {
				m.logger.Warn("failed to extend session", "error", err)
				return
			}
			m.logger.Info("session extended", "expires_at", m.SessionState().ExpiresAt)
		}()
	})

	return func() {
		unsubscribe()
		cancel()
		wg.Wait()
	}
}

// RecordActivity tells the monitor the user is active.
func (m *Manager) RecordActivity() {
	m.monitor.RecordActivity()
}

// CheckSession evaluates the session now, firing warning or expiry events
// that are due. Hosts that disable the monitor's loop call it themselves.
func (m *Manager) CheckSession() monitor.Snapshot {
	return m.monitor.Check()
}

// SessionState returns the monitor's current view of the session.
func (m *Manager) SessionState() monitor.Snapshot {
	return m.monitor.Snapshot()
}

// Subscribe registers h for name and returns the unsubscribe func.
func (m *Manager) Subscribe(name events.Name, h events.Handler) func() {
	return m.bus.Subscribe(name, h)
}

// Bus exposes the event bus, e.g. for events.Forward.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Degraded reports whether tokens are only held in memory because the
// storage backend failed.
func (m *Manager) Degraded() bool { return m.store.Degraded() }
