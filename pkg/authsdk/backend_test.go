package authsdk_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type account struct {
	password string
	roles    []string
}

// fakeBackend implements the auth contract in memory.
type fakeBackend struct {
	mu sync.Mutex

	now       func() time.Time
	accessTTL time.Duration
	seq       int

	accounts map[string]account
	access   map[string]string // access token -> username
	refresh  map[string]string // refresh token -> username

	rejectRefresh bool

	// Gates hold a call after it is counted and before it is answered.
	loginGate   chan struct{}
	refreshGate chan struct{}

	loginCalls    int
	refreshCalls  int
	logoutCalls   int
}

func newFakeBackend(t *testing.T, now func() time.Time) (*fakeBackend, *httptest.Server) {
	t.Helper()

	b := &fakeBackend{
		now:       now,
		accessTTL: 15 * time.Minute,
		accounts: map[string]account{
			"alice": {password: "pw", roles: []string{"admin"}},
			"bob":   {password: "pw", roles: []string{"manager"}},
		},
		access:  map[string]string{},
		refresh: map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.handleLogin)
	mux.HandleFunc("POST /auth/refresh", b.handleRefresh)
	mux.HandleFunc("POST /auth/logout", b.handleLogout)
	mux.HandleFunc("GET /items", b.handleItems)
	mux.HandleFunc("POST /search", b.handleItems)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *fakeBackend) issueLocked(username string) map[string]any {
	b.seq++
	access := fmt.Sprintf("access-%d", b.seq)
	refresh := fmt.Sprintf("refresh-%d", b.seq)
	b.access[access] = username
	b.refresh[refresh] = username

	now := b.now()
	return map[string]any{
		"accessToken":      access,
		"refreshToken":     refresh,
		"accessExpiresAt":  now.Add(b.accessTTL),
		"refreshExpiresAt": now.Add(24 * time.Hour),
		"user": map[string]any{
			"id":    "id-" + username,
			"roles": b.accounts[username].roles,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	b.loginCalls++
	gate := b.loginGate
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	acct, ok := b.accounts[req.Username]
	if !ok || acct.password != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant", "message": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, b.issueLocked(req.Username))
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	b.refreshCalls++
	gate := b.refreshGate
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	username, ok := b.refresh[req.RefreshToken]
	if !ok || b.rejectRefresh {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant", "message": "refresh token revoked"})
		return
	}
	delete(b.refresh, req.RefreshToken)
	writeJSON(w, http.StatusOK, b.issueLocked(username))
}

func (b *fakeBackend) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.logoutCalls++
	delete(b.refresh, req.RefreshToken)
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) handleItems(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	b.mu.Lock()
	username, ok := b.access[token]
	b.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": username, "items": []string{"a", "b"}})
}

// revokeAccess invalidates every issued access token.
func (b *fakeBackend) revokeAccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.access = map[string]string{}
}

// gate installs login and refresh gates and returns them.
func (b *fakeBackend) gate() (login, refresh chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loginGate = make(chan struct{})
	b.refreshGate = make(chan struct{})
	return b.loginGate, b.refreshGate
}

func (b *fakeBackend) counts() (login, refresh, logout int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loginCalls, b.refreshCalls, b.logoutCalls
}
