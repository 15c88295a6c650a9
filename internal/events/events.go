// Package events is the typed publish/subscribe channel the session engine
// uses to tell the application about lifecycle changes.
package events

import (
	"encoding/json"
	"time"
)

type Name string

const (
	TokenRefreshed Name = "token_refreshed"
	SessionWarning Name = "session_warning"
	SessionExpired Name = "session_expired"
	AuthError      Name = "auth_error"
	RequestRetried Name = "request_retried"
	LoggedOut      Name = "logged_out"
)

// Names lists every event the engine emits.
func Names() []Name {
	return []Name{TokenRefreshed, SessionWarning, SessionExpired, AuthError, RequestRetried, LoggedOut}
}

type Event struct {
	Name    Name      `json:"name"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Refreshed is the payload of TokenRefreshed.
type Refreshed struct {
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Warning is the payload of SessionWarning.
type Warning struct {
	Remaining time.Duration `json:"remaining"`
}

// Expired is the payload of SessionExpired.
type Expired struct {
	Reason string `json:"reason"`
}

// AuthFailure is the payload of AuthError.
type AuthFailure struct {
	Err error `json:"-"`
}

func (a AuthFailure) MarshalJSON() ([]byte, error) {
	msg := ""
	if a.Err != nil {
		msg = a.Err.Error()
	}
	return json.Marshal(struct {
		Reason string `json:"reason"`
	}{msg})
}

// RetryRecord is the payload of RequestRetried.
type RetryRecord struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Cause   string        `json:"cause"`
	Method  string        `json:"method,omitempty"`
	URL     string        `json:"url,omitempty"`
}
