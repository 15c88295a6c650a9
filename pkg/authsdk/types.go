package authsdk

import (
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/rbac"
)

// ============================================================================
// Request Types
// ============================================================================

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// LogoutRequest is the body of POST /auth/logout.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// ============================================================================
// Response Types
// ============================================================================

// AuthResponse is returned by login and refresh.
type AuthResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`

	// AccessExpiresAt is optional; when absent it is read from the token's
	// exp claim.
	AccessExpiresAt *time.Time `json:"accessExpiresAt,omitempty"`

	// RefreshExpiresAt is optional; when absent the refresh token is assumed
	// to live for jwtx.DefaultRefreshTokenTTL.
	RefreshExpiresAt *time.Time `json:"refreshExpiresAt,omitempty"`

	User *UserPayload `json:"user,omitempty"`
}

// UserPayload is the principal as the backend reports it.
type UserPayload struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

func (u *UserPayload) principal() *rbac.Principal {
	if u == nil {
		return nil
	}
	roles := make([]rbac.Role, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, rbac.Role(r))
	}
	return &rbac.Principal{ID: u.ID, Roles: roles}
}

// ErrorResponse is the error body the backend sends with 4xx/5xx statuses.
// Both the OAuth2 style and the message style are accepted.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}
