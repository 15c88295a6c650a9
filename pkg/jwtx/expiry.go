package jwtx

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token lifetimes, used when the backend omits an expiry and the
// token itself carries none.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

var (
	ErrMalformed = errors.New("jwtx: malformed token")
	ErrNoExpiry  = errors.New("jwtx: token has no exp claim")
)

// ExpiresAt reads the exp claim of a JWT without verifying its signature.
//
// The client never holds the signing keys; the backend stays authoritative
// and rejects forged or expired tokens with 401. The claim is only used to
// schedule refreshes, so an unverified read is enough.
func ExpiresAt(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims

	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, errors.Join(ErrMalformed, err)
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}

	return claims.ExpiresAt.Time, nil
}

// Subject reads the sub claim without verification.
func Subject(token string) (string, error) {
	var claims jwt.RegisteredClaims

	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", errors.Join(ErrMalformed, err)
	}

	return claims.Subject, nil
}
