package authsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/refresh"
	"github.com/aussiebroadwan/bartab-session/internal/request"
	"github.com/aussiebroadwan/bartab-session/internal/tokenstore"
	"github.com/aussiebroadwan/bartab-session/pkg/errx"
	"github.com/aussiebroadwan/bartab-session/pkg/jwtx"
)

// Backend endpoint paths.
const (
	PathLogin   = "/auth/login"
	PathRefresh = "/auth/refresh"
	PathLogout  = "/auth/logout"
)

// DefaultCallTimeout bounds a single call to the auth endpoints.
const DefaultCallTimeout = 10 * time.Second

// SDKClient talks to the backend's auth endpoints. Each method is a single
// attempt; retry and refresh policy live in the Manager.
type SDKClient struct {
	BaseURL   string
	Transport request.Transport
	Timeout   time.Duration

	now func() time.Time
}

// NewSDKClient creates a client for baseURL. A nil transport uses
// request.HTTPTransport(nil).
func NewSDKClient(baseURL string, transport request.Transport) *SDKClient {
	if transport == nil {
		transport = request.HTTPTransport(nil)
	}
	return &SDKClient{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		Transport: transport,
		Timeout:   DefaultCallTimeout,
		now:       time.Now,
	}
}

// Login exchanges credentials for a token pair and the principal.
func (c *SDKClient) Login(ctx context.Context, username, password string) (*refresh.Grant, error) {
	var resp AuthResponse
	if err := c.post(ctx, "login", PathLogin, LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, err
	}
	return c.toGrant("login", &resp)
}

// Refresh exchanges a refresh token for a new pair. It has the shape of
// refresh.RefreshFunc. A rejected token comes back as KindAuth.
func (c *SDKClient) Refresh(ctx context.Context, refreshToken string) (*refresh.Grant, error) {
	var resp AuthResponse
	err := c.post(ctx, "refresh", PathRefresh, RefreshRequest{RefreshToken: refreshToken}, &resp)
	if err != nil {
		// Any 4xx on refresh means the token is unusable
		if errx.Is(err, errx.KindClient) {
			var xe *errx.Error
			if errors.As(err, &xe) {
				xe.Kind = errx.KindAuth
			}
		}
		return nil, err
	}
	return c.toGrant("refresh", &resp)
}

// Logout revokes the refresh token on the backend.
func (c *SDKClient) Logout(ctx context.Context, refreshToken string) error {
	return c.post(ctx, "logout", PathLogout, LogoutRequest{RefreshToken: refreshToken}, nil)
}

// post sends body as JSON and decodes a 2xx reply into target when set.
func (c *SDKClient) post(ctx context.Context, op, path string, body, target any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")

	resp, err := c.Transport(cctx, http.MethodPost, c.url(path), header, payload)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return errx.Cancelled(op, ctx.Err())
		case errors.Is(cctx.Err(), context.DeadlineExceeded):
			return errx.Timeout(op, err)
		default:
			return errx.Network(op, err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseErrorResponse(op, resp.StatusCode, resp.Body)
	}
	if target == nil || len(resp.Body) == 0 {
		return nil
	}

	if err := json.Unmarshal(resp.Body, target); err != nil {
		return errx.New(errx.KindServer, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// toGrant fills in missing expiries and validates the pair.
func (c *SDKClient) toGrant(op string, resp *AuthResponse) (*refresh.Grant, error) {
	if resp.AccessToken == "" {
		return nil, errx.New(errx.KindServer, op, errors.New("response has no access token"))
	}

	now := c.now()
	pair := tokenstore.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}

	switch {
	case resp.AccessExpiresAt != nil:
		pair.AccessExpiresAt = *resp.AccessExpiresAt
	default:
		if exp, err := jwtx.ExpiresAt(resp.AccessToken); err == nil {
			pair.AccessExpiresAt = exp
		} else {
			pair.AccessExpiresAt = now.Add(jwtx.DefaultAccessTokenTTL)
		}
	}

	if resp.RefreshExpiresAt != nil {
		pair.RefreshExpiresAt = *resp.RefreshExpiresAt
	} else {
		pair.RefreshExpiresAt = now.Add(jwtx.DefaultRefreshTokenTTL)
	}

	if err := pair.Validate(); err != nil {
		return nil, errx.New(errx.KindServer, op, err)
	}

	return &refresh.Grant{Pair: pair, Principal: resp.User.principal()}, nil
}

func (c *SDKClient) url(path string) string {
	return c.BaseURL + path
}
