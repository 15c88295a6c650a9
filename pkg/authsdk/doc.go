/*
Package authsdk is the client-side session engine for a bearer-token backend.

# Overview

A Manager owns one session. It persists the token pair, refreshes it before
it expires, executes HTTP calls with the current access token, decides what
the signed-in principal may do, and tells the application when the session is
about to end or has ended.

	mgr, err := authsdk.NewManager(authsdk.Config{
		BaseURL: "https://api.example.com",
		Backend: sqliteStore, // any tokenstore.Backend; nil keeps tokens in memory
	})
	if err != nil {
		return err
	}
	defer mgr.Dispose()

	// Restore a session persisted by a previous run
	if err := mgr.Init(ctx); err != nil {
		return err
	}

	principal, err := mgr.Login(ctx, "alice", "secret")

# Requests

Do, Get and PostJSON attach the access token, refresh it first when it is
within the refresh buffer of expiring, and retry transient failures:

  - network errors, timeouts, 500, 502, 503, 504 and 429 are retried with
    exponential backoff (1s, 2s, 4s by default, capped at 30s)
  - a 401 triggers one forced refresh and one retry; a second 401 ends the session
  - other 4xx responses are returned immediately

Identical concurrent calls (same method, URL and body) share one network call
and one *request.Response.

	resp, err := mgr.Get(ctx, "/reports/daily")
	if err != nil {
		return err
	}
	var report Report
	err = authsdk.DecodeJSON(resp, &report, http.StatusOK)

# Automatic Token Refresh

Only one refresh is ever in flight. Every caller that needs a token while a
refresh is running waits for that refresh and receives its result. A refresh
token the backend rejects, or one that has expired locally, clears the stored
tokens and ends the session.

# Permissions

Roles form a hierarchy; each role holds its own permissions plus those of
every lower level. Permissions are "domain:action" strings and "domain:*"
grants the whole domain.

	if mgr.HasPermission(rbac.PermUsersDelete) {
		// show the delete button
	}

	mgr.HasAccess(rbac.Requirement{
		Roles:       []rbac.Role{rbac.RoleManager, rbac.RoleAdmin},
		Permissions: []rbac.Permission{rbac.PermReportsExport},
	})

# Session Events

The Manager publishes token_refreshed, session_warning, session_expired,
auth_error, request_retried and logged_out. Subscribe to drive the UI:

	unsubscribe := mgr.Subscribe(events.SessionWarning, func(ev events.Event) {
		w := ev.Payload.(events.Warning)
		fmt.Println("session ends in", w.Remaining)
	})
	defer unsubscribe()

ExtendSession renews the session on demand; RecordActivity keeps an idle
timeout from firing.

# Error Handling

Every error is an *Error with a Kind:

	_, err := mgr.Get(ctx, "/secret")
	switch {
	case authsdk.IsKind(err, authsdk.KindAuth):
		// the session has ended, show the login screen
	case authsdk.IsKind(err, authsdk.KindClient):
		var apiErr *authsdk.APIError
		if errors.As(err, &apiErr) {
			fmt.Println(apiErr.Message)
		}
	}

# Thread Safety

A Manager is safe for concurrent use.
*/
package authsdk
