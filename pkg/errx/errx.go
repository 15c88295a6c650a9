// Package errx holds the error taxonomy shared by the session engine.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Kind. Callers branch on the kind with Is or KindOf instead of matching
// strings or status codes.
package errx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and propagation decisions.
type Kind int

const (
	KindUnknown Kind = iota

	// KindNetwork means no response was received. Retryable.
	KindNetwork

	// KindServer is a 5xx (or 429) response. Retryable for the statuses the
	// request policy allows.
	KindServer

	// KindClient is a 4xx other than 401. Never retried.
	KindClient

	// KindAuth is a 401 after a forced refresh, or a refresh token that is
	// invalid or expired. Terminal for the session.
	KindAuth

	// KindStorage means the persistence backend is unavailable. Only ever
	// logged; the token store degrades to memory.
	KindStorage

	// KindTimeout is a per-attempt hard timeout. Treated as KindNetwork for
	// retry purposes.
	KindTimeout

	// KindCancelled is caller-initiated. Not retried, not logged as a failure.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindAuth:
		return "auth"
	case KindStorage:
		return "storage"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the concrete error type used across the engine.
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "request.execute" or "refresh".
	Op string

	// Status is the HTTP status code when a response was received.
	Status int

	// Body is the buffered response body for HTTP failures, if any.
	Body []byte

	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d %s)", e.Status, http.StatusText(e.Status))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: KindAuth}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTP builds an *Error for a response that came back with a failing status.
func HTTP(kind Kind, op string, status int, body []byte) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Body: body}
}

func Network(op string, err error) *Error { return New(KindNetwork, op, err) }
func Timeout(op string, err error) *Error { return New(KindTimeout, op, err) }
func Auth(op string, err error) *Error    { return New(KindAuth, op, err) }
func Storage(op string, err error) *Error { return New(KindStorage, op, err) }

// Cancelled wraps a context error. A nil err defaults to context.Canceled.
func Cancelled(op string, err error) *Error {
	if err == nil {
		err = context.Canceled
	}
	return New(KindCancelled, op, err)
}

// KindOf returns the kind of the first *Error in err's chain. Bare context
// errors map to KindCancelled / KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	return KindUnknown
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether err is a network, timeout or server failure,
// the classes a caller may try again.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// KindForStatus maps a failing HTTP status to its kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusTooManyRequests, status >= 500:
		return KindServer
	case status >= 400:
		return KindClient
	default:
		return KindUnknown
	}
}
