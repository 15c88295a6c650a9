package authsdk

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aussiebroadwan/bartab-session/pkg/errx"
)

// ============================================================================
// Error Kinds
// ============================================================================

// Error is the concrete error type returned by the SDK. Branch on its Kind
// with IsKind or errors.Is(err, &authsdk.Error{Kind: authsdk.KindAuth}).
type Error = errx.Error

type ErrorKind = errx.Kind

const (
	KindUnknown   = errx.KindUnknown
	KindNetwork   = errx.KindNetwork
	KindServer    = errx.KindServer
	KindClient    = errx.KindClient
	KindAuth      = errx.KindAuth
	KindStorage   = errx.KindStorage
	KindTimeout   = errx.KindTimeout
	KindCancelled = errx.KindCancelled
)

// IsKind reports whether err is of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return errx.Is(err, kind)
}

// KindOf returns the kind of err.
func KindOf(err error) ErrorKind {
	return errx.KindOf(err)
}

// ============================================================================
// APIError - backend error body
// ============================================================================

// APIError is the parsed error body of a failed backend call. It is wrapped
// inside an *Error and can be extracted with errors.As.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ============================================================================
// Error Parsing Helpers
// ============================================================================

// parseErrorResponse turns a failing response into an *Error of the kind the
// status implies. The body is parsed into an APIError when it has one.
func parseErrorResponse(op string, status int, body []byte) *Error {
	e := errx.HTTP(errx.KindForStatus(status), op, status, body)

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		msg := errResp.ErrorDescription
		if msg == "" {
			msg = errResp.Message
		}
		if errResp.Error != "" || msg != "" {
			e.Err = &APIError{StatusCode: status, Code: errResp.Error, Message: msg}
			return e
		}
	}

	e.Err = &APIError{
		StatusCode: status,
		Message:    fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status)),
	}
	return e
}
