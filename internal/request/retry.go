package request

import (
	"net/http"
	"strconv"
	"time"

	"github.com/aussiebroadwan/bartab-session/pkg/errx"
)

const (
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultMaxRetries = 3
)

// Policy bounds retries. Zero fields are completed with the defaults by
// WithDefaults.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxRetries excludes the first attempt. Negative disables retries.
	MaxRetries int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		MaxRetries: DefaultMaxRetries,
	}
}

func (p Policy) WithDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	switch {
	case p.MaxRetries == 0:
		p.MaxRetries = DefaultMaxRetries
	case p.MaxRetries < 0:
		p.MaxRetries = 0
	}
	return p
}

// Backoff is the delay before retry n (0-based): min(Base*2^n, Max).
func (p Policy) Backoff(n int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type Phase int

const (
	Pending Phase = iota
	Retrying
	Succeeded
	Failed
	Cancelled
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// State is the retry bookkeeping for one logical request.
type State struct {
	Phase Phase

	// Attempts counts completed transport attempts.
	Attempts int

	// Retries counts scheduled backoff retries. The 401 refresh-and-retry
	// is tracked by Refreshed and does not count.
	Retries int

	Refreshed bool

	// NoRefresh disables the 401 refresh path, for unauthenticated calls.
	NoRefresh bool
}

// Done reports whether the state is terminal.
func (s State) Done() bool {
	return s.Phase == Succeeded || s.Phase == Failed || s.Phase == Cancelled
}

type Action int

const (
	ActDone Action = iota
	ActRetry
	ActRefreshAndRetry
	ActFail
)

// Outcome is the result of one attempt. Exactly one of Response or Err is set.
type Outcome struct {
	Response   *Response
	Err        error
	RetryAfter time.Duration
}

type Decision struct {
	Action Action
	Delay  time.Duration
	Cause  string
	Err    error

	// Terminal marks an auth failure that must end the session.
	Terminal bool
}

// Next is the retry transition function. It has no side effects.
func (p Policy) Next(s State, o Outcome) (State, Decision) {
	s.Attempts++

	if o.Err != nil {
		switch kind := errx.KindOf(o.Err); kind {
		case errx.KindCancelled:
			s.Phase = Cancelled
			return s, Decision{Action: ActFail, Err: o.Err}
		case errx.KindNetwork, errx.KindTimeout:
			return p.retry(s, o.Err, kind.String(), 0)
		default:
			s.Phase = Failed
			return s, Decision{Action: ActFail, Err: o.Err}
		}
	}

	resp := o.Response
	status := resp.StatusCode

	switch {
	case status < 400:
		s.Phase = Succeeded
		return s, Decision{Action: ActDone}

	case status == http.StatusUnauthorized:
		err := errx.HTTP(errx.KindAuth, op, status, resp.Body)
		if s.NoRefresh {
			s.Phase = Failed
			return s, Decision{Action: ActFail, Err: err}
		}
		if !s.Refreshed {
			s.Refreshed = true
			s.Phase = Retrying
			return s, Decision{Action: ActRefreshAndRetry, Cause: "unauthorized"}
		}
		s.Phase = Failed
		return s, Decision{Action: ActFail, Err: err, Terminal: true}

	case retryableStatus(status):
		err := errx.HTTP(errx.KindServer, op, status, resp.Body)
		var hint time.Duration
		if status == http.StatusTooManyRequests {
			hint = o.RetryAfter
		}
		return p.retry(s, err, "http_"+strconv.Itoa(status), hint)

	default:
		s.Phase = Failed
		return s, Decision{Action: ActFail, Err: errx.HTTP(errx.KindForStatus(status), op, status, resp.Body)}
	}
}

func (p Policy) retry(s State, err error, cause string, hint time.Duration) (State, Decision) {
	if s.Retries >= p.MaxRetries {
		s.Phase = Failed
		return s, Decision{Action: ActFail, Err: err, Cause: cause}
	}

	delay := p.Backoff(s.Retries)
	if hint > delay {
		delay = min(hint, p.MaxDelay)
	}

	s.Retries++
	s.Phase = Retrying
	return s, Decision{Action: ActRetry, Delay: delay, Cause: cause, Err: err}
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
