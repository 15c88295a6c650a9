// Package request executes authenticated HTTP calls with deduplication of
// identical concurrent calls and bounded retry of transient failures.
package request

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/aussiebroadwan/bartab-session/internal/events"
	"github.com/aussiebroadwan/bartab-session/internal/metrics"
	"github.com/aussiebroadwan/bartab-session/internal/tokenstore"
	"github.com/aussiebroadwan/bartab-session/pkg/errx"
	"github.com/aussiebroadwan/bartab-session/pkg/idx"
	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
)

const op = "request"

const DefaultTimeout = 30 * time.Second

var ErrInvalidRequest = errors.New("request: invalid request")

// TokenSource hands out access tokens. *refresh.Coordinator satisfies it.
type TokenSource interface {
	EnsureFreshToken(ctx context.Context) (tokenstore.TokenPair, error)
	ForceRefresh(ctx context.Context, staleAccess string) (tokenstore.TokenPair, error)
}

type Config struct {
	Policy Policy

	// Timeout bounds each attempt unless the request sets its own.
	Timeout time.Duration

	// RateLimit caps outbound attempts per second. Zero disables limiting.
	RateLimit float64
	Burst     int
}

type Option func(*Executor)

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithBus(b *events.Bus) Option {
	return func(e *Executor) { e.bus = b }
}

// WithAuthFailure sets the hook fired when a request is rejected with 401
// even after a forced refresh.
func WithAuthFailure(fn func(error)) Option {
	return func(e *Executor) { e.onAuthFailure = fn }
}

// WithSleep replaces the backoff wait. It must return ctx.Err() when ctx ends first.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

type Executor struct {
	transport     Transport
	tokens        TokenSource
	cfg           Config
	limiter       *rate.Limiter
	logger        *slog.Logger
	metrics       *metrics.Metrics
	bus           *events.Bus
	onAuthFailure func(error)
	sleep         func(context.Context, time.Duration) error
	now           func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
	seq     uint64
}

func New(transport Transport, tokens TokenSource, cfg Config, opts ...Option) *Executor {
	cfg.Policy = cfg.Policy.WithDefaults()
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	e := &Executor{
		transport: transport,
		tokens:    tokens,
		cfg:       cfg,
		sleep:     sleepCtx,
		now:       time.Now,
		flights:   make(map[string]*flight),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = slogx.OrDefault(e.logger)
	return e
}

// Execute runs req, joining an identical in-flight call when there is one.
// Non-2xx responses that are not retried come back as *errx.Error carrying
// the status and body.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == "" {
		return nil, errx.New(errx.KindClient, op, ErrInvalidRequest)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if err := ctx.Err(); err != nil {
		return nil, errx.Cancelled(op, err)
	}

	key := DedupKey(req.Method, req.URL, req.Body)
	f, ch := e.attach(ctx, key, req)
	defer e.release(key, f)

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Response), nil
	case <-ctx.Done():
		return nil, errx.Cancelled(op, ctx.Err())
	}
}

func (e *Executor) run(ctx context.Context, req *Request) (*Response, error) {
	// One id for every attempt of this call, in our logs and on the wire
	reqID := req.Header.Get(slogx.RequestIDHeader)
	if reqID == "" {
		reqID = idx.New().String()
	}
	ctx = slogx.WithRequestID(ctx, e.logger, reqID)
	logger := slogx.FromContext(ctx, e.logger).With("method", req.Method, "url", req.URL)

	state := State{NoRefresh: req.SkipAuth}
	forceRefresh := false
	stale := ""

	for {
		header := req.Header.Clone()
		if header == nil {
			header = make(http.Header)
		}

		if !req.SkipAuth {
			pair, err := e.token(ctx, forceRefresh, stale)
			if err != nil {
				e.finish(req.Method, err)
				return nil, err
			}
			stale = pair.AccessToken
			header.Set("Authorization", "Bearer "+pair.AccessToken)
		}
		forceRefresh = false
		header.Set(slogx.RequestIDHeader, reqID)

		resp, err := e.attempt(ctx, req, header)

		var d Decision
		state, d = e.cfg.Policy.Next(state, Outcome{
			Response:   resp,
			Err:        err,
			RetryAfter: retryAfter(resp, e.now()),
		})

		switch d.Action {
		case ActDone:
			e.finish(req.Method, nil)
			return resp, nil

		case ActRefreshAndRetry:
			logger.Info("request unauthorized, refreshing token", "attempt", state.Attempts)
			forceRefresh = true

		case ActRetry:
			logger.Warn("request failed, retrying",
				"attempt", state.Attempts,
				"retry", state.Retries,
				"delay", d.Delay,
				"cause", d.Cause,
				"error", d.Err,
			)
			e.metrics.RetryScheduled(d.Cause)
			e.bus.Emit(events.RequestRetried, events.RetryRecord{
				Attempt: state.Retries,
				Delay:   d.Delay,
				Cause:   d.Cause,
				Method:  req.Method,
				URL:     req.URL,
			})

			if err := e.sleep(ctx, d.Delay); err != nil {
				err = errx.Cancelled(op, err)
				e.finish(req.Method, err)
				return nil, err
			}

		case ActFail:
			if d.Terminal {
				logger.Warn("request rejected after token refresh, ending session", "error", d.Err)
				if e.onAuthFailure != nil {
					e.onAuthFailure(d.Err)
				}
			}
			e.finish(req.Method, d.Err)
			return nil, d.Err
		}
	}
}

func (e *Executor) token(ctx context.Context, force bool, stale string) (tokenstore.TokenPair, error) {
	if force {
		return e.tokens.ForceRefresh(ctx, stale)
	}
	return e.tokens.EnsureFreshToken(ctx)
}

// attempt performs one bounded transport call and classifies a missing
// response.
func (e *Executor) attempt(ctx context.Context, req *Request, header http.Header) (*Response, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, errx.Cancelled(op, err)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := e.transport(actx, req.Method, req.URL, header, req.Body)
	if err == nil {
		if resp == nil {
			return nil, errx.Network(op, errors.New("transport returned no response"))
		}
		return resp, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, errx.Cancelled(op, ctx.Err())
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		return nil, errx.Timeout(op, err)
	}

	var xe *errx.Error
	if errors.As(err, &xe) {
		return nil, err
	}
	return nil, errx.Network(op, err)
}

func (e *Executor) finish(method string, err error) {
	outcome := "success"
	if err != nil {
		outcome = errx.KindOf(err).String()
	}
	e.metrics.RequestFinished(method, outcome)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
