package request_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/bartab-session/internal/events"
	"github.com/aussiebroadwan/bartab-session/internal/request"
	"github.com/aussiebroadwan/bartab-session/internal/tokenstore"
	"github.com/aussiebroadwan/bartab-session/pkg/errx"
	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu      sync.Mutex
	access  string
	forced  []string
	ensured int
	err     error
}

func (f *fakeTokens) EnsureFreshToken(context.Context) (tokenstore.TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	if f.err != nil {
		return tokenstore.TokenPair{}, f.err
	}
	return tokenstore.TokenPair{AccessToken: f.access}, nil
}

func (f *fakeTokens) ForceRefresh(_ context.Context, stale string) (tokenstore.TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, stale)
	f.access = "rotated"
	return tokenstore.TokenPair{AccessToken: f.access}, nil
}

// script answers attempt n with responses[n], repeating the last entry.
type script struct {
	mu        sync.Mutex
	responses []func(header http.Header) (*request.Response, error)
	headers   []http.Header
}

func (s *script) transport(_ context.Context, _, _ string, header http.Header, _ []byte) (*request.Response, error) {
	s.mu.Lock()
	n := len(s.headers)
	s.headers = append(s.headers, header)
	fn := s.responses[min(n, len(s.responses)-1)]
	s.mu.Unlock()
	return fn(header)
}

func (s *script) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.headers)
}

func reply(code int) func(http.Header) (*request.Response, error) {
	return func(http.Header) (*request.Response, error) {
		return &request.Response{StatusCode: code, Header: http.Header{}, Body: []byte(http.StatusText(code))}, nil
	}
}

type recorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newExecutor(tr request.Transport, tokens request.TokenSource, opts ...request.Option) *request.Executor {
	opts = append([]request.Option{request.WithLogger(slogx.Discard())}, opts...)
	return request.New(tr, tokens, request.Config{}, opts...)
}

func TestExecuteRetriesServiceUnavailable(t *testing.T) {
	t.Parallel()

	s := &script{responses: []func(http.Header) (*request.Response, error){reply(http.StatusServiceUnavailable)}}
	rec := &recorder{}
	bus := events.NewBus(slogx.Discard())

	var retried []events.RetryRecord
	bus.Subscribe(events.RequestRetried, func(ev events.Event) {
		retried = append(retried, ev.Payload.(events.RetryRecord))
	})

	e := newExecutor(s.transport, &fakeTokens{access: "a1"}, request.WithSleep(rec.sleep), request.WithBus(bus))

	_, err := e.Execute(context.Background(), &request.Request{Method: http.MethodGet, URL: "https://api.test/items"})
	require.True(t, errx.Is(err, errx.KindServer))
	require.Equal(t, http.StatusServiceUnavailable, errx.StatusOf(err))
	require.Equal(t, 4, s.calls())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.delays)

	require.Len(t, retried, 3)
	for i, r := range retried {
		require.Equal(t, i+1, r.Attempt)
		require.Equal(t, "http_503", r.Cause)
	}
}

func TestExecuteDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	s := &script{responses: []func(http.Header) (*request.Response, error){reply(http.StatusNotFound)}}
	rec := &recorder{}
	e := newExecutor(s.transport, &fakeTokens{access: "a1"}, request.WithSleep(rec.sleep))

	_, err := e.Execute(context.Background(), &request.Request{URL: "https://api.test/missing"})
	require.True(t, errx.Is(err, errx.KindClient))

	var xe *errx.Error
	require.ErrorAs(t, err, &xe)
	require.Equal(t, []byte("Not Found"), xe.Body)
	require.Equal(t, 1, s.calls())
	require.Empty(t, rec.delays)
}

func TestExecuteNetworkErrorThenSuccess(t *testing.T) {
	t.Parallel()

	s := &script{responses: []func(http.Header) (*request.Response, error){
		func(http.Header) (*request.Response, error) { return nil, errors.New("connection refused") },
		reply(http.StatusOK),
	}}
	rec := &recorder{}
	e := newExecutor(s.transport, &fakeTokens{access: "a1"}, request.WithSleep(rec.sleep))

	resp, err := e.Execute(context.Background(), &request.Request{URL: "https://api.test/items"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []time.Duration{time.Second}, rec.delays)
	require.Equal(t, "Bearer a1", s.headers[0].Get("Authorization"))
}

func TestExecuteUnauthorizedRefreshesOnce(t *testing.T) {
	t.Parallel()

	t.Run("refresh fixes it", func(t *testing.T) {
		t.Parallel()

		s := &script{responses: []func(http.Header) (*request.Response, error){
			reply(http.StatusUnauthorized),
			reply(http.StatusOK),
		}}
		tokens := &fakeTokens{access: "old"}
		e := newExecutor(s.transport, tokens)

		resp, err := e.Execute(context.Background(), &request.Request{URL: "https://api.test/me"})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, []string{"old"}, tokens.forced)
		require.Equal(t, "Bearer old", s.headers[0].Get("Authorization"))
		require.Equal(t, "Bearer rotated", s.headers[1].Get("Authorization"))
	})

	t.Run("second 401 ends the session", func(t *testing.T) {
		t.Parallel()

		s := &script{responses: []func(http.Header) (*request.Response, error){reply(http.StatusUnauthorized)}}
		tokens := &fakeTokens{access: "old"}

		var terminal []error
		e := newExecutor(s.transport, tokens, request.WithAuthFailure(func(err error) {
			terminal = append(terminal, err)
		}))

		_, err := e.Execute(context.Background(), &request.Request{URL: "https://api.test/me"})
		require.True(t, errx.Is(err, errx.KindAuth))
		require.Equal(t, 2, s.calls())
		require.Len(t, tokens.forced, 1)
		require.Len(t, terminal, 1)
	})

	t.Run("unauthenticated request is not refreshed", func(t *testing.T) {
		t.Parallel()

		s := &script{responses: []func(http.Header) (*request.Response, error){reply(http.StatusUnauthorized)}}
		tokens := &fakeTokens{access: "old"}
		e := newExecutor(s.transport, tokens, request.WithAuthFailure(func(error) {
			t.Error("auth failure hook must not fire")
		}))

		_, err := e.Execute(context.Background(), &request.Request{
			Method:   http.MethodPost,
			URL:      "https://api.test/auth/login",
			SkipAuth: true,
		})
		require.True(t, errx.Is(err, errx.KindAuth))
		require.Equal(t, 1, s.calls())
		require.Empty(t, s.headers[0].Get("Authorization"))
		require.Zero(t, tokens.ensured)
	})
}

func TestExecuteTokenFailureSurfaces(t *testing.T) {
	t.Parallel()

	s := &script{responses: []func(http.Header) (*request.Response, error){reply(http.StatusOK)}}
	tokens := &fakeTokens{err: errx.Auth("refresh", errors.New("rejected"))}
	e := newExecutor(s.transport, tokens)

	_, err := e.Execute(context.Background(), &request.Request{URL: "https://api.test/me"})
	require.True(t, errx.Is(err, errx.KindAuth))
	require.Zero(t, s.calls())
}

func TestExecuteAttemptTimeout(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	slow := func(ctx context.Context, _, _ string, _ http.Header, _ []byte) (*request.Response, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	e := request.New(slow, &fakeTokens{access: "a"}, request.Config{
		Policy: request.Policy{MaxRetries: 1},
	}, request.WithLogger(slogx.Discard()), request.WithSleep(func(context.Context, time.Duration) error { return nil }))

	_, err := e.Execute(context.Background(), &request.Request{URL: "https://api.test/slow", Timeout: 10 * time.Millisecond})
	require.True(t, errx.Is(err, errx.KindTimeout))
	require.EqualValues(t, 2, calls.Load())
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	s := &script{responses: []func(http.Header) (*request.Response, error){reply(http.StatusBadGateway)}}
	e := newExecutor(s.transport, &fakeTokens{access: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for s.calls() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	start := time.Now()
	_, err := e.Execute(ctx, &request.Request{URL: "https://api.test/flaky"})
	require.True(t, errx.Is(err, errx.KindCancelled))
	require.Less(t, time.Since(start), 900*time.Millisecond)
	require.Equal(t, 1, s.calls())
}

func TestExecuteDeduplicatesConcurrentCalls(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	gate := make(chan struct{})
	tr := func(ctx context.Context, _, _ string, _ http.Header, _ []byte) (*request.Response, error) {
		calls.Add(1)
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &request.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
	}
	e := newExecutor(tr, &fakeTokens{access: "a"})

	const callers = 5
	responses := make(chan *request.Response, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := e.Execute(context.Background(), &request.Request{
				Method: http.MethodPost,
				URL:    "https://api.test/search",
				Body:   []byte(`{"q":"tab","page":1}`),
			})
			if err == nil {
				responses <- resp
			}
		}()
	}

	key := request.DedupKey(http.MethodPost, "https://api.test/search", []byte(`{"q":"tab","page":1}`))
	require.Eventually(t, func() bool { return e.Attached(key) == callers }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()
	close(responses)

	var first *request.Response
	n := 0
	for resp := range responses {
		if first == nil {
			first = resp
		}
		require.Same(t, first, resp)
		n++
	}
	require.Equal(t, callers, n)
	require.EqualValues(t, 1, calls.Load())

	// Settled calls are not reused
	_, err := e.Execute(context.Background(), &request.Request{
		Method: http.MethodPost,
		URL:    "https://api.test/search",
		Body:   []byte(`{"page":1,"q":"tab"}`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestExecuteDedupSurvivesCancelledCaller(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	gate := make(chan struct{})
	tr := func(ctx context.Context, _, _ string, _ http.Header, _ []byte) (*request.Response, error) {
		calls.Add(1)
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &request.Response{StatusCode: http.StatusOK, Body: []byte("shared")}, nil
	}
	e := newExecutor(tr, &fakeTokens{access: "a"})
	req := func() *request.Request { return &request.Request{URL: "https://api.test/items"} }
	key := request.DedupKey(http.MethodGet, "https://api.test/items", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, req())
		cancelled <- err
	}()

	type result struct {
		resp *request.Response
		err  error
	}
	kept := make(chan result, 1)
	go func() {
		resp, err := e.Execute(context.Background(), req())
		kept <- result{resp, err}
	}()

	require.Eventually(t, func() bool { return e.Attached(key) == 2 }, time.Second, time.Millisecond)
	cancel()
	require.True(t, errx.Is(<-cancelled, errx.KindCancelled))
	require.Eventually(t, func() bool { return e.Attached(key) == 1 }, time.Second, time.Millisecond)

	close(gate)
	r := <-kept
	require.NoError(t, r.err)
	require.Equal(t, []byte("shared"), r.resp.Body)
	require.EqualValues(t, 1, calls.Load())
}

func TestExecuteLateCallerDoesNotJoinAbandonedCall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tr := func(ctx context.Context, _, _ string, _ http.Header, _ []byte) (*request.Response, error) {
		if calls.Add(1) == 1 {
			// Slow to notice the cancellation
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil, ctx.Err()
		}
		return &request.Response{StatusCode: http.StatusOK, Body: []byte("fresh")}, nil
	}
	e := newExecutor(tr, &fakeTokens{access: "a"}, request.WithSleep((&recorder{}).sleep))
	req := func() *request.Request { return &request.Request{URL: "https://api.test/items"} }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, req())
		done <- err
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.True(t, errx.Is(<-done, errx.KindCancelled))

	// The first call is still unwinding; a new caller gets its own
	resp, err := e.Execute(context.Background(), req())
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), resp.Body)
	require.EqualValues(t, 2, calls.Load())
}

func TestExecuteRequestIDStableAcrossAttempts(t *testing.T) {
	t.Parallel()

	t.Run("generated", func(t *testing.T) {
		t.Parallel()

		s := &script{responses: []func(http.Header) (*request.Response, error){
			reply(http.StatusServiceUnavailable),
			reply(http.StatusUnauthorized),
			reply(http.StatusOK),
		}}
		e := newExecutor(s.transport, &fakeTokens{access: "a"}, request.WithSleep((&recorder{}).sleep))

		_, err := e.Execute(context.Background(), &request.Request{URL: "https://api.test/items"})
		require.NoError(t, err)
		require.Equal(t, 3, s.calls())

		id := s.headers[0].Get(slogx.RequestIDHeader)
		require.NotEmpty(t, id)
		for _, h := range s.headers[1:] {
			require.Equal(t, id, h.Get(slogx.RequestIDHeader))
		}
	})

	t.Run("caller supplied", func(t *testing.T) {
		t.Parallel()

		s := &script{responses: []func(http.Header) (*request.Response, error){
			reply(http.StatusBadGateway),
			reply(http.StatusOK),
		}}
		e := newExecutor(s.transport, &fakeTokens{access: "a"}, request.WithSleep((&recorder{}).sleep))

		_, err := e.Execute(context.Background(), &request.Request{
			URL:    "https://api.test/items",
			Header: http.Header{slogx.RequestIDHeader: []string{"req-7"}},
		})
		require.NoError(t, err)
		require.Equal(t, 2, s.calls())
		for _, h := range s.headers {
			require.Equal(t, "req-7", h.Get(slogx.RequestIDHeader))
		}
	})
}

func TestHTTPTransport(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer a1" {
			t.Errorf("authorization header = %q", got)
		}
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	t.Cleanup(srv.Close)

	rec := &recorder{}
	e := request.New(request.HTTPTransport(srv.Client()), &fakeTokens{access: "a1"}, request.Config{
		Policy: request.Policy{MaxRetries: 1},
	}, request.WithLogger(slogx.Discard()), request.WithSleep(rec.sleep))

	_, err := e.Execute(context.Background(), &request.Request{URL: srv.URL + "/items"})
	require.True(t, errx.Is(err, errx.KindServer))
	require.Equal(t, http.StatusTooManyRequests, errx.StatusOf(err))
	require.Equal(t, []time.Duration{2 * time.Second}, rec.delays)
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	a := request.DedupKey(http.MethodPost, "https://api.test/x", []byte(`{"a":1,"b":[1,2]}`))
	b := request.DedupKey("post", "https://api.test/x", []byte("{ \"b\": [1, 2], \"a\": 1 }"))
	require.Equal(t, a, b)

	require.NotEqual(t, a, request.DedupKey(http.MethodPost, "https://api.test/x", []byte(`{"a":2,"b":[1,2]}`)))
	require.NotEqual(t, a, request.DedupKey(http.MethodPut, "https://api.test/x", []byte(`{"a":1,"b":[1,2]}`)))
	require.NotEqual(t,
		request.DedupKey(http.MethodGet, "https://api.test/x", nil),
		request.DedupKey(http.MethodGet, "https://api.test/y", nil),
	)
}
