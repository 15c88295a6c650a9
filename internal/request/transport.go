package request

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Request is one logical call. Body is sent as-is; set Content-Type in
// Header when needed.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Timeout bounds each attempt. Zero uses the executor default.
	Timeout time.Duration

	// SkipAuth sends the request without a bearer token, e.g. for login.
	SkipAuth bool
}

// Response is a fully buffered reply. Deduplicated callers share the same
// *Response and must treat it as read-only.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs a single attempt. Errors mean no response was received.
type Transport func(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error)

// MaxBodyBytes caps how much of a response body is buffered.
const MaxBodyBytes = 10 << 20

// HTTPTransport adapts an *http.Client. A nil client uses http.DefaultClient.
func HTTPTransport(client *http.Client) Transport {
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
		var rdr io.Reader
		if len(body) > 0 {
			rdr = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, rdr)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}

		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       data,
		}, nil
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(resp *Response, now time.Time) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
