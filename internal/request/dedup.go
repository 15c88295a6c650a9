package request

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

// flight is the shared context of one deduplicated call. It is cancelled
// only when every attached caller has gone away.
type flight struct {
	// id is the singleflight key. It is unique per flight, so a caller that
	// arrives after the flight was unmapped never joins its call.
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// DedupKey identifies requests that may share one network call: the method,
// the URL and a BLAKE2b-256 digest of the canonical body.
func DedupKey(method, url string, body []byte) string {
	sum := blake2b.Sum256(canonicalBody(body))
	return strings.ToUpper(method) + " " + url + " " + hex.EncodeToString(sum[:])
}

// canonicalBody re-encodes JSON so that key order and whitespace do not
// change the key. Anything else is used verbatim.
func canonicalBody(body []byte) []byte {
	if len(body) == 0 || !json.Valid(body) {
		return body
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return body
	}

	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}

// attach joins or starts the call for key. DoChan is invoked under e.mu so a
// mapped flight always has a live singleflight call behind it, and an
// unmapped one is never joined again.
func (e *Executor) attach(ctx context.Context, key string, req *Request) (*flight, <-chan singleflight.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.seq++
		f = &flight{
			id:     key + "#" + strconv.FormatUint(e.seq, 10),
			ctx:    fctx,
			cancel: cancel,
		}
		e.flights[key] = f
	} else {
		e.metrics.DedupJoined()
	}
	f.refs++

	ch := e.group.DoChan(f.id, func() (any, error) {
		defer e.forget(key, f)
		return e.run(f.ctx, req)
	})
	return f, ch
}

func (e *Executor) release(key string, f *flight) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f.refs--
	if f.refs > 0 {
		return
	}
	f.cancel()
	if e.flights[key] == f {
		delete(e.flights, key)
	}
}

// forget unmaps a flight once its call has settled so later callers start
// a fresh request.
func (e *Executor) forget(key string, f *flight) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.flights[key] == f {
		delete(e.flights, key)
	}
}
