// Package testutil stands up fake upstream completion APIs for provider
// tests: a loopback HTTP server pinned to IPv4 plus an SSE replay handler.
package testutil

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// frameGap paces replayed SSE frames so consumers observe them as separate
// reads rather than one buffered blob.
const frameGap = 5 * time.Millisecond

// Upstream is a test HTTP server reachable at URL. It listens on the IPv4
// loopback only; "localhost" can resolve to ::1 first and some CI sandboxes
// have no IPv6 loopback.
type Upstream struct {
	URL string

	inner *httptest.Server
}

// NewUpstream starts the server. Tests are skipped when no IPv4 loopback
// listener can be bound.
func NewUpstream(t *testing.T, handler http.Handler) *Upstream {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("ipv4 loopback unavailable: %v", err)
	}
	inner := httptest.NewUnstartedServer(handler)
	_ = inner.Listener.Close()
	inner.Listener = l
	inner.Start()
	return &Upstream{URL: inner.URL, inner: inner}
}

// Client returns a client wired to the server.
func (u *Upstream) Client() *http.Client {
	return u.inner.Client()
}

// Close stops the server and its idle connections.
func (u *Upstream) Close() {
	u.inner.Close()
}

// SSEHandler replays the given payloads as `data:` frames, one flush per
// frame, then ends the response.
func SSEHandler(t *testing.T, payloads ...string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "response writer cannot flush", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		for _, payload := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			time.Sleep(frameGap)
		}
	})
}
