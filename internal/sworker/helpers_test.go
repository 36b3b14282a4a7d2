package sworker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sworker/internal/registry"
)

const testOrigin = "https://app.example"

// fakeNet is a RoundTripper that answers from an http.Handler and counts
// calls per URL.
type fakeNet struct {
	mu      sync.Mutex
	calls   map[string]int
	last    map[string]*http.Request
	handler http.HandlerFunc
	fail    map[string]error
}

func newFakeNet(h http.HandlerFunc) *fakeNet {
	return &fakeNet{
		calls:   map[string]int{},
		last:    map[string]*http.Request{},
		handler: h,
		fail:    map[string]error{},
	}
}

func (f *fakeNet) RoundTrip(req *http.Request) (*http.Response, error) {
	key := req.URL.String()
	f.mu.Lock()
	f.calls[key]++
	f.last[key] = req
	err := f.fail[key]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	rec := httptest.NewRecorder()
	f.handler(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func (f *fakeNet) Calls(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[u]
}

func (f *fakeNet) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeNet) Last(u string) *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[u]
}

func (f *fakeNet) Fail(u string, err error) {
	f.mu.Lock()
	f.fail[u] = err
	f.mu.Unlock()
}

// originSite serves a small HTML page for every path.
func originSite(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, "<html>%s</html>", r.URL.Path)
}

const baseYAML = `
server:
  origin: https://app.example
storage:
  driver: memory
logging:
  level: debug
worker:
  version: v1
  precache:
    - url: /index.html
      revision: "1"
    - url: /offline.html
      revision: "1"
    - url: /images/placeholder.svg
      revision: "1"
`

func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(baseYAML + extra))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	return cfg
}

type testWorkerOpts struct {
	extraYAML string
	store     Store
	registry  *registry.Registry
	logOut    io.Writer
	clock     func() time.Time
	noStart   bool
}

func newTestWorker(t *testing.T, net *fakeNet, o testWorkerOpts) *Worker {
	t.Helper()
	cfg := testConfig(t, o.extraYAML)

	if o.store == nil {
		o.store = newMemoryStore()
	}
	if o.registry == nil {
		reg, err := registry.Open(":memory:", zerolog.Nop())
		if err != nil {
			t.Fatalf("registry.Open: %v", err)
		}
		o.registry = reg
	}
	if o.logOut == nil {
		o.logOut = io.Discard
	}
	opts := []Option{
		WithTransport(net),
		WithStore(o.store),
		WithRegistry(o.registry),
		WithLogOutput(o.logOut),
	}
	if o.clock != nil {
		opts = append(opts, WithClock(o.clock))
	}
	w, err := NewWorker(cfg, opts...)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	if !o.noStart {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	return w
}

func newGet(t *testing.T, rawURL string, hdr map[string]string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	return req
}

func navHeaders() map[string]string {
	return map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document", "Accept": "text/html"}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

// syncBuffer is a goroutine safe log capture.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func hasLine(s, substr string) bool {
	for _, l := range strings.Split(s, "\n") {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// fakeClock is a settable clock safe for background goroutines.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func assertCORS(t *testing.T, h http.Header) {
	t.Helper()
	want := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, OPTIONS",
		"Access-Control-Allow-Headers": "Origin, X-Requested-With, Content-Type, Accept",
	}
	for k, v := range want {
		if got := h.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}
