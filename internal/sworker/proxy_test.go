package sworker

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func proxyURL(target, headers string) string {
	s := testOrigin + "/worker-proxy?url=" + url.QueryEscape(target)
	if headers != "" {
		s += "&headers=" + url.QueryEscape(headers)
	}
	return s
}

func TestProxy_ForcesOriginAndReferer(t *testing.T) {
	net := newFakeNet(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	w := newTestWorker(t, net, testWorkerOpts{})

	const target = "https://example.com/video.mp4"
	req := newGet(t, proxyURL(target, `{"Referer":"https://evil.example/","X-Token":"abc"}`), map[string]string{
		"Cookie":         "session=1",
		"Authorization":  "Bearer app-token",
		"Sec-Fetch-Mode": "cors",
		"Accept":         "*/*",
	})
	resp := w.Handle(req)
	if body := readBody(t, resp); body != "ok" {
		t.Fatalf("body = %q", body)
	}
	assertCORS(t, resp.Header)
	if got := resp.Header.Get(outcomeHeader); got != outcomeProxy {
		t.Fatalf("outcome = %q", got)
	}

	out := net.Last(target)
	if out == nil {
		t.Fatalf("target was not requested")
	}
	if got := out.Header.Get("Origin"); got != "https://example.com" {
		t.Errorf("Origin = %q", got)
	}
	if got := out.Header.Get("Referer"); got != "https://example.com" {
		t.Errorf("Referer = %q", got)
	}
	if got := out.Header.Get("X-Token"); got != "abc" {
		t.Errorf("X-Token = %q", got)
	}
	if got := out.Header.Get("Accept"); got != "*/*" {
		t.Errorf("Accept = %q, want forwarded", got)
	}
	if out.Header.Get("Cookie") != "" || out.Header.Get("Authorization") != "" || out.Header.Get("Sec-Fetch-Mode") != "" {
		t.Errorf("private headers forwarded: %v", out.Header)
	}
}

func TestProxy_RegisteredDomainHeaders(t *testing.T) {
	net := newFakeNet(func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "ok") })
	w := newTestWorker(t, net, testWorkerOpts{})

	applied, err := w.HandleMessage([]byte(`{"type":"SET_PROXY_HEADERS","payload":{"domain":"cdn.example","headers":{"X-Key":"k1","User-Agent":"tv"}}}`))
	if err != nil || !applied {
		t.Fatalf("HandleMessage = %v, %v", applied, err)
	}

	const target = "https://media.cdn.example/a.ts"
	readBody(t, w.Handle(newGet(t, proxyURL(target, `{"User-Agent":"override"}`), nil)))
	out := net.Last(target)
	if out == nil {
		t.Fatalf("target was not requested")
	}
	if got := out.Header.Get("X-Key"); got != "k1" {
		t.Errorf("X-Key = %q, want registered value", got)
	}
	if got := out.Header.Get("User-Agent"); got != "override" {
		t.Errorf("User-Agent = %q, headers parameter must win", got)
	}
}

func TestProxy_Errors(t *testing.T) {
	net := newFakeNet(originSite)
	w := newTestWorker(t, net, testWorkerOpts{})
	net.Fail("https://down.example/x", errors.New("connection refused"))

	tests := []struct {
		name   string
		method string
		url    string
		status int
		body   string
	}{
		{"missing url", http.MethodGet, testOrigin + "/worker-proxy", http.StatusBadRequest, "Missing url parameter"},
		{"bad scheme", http.MethodGet, proxyURL("ftp://x.example/a", ""), http.StatusBadRequest, "Invalid url parameter"},
		{"preflight", http.MethodOptions, testOrigin + "/worker-proxy", http.StatusOK, ""},
		{"network", http.MethodGet, proxyURL("https://down.example/x", ""), http.StatusInternalServerError, "Proxy error: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newGet(t, tt.url, nil)
			req.Method = tt.method
			resp := w.Handle(req)
			body := readBody(t, resp)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if !strings.HasPrefix(body, tt.body) {
				t.Fatalf("body = %q, want prefix %q", body, tt.body)
			}
			assertCORS(t, resp.Header)
		})
	}
}

func TestProxy_RewritesManifest(t *testing.T) {
	const playlist = "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n#EXTINF:4.0,\nseg/000.ts\n"
	net := newFakeNet(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, playlist)
	})
	w := newTestWorker(t, net, testWorkerOpts{})

	resp := w.Handle(newGet(t, proxyURL("https://cdn.example.com/path/index.m3u8", ""), nil))
	body := readBody(t, resp)
	want := "#EXTM3U\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"/worker-proxy?url=https%3A%2F%2Fcdn.example.com%2Fpath%2Fkey.bin\"\n" +
		"#EXTINF:4.0,\n" +
		"/worker-proxy?url=https%3A%2F%2Fcdn.example.com%2Fpath%2Fseg%2F000.ts\n"
	if body != want {
		t.Fatalf("body =\n%s\nwant\n%s", body, want)
	}
	if resp.ContentLength != int64(len(want)) {
		t.Fatalf("ContentLength = %d, want %d", resp.ContentLength, len(want))
	}
}

func TestProxy_OversizedManifestStreamedUnchanged(t *testing.T) {
	playlist := "#EXTM3U\n" + strings.Repeat("seg.ts\n", 300)
	net := newFakeNet(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, playlist)
	})
	w := newTestWorker(t, net, testWorkerOpts{extraYAML: `
proxy:
  maxManifestSize: 1kb
`})
	body := readBody(t, w.Handle(newGet(t, proxyURL("https://cdn.example.com/big.m3u8", ""), nil)))
	if body != playlist {
		t.Fatalf("oversized playlist was modified")
	}
}
