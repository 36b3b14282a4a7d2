package sworker

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	corsAllowMethods = "GET, OPTIONS"
	corsAllowHeaders = "Origin, X-Requested-With, Content-Type, Accept"
)

// Request headers never forwarded to a proxied target.
var proxyDropHeaders = []string{"Host", "Cookie", "Authorization", "Accept-Encoding", "Origin", "Referer"}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
}

func proxyText(r *http.Request, status int, msg string) *http.Response {
	resp := textResponse(r, status, msg, outcomeProxy)
	setCORS(resp.Header)
	return resp
}

// proxy re-issues the request named by the url query parameter and streams
// the answer back with permissive CORS headers.
func (w *Worker) proxy(r *http.Request) *http.Response {
	if r.Method == http.MethodOptions {
		return proxyText(r, http.StatusOK, "")
	}

	q := r.URL.Query()
	raw := q.Get("url")
	if raw == "" {
		return proxyText(r, http.StatusBadRequest, "Missing url parameter")
	}
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return proxyText(r, http.StatusBadRequest, "Invalid url parameter")
	}
	headerParam := q.Get("headers")

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		return proxyText(r, http.StatusBadRequest, err.Error())
	}
	w.proxyHeadersFor(req.Header, r.Header, target, headerParam)

	resp, err := w.proxyClient.Do(req)
	if err != nil {
		w.log.Warn().Err(err).Str("target", target.Redacted()).Msg("proxy request failed")
		return proxyText(r, http.StatusInternalServerError, "Proxy error: "+err.Error())
	}
	w.log.Debug().Str("target", target.Redacted()).Int("status", resp.StatusCode).Msg("proxied")

	// After redirects resp.Request is the request that produced the body.
	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	setCORS(resp.Header)
	setOutcomeHeader(resp.Header, outcomeProxy)
	resp.Request = r

	if resp.StatusCode == http.StatusOK && isManifest(final, resp.Header.Get("Content-Type")) {
		w.rewriteProxiedManifest(resp, final, headerParam)
	}
	return resp
}

// proxyHeadersFor merges, in increasing precedence, the caller's headers,
// the headers registered for the target domain, the explicit headers
// parameter and finally Origin/Referer forced to the target's own origin.
func (w *Worker) proxyHeadersFor(dst, incoming http.Header, target *url.URL, headerParam string) {
	for k, vs := range incoming {
		if isHopHeader(k) || dropForProxy(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for k, v := range w.proxyHeaders.Lookup(target.Hostname()) {
		dst.Set(k, v)
	}
	if headerParam != "" {
		if !gjson.Valid(headerParam) || !gjson.Parse(headerParam).IsObject() {
			w.log.Warn().Str("headers", headerParam).Msg("ignoring malformed headers parameter")
		} else {
			gjson.Parse(headerParam).ForEach(func(k, v gjson.Result) bool {
				dst.Set(k.String(), v.String())
				return true
			})
		}
	}
	origin := target.Scheme + "://" + target.Host
	dst.Set("Origin", origin)
	dst.Set("Referer", origin)
}

func dropForProxy(k string) bool {
	if strings.HasPrefix(http.CanonicalHeaderKey(k), "Sec-Fetch-") {
		return true
	}
	for _, d := range proxyDropHeaders {
		if strings.EqualFold(k, d) {
			return true
		}
	}
	return false
}

// rewriteProxiedManifest buffers a playlist and routes every reference in it
// back through the proxy. Playlists larger than proxy.maxManifestSize are
// streamed untouched.
func (w *Worker) rewriteProxiedManifest(resp *http.Response, base *url.URL, headerParam string) {
	limit := w.cfg.Proxy.maxManifestBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		w.log.Warn().Err(err).Str("url", base.Redacted()).Msg("manifest read failed")
		resp.Body = readCloser{Reader: bytes.NewReader(body), Closer: resp.Body}
		return
	}
	if int64(len(body)) > limit {
		w.log.Warn().Str("url", base.Redacted()).Msg("manifest too large, not rewritten")
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), resp.Body), Closer: resp.Body}
		return
	}
	resp.Body.Close()

	out := rewriteManifest(body, base, proxyWrapper(w.cfg.Worker.ProxyPath, headerParam))
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.Header.Del("Content-Encoding")
}

type readCloser struct {
	io.Reader
	io.Closer
}
